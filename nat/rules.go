package nat

import (
	"net/netip"

	"github.com/edgenat/nat44/config"
)

// RuleMatcher handles rule matching for NAT decisions.
type RuleMatcher struct {
	rules []config.Rule
}

// NewRuleMatcher creates a new rule matcher from configuration.
func NewRuleMatcher(cfg *config.Config) *RuleMatcher {
	return &RuleMatcher{
		rules: cfg.Rules,
	}
}

// MatchResult represents the result of rule matching.
type MatchResult struct {
	RuleName string
	Action   config.Action
	Matched  bool
}

// Match finds the first matching rule for the given destination address.
// Rules are evaluated in order; first match wins. With no match the default
// is NAT, so a rule-less configuration translates everything outbound.
func (m *RuleMatcher) Match(dest netip.Addr) MatchResult {
	for _, rule := range m.rules {
		if rule.Destination.Contains(dest) {
			return MatchResult{
				RuleName: rule.Name,
				Action:   rule.Action,
				Matched:  true,
			}
		}
	}

	return MatchResult{
		RuleName: "default",
		Action:   config.ActionNAT,
		Matched:  false,
	}
}

// ShouldNAT returns true if the destination should have NAT applied.
func (m *RuleMatcher) ShouldNAT(dest netip.Addr) bool {
	return m.Match(dest).Action == config.ActionNAT
}

// ShouldBypass returns true if the destination should bypass NAT.
func (m *RuleMatcher) ShouldBypass(dest netip.Addr) bool {
	return m.Match(dest).Action == config.ActionBypass
}
