package nat

import (
	"sync"

	"github.com/edgenat/nat44/config"
	"github.com/edgenat/nat44/packet"
)

// ForwardRule publishes an external port and names the internal backend
// that inbound traffic is redirected to. Sessions created from a forward
// live in the regular session table; only the static rule set is kept here.
type ForwardRule struct {
	Name         string
	Protocol     packet.Protocol
	ExternalPort uint16
	Backend      Endpoint
}

type forwardKey struct {
	proto packet.Protocol
	port  uint16
}

// ForwardTable holds the configured port forwarding rules.
type ForwardTable struct {
	mu    sync.RWMutex
	rules map[forwardKey]ForwardRule
}

// NewForwardTable creates an empty forward table.
func NewForwardTable() *ForwardTable {
	return &ForwardTable{
		rules: make(map[forwardKey]ForwardRule),
	}
}

// LoadRules replaces the rule set from configuration.
func (t *ForwardTable) LoadRules(forwards []config.PortForward) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rules = make(map[forwardKey]ForwardRule, len(forwards))
	for _, pf := range forwards {
		proto := packet.ProtocolTCP
		if pf.Protocol == "udp" {
			proto = packet.ProtocolUDP
		}
		rule := ForwardRule{
			Name:         pf.Name,
			Protocol:     proto,
			ExternalPort: pf.ExternalPort,
			Backend:      Endpoint{Addr: pf.Backend, Port: pf.BackendPort},
		}
		t.rules[forwardKey{proto: proto, port: pf.ExternalPort}] = rule
	}
}

// Lookup finds a forward rule by protocol and external port.
func (t *ForwardTable) Lookup(proto packet.Protocol, externalPort uint16) (ForwardRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rule, ok := t.rules[forwardKey{proto: proto, port: externalPort}]
	return rule, ok
}

// Count returns the number of forwarding rules.
func (t *ForwardTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.rules)
}

// Rules returns a snapshot of all forwarding rules.
func (t *ForwardTable) Rules() []ForwardRule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rules := make([]ForwardRule, 0, len(t.rules))
	for _, rule := range t.rules {
		rules = append(rules, rule)
	}
	return rules
}
