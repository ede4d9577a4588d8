// Package config handles parsing and validation of nat44d configuration files.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Action represents what to do with matched traffic.
type Action string

const (
	ActionBypass Action = "bypass" // Pass through without NAT
	ActionNAT    Action = "nat"    // Apply NAT
)

// Rule defines a routing rule for traffic matching.
type Rule struct {
	Name        string       `yaml:"name"`
	Destination netip.Prefix `yaml:"-"`
	DestStr     string       `yaml:"destination"` // For YAML parsing
	Action      Action       `yaml:"action"`
}

// PortForward publishes an external port on the NAT IP and redirects
// matching inbound traffic to an internal backend.
type PortForward struct {
	Name         string     `yaml:"name"`
	Protocol     string     `yaml:"protocol"` // "tcp" or "udp"
	ExternalPort uint16     `yaml:"external_port"`
	Backend      netip.Addr `yaml:"-"`
	BackendStr   string     `yaml:"backend"` // For YAML parsing
	BackendPort  uint16     `yaml:"backend_port"`
}

// PortRange bounds the translated source ports handed out for outbound
// sessions.
type PortRange struct {
	Low  uint16 `yaml:"low"`
	High uint16 `yaml:"high"`
}

// Config holds the complete configuration for nat44d.
type Config struct {
	NATIP              netip.Addr    `yaml:"-"`
	NATIPStr           string        `yaml:"nat_ip"`
	InternalNetwork    netip.Prefix  `yaml:"-"`
	InternalNetworkStr string        `yaml:"internal_network"`
	TUNDevice          string        `yaml:"tun_device"`
	IPCAddr            string        `yaml:"ipc_addr"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	PortRange          PortRange     `yaml:"port_range"`
	SweepInterval      time.Duration `yaml:"-"`
	SweepIntervalStr   string        `yaml:"sweep_interval"` // For YAML parsing, e.g. "30s"
	Rules              []Rule        `yaml:"rules"`
	PortForwards       []PortForward `yaml:"port_forwards"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Parse NAT IP
	natIP, err := netip.ParseAddr(cfg.NATIPStr)
	if err != nil {
		return nil, fmt.Errorf("invalid nat_ip %q: %w", cfg.NATIPStr, err)
	}
	if !natIP.Is4() {
		return nil, fmt.Errorf("nat_ip must be IPv4: %s", cfg.NATIPStr)
	}
	cfg.NATIP = natIP

	// Parse internal network
	network, err := netip.ParsePrefix(cfg.InternalNetworkStr)
	if err != nil {
		return nil, fmt.Errorf("invalid internal_network: %w", err)
	}
	if !network.Addr().Is4() {
		return nil, fmt.Errorf("internal_network must be IPv4: %s", cfg.InternalNetworkStr)
	}
	cfg.InternalNetwork = network.Masked()

	// Defaults
	if cfg.TUNDevice == "" {
		cfg.TUNDevice = "nat0"
	}
	if cfg.IPCAddr == "" {
		cfg.IPCAddr = "127.0.0.1:9876"
	}
	if cfg.PortRange.Low == 0 && cfg.PortRange.High == 0 {
		cfg.PortRange = PortRange{Low: 49152, High: 65535}
	}
	if cfg.SweepIntervalStr == "" {
		cfg.SweepInterval = 30 * time.Second
	} else {
		interval, err := time.ParseDuration(cfg.SweepIntervalStr)
		if err != nil {
			return nil, fmt.Errorf("invalid sweep_interval %q: %w", cfg.SweepIntervalStr, err)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("sweep_interval must be positive: %s", cfg.SweepIntervalStr)
		}
		cfg.SweepInterval = interval
	}

	// Parse and validate rules
	for i := range cfg.Rules {
		rule := &cfg.Rules[i]

		dest, err := netip.ParsePrefix(rule.DestStr)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid destination %q: %w", rule.Name, rule.DestStr, err)
		}
		rule.Destination = dest.Masked()

		if rule.Action != ActionBypass && rule.Action != ActionNAT {
			return nil, fmt.Errorf("rule %q: invalid action %q (must be 'bypass' or 'nat')", rule.Name, rule.Action)
		}
	}

	// Parse and validate port forwards
	for i := range cfg.PortForwards {
		fwd := &cfg.PortForwards[i]

		if fwd.Protocol != "tcp" && fwd.Protocol != "udp" {
			return nil, fmt.Errorf("port forward %q: invalid protocol %q (must be 'tcp' or 'udp')", fwd.Name, fwd.Protocol)
		}
		if fwd.ExternalPort == 0 {
			return nil, fmt.Errorf("port forward %q: external_port is required", fwd.Name)
		}
		if fwd.BackendPort == 0 {
			return nil, fmt.Errorf("port forward %q: backend_port is required", fwd.Name)
		}

		backend, err := netip.ParseAddr(fwd.BackendStr)
		if err != nil {
			return nil, fmt.Errorf("port forward %q: invalid backend %q: %w", fwd.Name, fwd.BackendStr, err)
		}
		if !backend.Is4() {
			return nil, fmt.Errorf("port forward %q: backend must be IPv4: %s", fwd.Name, fwd.BackendStr)
		}
		fwd.Backend = backend
	}

	return &cfg, nil
}

// Validate performs additional validation on the configuration.
func (c *Config) Validate() error {
	// Check that NAT IP is not within internal network
	if c.InternalNetwork.Contains(c.NATIP) {
		return fmt.Errorf("nat_ip (%s) should not be within internal_network (%s)", c.NATIP, c.InternalNetwork)
	}

	if c.PortRange.High <= c.PortRange.Low {
		return fmt.Errorf("port_range: high (%d) must be greater than low (%d)", c.PortRange.High, c.PortRange.Low)
	}

	// Forwarded external ports must not collide with the translated range,
	// and must be unique per protocol.
	seen := make(map[string]bool)
	for _, fwd := range c.PortForwards {
		if fwd.ExternalPort >= c.PortRange.Low && fwd.ExternalPort <= c.PortRange.High {
			return fmt.Errorf("port forward %q: external_port %d falls inside port_range %d-%d",
				fwd.Name, fwd.ExternalPort, c.PortRange.Low, c.PortRange.High)
		}
		key := fmt.Sprintf("%s/%d", fwd.Protocol, fwd.ExternalPort)
		if seen[key] {
			return fmt.Errorf("port forward %q: duplicate %s external_port %d", fwd.Name, fwd.Protocol, fwd.ExternalPort)
		}
		seen[key] = true
		if !c.InternalNetwork.Contains(fwd.Backend) {
			return fmt.Errorf("port forward %q: backend %s is outside internal_network (%s)",
				fwd.Name, fwd.Backend, c.InternalNetwork)
		}
	}

	return nil
}
