package nat

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenat/nat44/config"
	"github.com/edgenat/nat44/packet"
)

// nullDataplane satisfies Dataplane for tests that drive process directly.
type nullDataplane struct{}

func (nullDataplane) Read(buf []byte) (int, error)  { return 0, nil }
func (nullDataplane) Write(pkt []byte) (int, error) { return len(pkt), nil }
func (nullDataplane) Close() error                  { return nil }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Parse([]byte(`
nat_ip: 203.0.113.1
internal_network: 10.0.0.0/24
rules:
  - name: "corp net"
    destination: 172.16.0.0/12
    action: bypass
  - name: "internet"
    destination: 0.0.0.0/0
    action: nat
port_forwards:
  - name: "web"
    protocol: tcp
    external_port: 8080
    backend: 10.0.0.20
    backend_port: 80
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	return NewEngine(cfg, nullDataplane{}, WithClock(func() int64 { return 1000 }))
}

func TestEngineOutboundCreatesSession(t *testing.T) {
	e := testEngine(t)

	raw, err := packet.Encode(udpPacket(clientAddr, 12345, serverAddr, 53))
	require.NoError(t, err)

	out, err := e.process(raw)
	require.NoError(t, err)

	pkt, err := packet.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, natAddr, pkt.IP.Src)
	assert.Equal(t, serverAddr, pkt.IP.Dst)
	udp := pkt.Transport.(packet.UDP)
	assert.GreaterOrEqual(t, udp.Header.SrcPort, uint16(49152))
	assert.Equal(t, uint16(53), udp.Header.DstPort)
	assert.Equal(t, 1, e.SessionCount())

	// The reply routes back through the same session.
	reply, err := packet.Encode(udpPacket(serverAddr, 53, natAddr, udp.Header.SrcPort))
	require.NoError(t, err)
	back, err := e.process(reply)
	require.NoError(t, err)
	backPkt, err := packet.Decode(back)
	require.NoError(t, err)
	assert.Equal(t, clientAddr, backPkt.IP.Dst)
	assert.Equal(t, uint16(12345), backPkt.Transport.(packet.UDP).Header.DstPort)
	assert.Equal(t, 1, e.SessionCount())
}

func TestEngineOutboundReusesSession(t *testing.T) {
	e := testEngine(t)

	raw, err := packet.Encode(udpPacket(clientAddr, 12345, serverAddr, 53))
	require.NoError(t, err)

	first, err := e.process(raw)
	require.NoError(t, err)
	second, err := e.process(raw)
	require.NoError(t, err)

	firstPkt, _ := packet.Decode(first)
	secondPkt, _ := packet.Decode(second)
	assert.Equal(t,
		firstPkt.Transport.(packet.UDP).Header.SrcPort,
		secondPkt.Transport.(packet.UDP).Header.SrcPort,
	)
	assert.Equal(t, 1, e.SessionCount())
}

func TestEngineBypassRule(t *testing.T) {
	e := testEngine(t)

	raw, err := packet.Encode(udpPacket(clientAddr, 12345, netip.MustParseAddr("172.16.5.5"), 445))
	require.NoError(t, err)

	out, err := e.process(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
	assert.Equal(t, 0, e.SessionCount())
}

func TestEngineInboundWithoutSessionDropped(t *testing.T) {
	e := testEngine(t)

	raw, err := packet.Encode(udpPacket(serverAddr, 53, natAddr, 50000))
	require.NoError(t, err)

	_, err = e.process(raw)
	assert.ErrorIs(t, err, ErrUntranslated)

	_, _, _, dropped := e.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestEngineForwardSession(t *testing.T) {
	e := testEngine(t)

	// External client hits the published port.
	raw, err := packet.Encode(tcpPacket(serverAddr, 30000, natAddr, 8080))
	require.NoError(t, err)

	out, err := e.process(raw)
	require.NoError(t, err)

	pkt, err := packet.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, serverAddr, pkt.IP.Src)
	assert.Equal(t, backendAddr, pkt.IP.Dst)
	tcp := pkt.Transport.(packet.TCP)
	assert.Equal(t, uint16(80), tcp.Header.DstPort)
	assert.Equal(t, 1, e.SessionCount())

	// Backend reply goes back out as the advertised endpoint.
	reply, err := packet.Encode(tcpPacket(backendAddr, 80, serverAddr, 30000))
	require.NoError(t, err)
	back, err := e.process(reply)
	require.NoError(t, err)
	backPkt, err := packet.Decode(back)
	require.NoError(t, err)
	assert.Equal(t, natAddr, backPkt.IP.Src)
	assert.Equal(t, uint16(8080), backPkt.Transport.(packet.TCP).Header.SrcPort)
}

func TestEngineSweep(t *testing.T) {
	e := testEngine(t)

	raw, err := packet.Encode(udpPacket(clientAddr, 12345, serverAddr, 53))
	require.NoError(t, err)
	_, err = e.process(raw)
	require.NoError(t, err)
	require.Equal(t, 1, e.SessionCount())

	// Past the UDP window the session is reaped; before it, kept.
	assert.Equal(t, 0, e.table.SweepExpired(1000+UDPWindow-1))
	assert.Equal(t, 1, e.table.SweepExpired(1000+UDPWindow))
	assert.Equal(t, 0, e.SessionCount())
}

func TestEngineUpdateRules(t *testing.T) {
	e := testEngine(t)

	// Establish a session under the old rules.
	raw, err := packet.Encode(udpPacket(clientAddr, 12345, serverAddr, 53))
	require.NoError(t, err)
	_, err = e.process(raw)
	require.NoError(t, err)

	newCfg, err := config.Parse([]byte(`
nat_ip: 203.0.113.1
internal_network: 10.0.0.0/24
rules:
  - name: "everything"
    destination: 0.0.0.0/0
    action: bypass
`))
	require.NoError(t, err)
	require.NoError(t, e.UpdateRules(newCfg))

	// Existing sessions survive the reload.
	assert.Equal(t, 1, e.SessionCount())

	// New flows now bypass.
	raw2, err := packet.Encode(udpPacket(clientAddr, 23456, serverAddr, 53))
	require.NoError(t, err)
	out, err := e.process(raw2)
	require.NoError(t, err)
	assert.Equal(t, raw2, out)
}

func TestEngineUpdateRulesRejectsInvalid(t *testing.T) {
	e := testEngine(t)

	bad, err := config.Parse([]byte(`
nat_ip: 10.0.0.99
internal_network: 10.0.0.0/24
`))
	require.NoError(t, err)

	assert.Error(t, e.UpdateRules(bad))
}

func TestPortAllocatorWraps(t *testing.T) {
	a := newPortAllocator(50000, 50002)
	assert.Equal(t, 3, a.size())

	seen := map[uint16]int{}
	for i := 0; i < 6; i++ {
		p := a.next()
		assert.GreaterOrEqual(t, p, uint16(50000))
		assert.LessOrEqual(t, p, uint16(50002))
		seen[p]++
	}
	// Two full cycles over a range of three.
	assert.Len(t, seen, 3)
	for p, n := range seen {
		assert.Equal(t, 2, n, "port %d", p)
	}
}

func TestRuleMatcherFirstMatchWins(t *testing.T) {
	cfg, err := config.Parse([]byte(`
nat_ip: 203.0.113.1
internal_network: 10.0.0.0/24
rules:
  - name: "narrow"
    destination: 8.8.8.0/24
    action: bypass
  - name: "wide"
    destination: 0.0.0.0/0
    action: nat
`))
	require.NoError(t, err)

	m := NewRuleMatcher(cfg)

	res := m.Match(serverAddr)
	assert.Equal(t, "narrow", res.RuleName)
	assert.True(t, m.ShouldBypass(serverAddr))
	assert.True(t, m.ShouldNAT(netip.MustParseAddr("9.9.9.9")))
}

func TestRuleMatcherDefaultNAT(t *testing.T) {
	cfg, err := config.Parse([]byte(`
nat_ip: 203.0.113.1
internal_network: 10.0.0.0/24
`))
	require.NoError(t, err)

	m := NewRuleMatcher(cfg)
	res := m.Match(serverAddr)
	assert.False(t, res.Matched)
	assert.Equal(t, config.ActionNAT, res.Action)
}

func TestForwardTable(t *testing.T) {
	ft := NewForwardTable()
	ft.LoadRules([]config.PortForward{
		{Name: "web", Protocol: "tcp", ExternalPort: 8080, Backend: backendAddr, BackendPort: 80},
		{Name: "dns", Protocol: "udp", ExternalPort: 5353, Backend: backendAddr, BackendPort: 53},
	})

	assert.Equal(t, 2, ft.Count())

	rule, ok := ft.Lookup(packet.ProtocolTCP, 8080)
	require.True(t, ok)
	assert.Equal(t, Endpoint{Addr: backendAddr, Port: 80}, rule.Backend)

	// Protocol is part of the key.
	_, ok = ft.Lookup(packet.ProtocolUDP, 8080)
	assert.False(t, ok)

	// Reload replaces the set.
	ft.LoadRules(nil)
	assert.Equal(t, 0, ft.Count())
}
