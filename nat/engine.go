package nat

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgenat/nat44/config"
	"github.com/edgenat/nat44/packet"
)

// Dataplane is the packet source and sink the engine runs against.
// Typically a TUN device; tests substitute an in-memory pipe.
type Dataplane interface {
	Read(buf []byte) (int, error)
	Write(pkt []byte) (int, error)
	Close() error
}

// maxPortRetries bounds how many translated ports are tried when a new
// session's keys collide with live sessions.
const maxPortRetries = 64

// Engine drives the NAT core from a dataplane: it classifies packets by
// direction, creates sessions on first flight, translates, and writes the
// result back. A background reaper removes expired sessions.
type Engine struct {
	table *Table
	dp    Dataplane

	logger        *zap.Logger
	now           func() int64
	sweepInterval time.Duration

	// Configuration-derived state, swapped on reload.
	mu       sync.RWMutex
	natIP    netip.Addr
	internal netip.Prefix
	matcher  *RuleMatcher
	forwards *ForwardTable
	alloc    *portAllocator

	processed  atomic.Uint64
	translated atomic.Uint64
	bypassed   atomic.Uint64
	dropped    atomic.Uint64

	running  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the engine's time source. Used in tests.
func WithClock(now func() int64) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSweepInterval sets how often expired sessions are reaped.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// NewEngine creates a NAT engine bound to a dataplane.
func NewEngine(cfg *config.Config, dp Dataplane, opts ...EngineOption) *Engine {
	e := &Engine{
		table:         NewTable(),
		dp:            dp,
		logger:        zap.NewNop(),
		now:           func() int64 { return time.Now().Unix() },
		sweepInterval: cfg.SweepInterval,
		natIP:         cfg.NATIP,
		internal:      cfg.InternalNetwork,
		matcher:       NewRuleMatcher(cfg),
		forwards:      NewForwardTable(),
		alloc:         newPortAllocator(cfg.PortRange.Low, cfg.PortRange.High),
		stopChan:      make(chan struct{}),
	}
	e.forwards.LoadRules(cfg.PortForwards)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the packet loop and the session reaper. It returns once
// both are running; Stop shuts them down.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	e.logger.Info("engine starting",
		zap.String("nat_ip", e.natIP.String()),
		zap.String("internal_network", e.internal.String()),
		zap.Int("port_forwards", e.forwards.Count()),
	)

	e.wg.Add(2)
	go e.sweepLoop(ctx)
	go e.packetLoop(ctx)
	return nil
}

// Stop shuts the engine down and waits for its loops to exit.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopChan)
	e.dp.Close()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) packetLoop(ctx context.Context) {
	defer e.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, err := e.dp.Read(buf)
		if err != nil {
			select {
			case <-e.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
			e.logger.Warn("dataplane read failed", zap.Error(err))
			return
		}

		e.processed.Add(1)
		out, err := e.process(buf[:n])
		if err != nil {
			continue
		}
		if _, err := e.dp.Write(out); err != nil {
			e.logger.Warn("dataplane write failed", zap.Error(err))
		}
	}
}

// errBypass is an internal signal: the packet matched a bypass rule and
// must be forwarded untranslated.
var errBypass = errors.New("nat: bypass")

// process classifies and translates one raw packet, returning the bytes to
// write back to the dataplane.
func (e *Engine) process(raw []byte) ([]byte, error) {
	pkt, err := packet.Decode(raw)
	if err != nil {
		e.drop("malformed")
		e.logger.Debug("undecodable packet", zap.Error(err))
		return nil, err
	}

	e.mu.RLock()
	internal := e.internal
	e.mu.RUnlock()

	var out packet.Packet
	if internal.Contains(pkt.IP.Src) {
		out, err = e.processOutbound(pkt)
	} else {
		out, err = e.processInbound(pkt)
	}
	if err != nil {
		if errors.Is(err, errBypass) {
			// Rule says hands off; forward the original bytes.
			return raw, nil
		}
		return nil, err
	}

	encoded, err := packet.Encode(out)
	if err != nil {
		e.drop("encode")
		e.logger.Warn("failed to encode translated packet", zap.Error(err))
		return nil, err
	}
	return encoded, nil
}

// processOutbound handles a packet leaving the internal network. First
// packets of a flow allocate a translated port and create the session;
// key collisions retry with the next port.
func (e *Engine) processOutbound(pkt packet.Packet) (packet.Packet, error) {
	e.mu.RLock()
	matcher := e.matcher
	e.mu.RUnlock()

	if matcher.ShouldBypass(pkt.IP.Dst) {
		e.bypassed.Add(1)
		metricBypassed.Inc()
		return packet.Packet{}, errBypass
	}

	out, err := e.table.Translate(pkt)
	if errors.Is(err, ErrUntranslated) {
		if err := e.addOutboundSession(pkt); err != nil {
			e.drop("session")
			e.logger.Debug("failed to create session",
				zap.String("src", pkt.IP.Src.String()),
				zap.String("dst", pkt.IP.Dst.String()),
				zap.Error(err),
			)
			return packet.Packet{}, err
		}
		out, err = e.table.Translate(pkt)
	}
	if err != nil {
		e.dropTranslateErr(err)
		return packet.Packet{}, err
	}

	e.translated.Add(1)
	metricTranslated.WithLabelValues("outbound").Inc()
	return out, nil
}

// processInbound handles a packet arriving from outside. Inbound traffic
// is only ever translated against an existing session, except for port
// forwards, which may create a redirect session on first contact.
func (e *Engine) processInbound(pkt packet.Packet) (packet.Packet, error) {
	out, err := e.table.Translate(pkt)
	if errors.Is(err, ErrUntranslated) {
		if err := e.addForwardSession(pkt); err != nil {
			e.drop("untranslated")
			metricUntranslated.Inc()
			return packet.Packet{}, ErrUntranslated
		}
		out, err = e.table.Translate(pkt)
	}
	if err != nil {
		e.dropTranslateErr(err)
		return packet.Packet{}, err
	}

	e.translated.Add(1)
	metricTranslated.WithLabelValues("inbound").Inc()
	return out, nil
}

func (e *Engine) dropTranslateErr(err error) {
	switch {
	case errors.Is(err, ErrTTLExceeded):
		e.drop("ttl_exceeded")
	case errors.Is(err, ErrUntranslated):
		e.drop("untranslated")
		metricUntranslated.Inc()
	default:
		e.drop("other")
	}
}

func (e *Engine) drop(reason string) {
	e.dropped.Add(1)
	metricDropped.WithLabelValues(reason).Inc()
}

// addOutboundSession creates a masquerade session for a first-flight
// outbound packet. ErrOverlap from the table means the candidate port's
// keys collide with a live session, so the next port is tried.
func (e *Engine) addOutboundSession(pkt packet.Packet) error {
	e.mu.RLock()
	natIP := e.natIP
	alloc := e.alloc
	e.mu.RUnlock()

	now := e.now()
	retries := maxPortRetries
	if s := alloc.size(); s < retries {
		retries = s
	}
	var err error
	for i := 0; i < retries; i++ {
		translated := Endpoint{Addr: natIP, Port: alloc.next()}
		err = e.table.Add(now, pkt, translated, NATMode{})
		if !errors.Is(err, ErrOverlap) {
			break
		}
	}
	if err != nil {
		return err
	}

	proto := pkt.Transport.Proto()
	metricSessionsCreated.WithLabelValues(proto.String()).Inc()
	metricSessionsActive.Set(float64(e.table.Count() / 2))
	e.logger.Debug("session created",
		zap.String("proto", proto.String()),
		zap.String("src", pkt.IP.Src.String()),
		zap.String("dst", pkt.IP.Dst.String()),
	)
	return nil
}

// addForwardSession creates a redirect session when an inbound packet hits
// a configured port forward. The backend sees the original client source,
// so only the destination leg is rewritten.
func (e *Engine) addForwardSession(pkt packet.Packet) error {
	e.mu.RLock()
	natIP := e.natIP
	forwards := e.forwards
	e.mu.RUnlock()

	if pkt.IP.Dst != natIP {
		return ErrUntranslated
	}

	var srcPort, dstPort uint16
	switch t := pkt.Transport.(type) {
	case packet.TCP:
		srcPort, dstPort = t.Header.SrcPort, t.Header.DstPort
	case packet.UDP:
		srcPort, dstPort = t.Header.SrcPort, t.Header.DstPort
	default:
		return ErrUntranslated
	}

	rule, ok := forwards.Lookup(pkt.Transport.Proto(), dstPort)
	if !ok {
		return ErrUntranslated
	}

	client := Endpoint{Addr: pkt.IP.Src, Port: srcPort}
	if err := e.table.Add(e.now(), pkt, client, RedirectMode{Backend: rule.Backend}); err != nil {
		return err
	}

	proto := pkt.Transport.Proto()
	metricSessionsCreated.WithLabelValues(proto.String()).Inc()
	metricSessionsActive.Set(float64(e.table.Count() / 2))
	e.logger.Debug("forward session created",
		zap.String("rule", rule.Name),
		zap.String("client", client.String()),
		zap.String("backend", rule.Backend.String()),
	)
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := e.table.SweepExpired(e.now())
			if removed > 0 {
				metricSessionsExpired.Add(float64(removed))
				metricSessionsActive.Set(float64(e.table.Count() / 2))
				e.logger.Debug("swept expired sessions", zap.Int("removed", removed))
			}
		}
	}
}

// UpdateRules applies a reloaded configuration. The session table is
// preserved; established flows keep working across a reload.
func (e *Engine) UpdateRules(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.natIP = cfg.NATIP
	e.internal = cfg.InternalNetwork
	e.matcher = NewRuleMatcher(cfg)
	e.forwards = NewForwardTable()
	e.forwards.LoadRules(cfg.PortForwards)
	e.alloc = newPortAllocator(cfg.PortRange.Low, cfg.PortRange.High)

	e.logger.Info("rules updated",
		zap.Int("rules", len(cfg.Rules)),
		zap.Int("port_forwards", len(cfg.PortForwards)),
	)
	return nil
}

// Stats returns the engine's packet counters.
func (e *Engine) Stats() (processed, translated, bypassed, dropped uint64) {
	return e.processed.Load(), e.translated.Load(), e.bypassed.Load(), e.dropped.Load()
}

// SessionInfo describes one directional session entry with its remaining
// lifetime, for status reporting.
type SessionInfo struct {
	Protocol  string `json:"protocol"`
	Lookup    string `json:"lookup"`
	Mapped    string `json:"mapped"`
	ExpiresIn int64  `json:"expires_in"`
}

// Sessions returns a snapshot of the session table.
func (e *Engine) Sessions() []SessionInfo {
	now := e.now()
	entries := e.table.Entries()
	out := make([]SessionInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, SessionInfo{
			Protocol:  entry.Protocol.String(),
			Lookup:    entry.Lookup.String(),
			Mapped:    entry.Mapped.String(),
			ExpiresIn: entry.Expiry - now,
		})
	}
	return out
}

// SessionCount returns the number of live sessions. Each session holds two
// table entries.
func (e *Engine) SessionCount() int {
	return e.table.Count() / 2
}

// ForwardRules returns the configured port forwarding rules.
func (e *Engine) ForwardRules() []ForwardRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.forwards.Rules()
}

// SessionTable exposes the session table. Used by the IPC server for
// resets.
func (e *Engine) SessionTable() *Table {
	return e.table
}
