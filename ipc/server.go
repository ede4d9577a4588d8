// Package ipc provides inter-process communication for nat44d status
// queries and control.
package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultAddr is the loopback address the daemon listens on when the
// configuration does not name one.
const DefaultAddr = "127.0.0.1:9876"

// StatusResponse contains the current status of the NAT engine.
type StatusResponse struct {
	Running          bool          `json:"running"`
	Uptime           time.Duration `json:"uptime"`
	UptimeStr        string        `json:"uptime_str"`
	PacketsProcessed uint64        `json:"packets_processed"`
	PacketsNATted    uint64        `json:"packets_natted"`
	PacketsBypassed  uint64        `json:"packets_bypassed"`
	PacketsDropped   uint64        `json:"packets_dropped"`
	ActiveSessions   int           `json:"active_sessions"`
	NATIP            string        `json:"nat_ip"`
	InternalNetwork  string        `json:"internal_network"`
	Sessions         []SessionInfo `json:"sessions,omitempty"`
	PortForwards     []ForwardInfo `json:"port_forwards,omitempty"`
}

// SessionInfo represents one directional session table entry.
type SessionInfo struct {
	Protocol  string `json:"protocol"`
	Lookup    string `json:"lookup"`
	Mapped    string `json:"mapped"`
	ExpiresIn int64  `json:"expires_in"`
}

// ForwardInfo represents a port forwarding rule.
type ForwardInfo struct {
	Name         string `json:"name"`
	Protocol     string `json:"protocol"`
	ExternalPort uint16 `json:"external_port"`
	Backend      string `json:"backend"`
}

// Request represents an IPC request.
type Request struct {
	Command string `json:"command"` // "status", "sessions", "reset", "ping"
}

// Handler supplies the server with engine state and control.
type Handler interface {
	Status() *StatusResponse
	ResetSessions()
}

// Server provides an IPC server for status queries.
type Server struct {
	addr     string
	handler  Handler
	listener net.Listener

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewServer creates a new IPC server listening on addr.
func NewServer(addr string, handler Handler) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:     addr,
		handler:  handler,
		stopChan: make(chan struct{}),
	}
}

// Start begins listening for IPC connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.listener = listener
	s.running = true

	go s.acceptLoop()
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop stops the IPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				// Timeout or temporary error, continue
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	var response interface{}
	switch req.Command {
	case "ping":
		response = map[string]string{"status": "ok"}
	case "status", "sessions":
		response = s.handler.Status()
	case "reset":
		s.handler.ResetSessions()
		response = map[string]string{"status": "ok"}
	default:
		response = map[string]string{"error": "unknown command"}
	}

	encoder := json.NewEncoder(conn)
	encoder.Encode(response)
}

// Client provides an IPC client for status queries.
type Client struct {
	addr string
}

// NewClient creates a new IPC client for the given address.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr}
}

// Ping checks if the daemon is running.
func (c *Client) Ping() error {
	var resp map[string]string
	if err := c.roundTrip(Request{Command: "ping"}, &resp); err != nil {
		return err
	}
	if resp["status"] != "ok" {
		return fmt.Errorf("unexpected response: %v", resp)
	}
	return nil
}

// GetStatus retrieves the current status from the running daemon.
func (c *Client) GetStatus() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.roundTrip(Request{Command: "status"}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetSessions clears the daemon's session table.
func (c *Client) ResetSessions() error {
	var resp map[string]string
	if err := c.roundTrip(Request{Command: "reset"}, &resp); err != nil {
		return err
	}
	if resp["status"] != "ok" {
		return fmt.Errorf("unexpected response: %v", resp)
	}
	return nil
}

func (c *Client) roundTrip(req Request, out interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("nat44d is not running: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}
