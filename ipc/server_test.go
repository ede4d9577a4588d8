package ipc

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

type fakeHandler struct {
	status *StatusResponse
	resets int
}

func (h *fakeHandler) Status() *StatusResponse { return h.status }
func (h *fakeHandler) ResetSessions()          { h.resets++ }

func startTestServer(t *testing.T, h Handler) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", h)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(server.Stop)
	time.Sleep(50 * time.Millisecond)
	return server
}

func TestNewServer(t *testing.T) {
	server := NewServer("", &fakeHandler{})

	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server.addr != DefaultAddr {
		t.Errorf("Expected addr %s, got %s", DefaultAddr, server.addr)
	}
	if server.stopChan == nil {
		t.Error("stopChan not initialized")
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer("127.0.0.1:0", &fakeHandler{status: &StatusResponse{Running: true}})

	err := server.Start()
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if !server.running {
		t.Error("Server should be running")
	}

	// Try to start again (should fail)
	err = server.Start()
	if err == nil {
		t.Error("Starting server twice should return error")
	}

	server.Stop()
	if server.running {
		t.Error("Server should not be running after Stop()")
	}

	// Stop again (should not panic)
	server.Stop()
}

func TestServerPingCommand(t *testing.T) {
	server := startTestServer(t, &fakeHandler{status: &StatusResponse{Running: true}})

	conn, err := net.DialTimeout("tcp", server.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	err = encoder.Encode(Request{Command: "ping"})
	if err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	decoder := json.NewDecoder(conn)
	var resp map[string]string
	err = decoder.Decode(&resp)
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", resp["status"])
	}
}

func TestServerStatusCommand(t *testing.T) {
	expectedStatus := &StatusResponse{
		Running:          true,
		PacketsProcessed: 100,
		PacketsNATted:    80,
		PacketsBypassed:  15,
		PacketsDropped:   5,
		ActiveSessions:   10,
		NATIP:            "192.168.1.1",
		InternalNetwork:  "10.0.0.0/24",
		Sessions: []SessionInfo{
			{Protocol: "TCP", Lookup: "10.0.0.5:12345 -> 8.8.8.8:443", Mapped: "192.168.1.1:49152 -> 8.8.8.8:443", ExpiresIn: 86000},
		},
	}

	server := startTestServer(t, &fakeHandler{status: expectedStatus})

	conn, err := net.DialTimeout("tcp", server.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	err = encoder.Encode(Request{Command: "status"})
	if err != nil {
		t.Fatalf("Failed to send status request: %v", err)
	}

	decoder := json.NewDecoder(conn)
	var resp StatusResponse
	err = decoder.Decode(&resp)
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.PacketsProcessed != expectedStatus.PacketsProcessed {
		t.Errorf("PacketsProcessed: expected %d, got %d",
			expectedStatus.PacketsProcessed, resp.PacketsProcessed)
	}
	if resp.NATIP != expectedStatus.NATIP {
		t.Errorf("NATIP: expected %s, got %s", expectedStatus.NATIP, resp.NATIP)
	}
	if len(resp.Sessions) != 1 {
		t.Fatalf("Sessions: expected 1, got %d", len(resp.Sessions))
	}
	if resp.Sessions[0].ExpiresIn != 86000 {
		t.Errorf("Sessions[0].ExpiresIn: expected 86000, got %d", resp.Sessions[0].ExpiresIn)
	}
}

func TestServerResetCommand(t *testing.T) {
	handler := &fakeHandler{status: &StatusResponse{Running: true}}
	server := startTestServer(t, handler)

	client := NewClient(server.Addr())
	if err := client.ResetSessions(); err != nil {
		t.Fatalf("ResetSessions failed: %v", err)
	}

	if handler.resets != 1 {
		t.Errorf("Expected 1 reset, got %d", handler.resets)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	server := startTestServer(t, &fakeHandler{})

	conn, err := net.DialTimeout("tcp", server.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	err = encoder.Encode(Request{Command: "unknown"})
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}

	decoder := json.NewDecoder(conn)
	var resp map[string]string
	err = decoder.Decode(&resp)
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp["error"] != "unknown command" {
		t.Errorf("Expected error 'unknown command', got '%s'", resp["error"])
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient("")
	if client == nil {
		t.Fatal("NewClient returned nil")
	}
	if client.addr != DefaultAddr {
		t.Errorf("Expected addr %s, got %s", DefaultAddr, client.addr)
	}
}

func TestClientPing(t *testing.T) {
	server := startTestServer(t, &fakeHandler{status: &StatusResponse{Running: true}})

	client := NewClient(server.Addr())
	if err := client.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestClientPingNoServer(t *testing.T) {
	client := NewClient("127.0.0.1:1")
	if err := client.Ping(); err == nil {
		t.Error("Ping should fail when no server is running")
	}
}

func TestClientGetStatus(t *testing.T) {
	expectedStatus := &StatusResponse{
		Running:          true,
		PacketsProcessed: 200,
		NATIP:            "10.0.0.1",
	}

	server := startTestServer(t, &fakeHandler{status: expectedStatus})

	client := NewClient(server.Addr())
	status, err := client.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	if status.PacketsProcessed != expectedStatus.PacketsProcessed {
		t.Errorf("PacketsProcessed: expected %d, got %d",
			expectedStatus.PacketsProcessed, status.PacketsProcessed)
	}
	if status.NATIP != expectedStatus.NATIP {
		t.Errorf("NATIP: expected %s, got %s", expectedStatus.NATIP, status.NATIP)
	}
}

func TestClientGetStatusNoServer(t *testing.T) {
	client := NewClient("127.0.0.1:1")
	if _, err := client.GetStatus(); err == nil {
		t.Error("GetStatus should fail when no server is running")
	}
}
