package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/models"
)

// MockWebSocketServer records every message it receives and acks each one
type MockWebSocketServer struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	connections []*websocket.Conn
	received    []models.Message
	accepted    int

	shouldAccept bool
	sendAcks     bool
	closeAfterN  int // close each connection after N messages
}

func NewMockWebSocketServer() *MockWebSocketServer {
	mock := &MockWebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shouldAccept: true,
		sendAcks:     true,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

func (m *MockWebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	accept := m.shouldAccept
	m.mu.Unlock()
	if !accept {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if r.Header.Get("Authorization") != "Bearer test-token-123" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	m.connections = append(m.connections, conn)
	m.accepted++
	m.mu.Unlock()

	count := 0
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		count++

		m.mu.Lock()
		m.received = append(m.received, msg)
		m.mu.Unlock()

		if m.sendAcks {
			ack, _ := models.NewMessage(models.MessageTypeAck, models.AckMessage{Status: "ok"})
			conn.WriteJSON(ack)
		}
		if m.closeAfterN > 0 && count >= m.closeAfterN {
			return
		}
	}
}

func (m *MockWebSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *MockWebSocketServer) Close() {
	m.mu.Lock()
	for _, conn := range m.connections {
		conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func (m *MockWebSocketServer) ReceivedMessages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Message, len(m.received))
	copy(out, m.received)
	return out
}

func (m *MockWebSocketServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *MockWebSocketServer) countType(msgType models.MessageType) int {
	n := 0
	for _, msg := range m.ReceivedMessages() {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

func createTestConnection(serverURL string) *Connection {
	config := ConnectionConfig{
		URL:                  serverURL,
		AuthToken:            "test-token-123",
		ConnectTimeout:       time.Second,
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectInterval: 200 * time.Millisecond,
		PingInterval:         100 * time.Millisecond,
		PongTimeout:          time.Second,
		BufferSize:           16,
	}
	info := models.NewStationInfo("9338", "Temescal Valley", "Corona, CA", "v1.0.0")
	return NewConnection(config, info, zerolog.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestNewConnection(t *testing.T) {
	conn := createTestConnection("ws://localhost:1/ws")

	if conn.State() != StateDisconnected {
		t.Errorf("Initial state = %v, want %v", conn.State(), StateDisconnected)
	}
	if conn.IsConnected() {
		t.Error("IsConnected should be false initially")
	}
	if conn.Buffer().Capacity() != 16 {
		t.Errorf("buffer capacity = %d, want 16", conn.Buffer().Capacity())
	}
}

func TestConnection_Connect_SendsHello(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateConnected {
		t.Errorf("State = %v, want %v", conn.State(), StateConnected)
	}

	if !waitFor(t, time.Second, func() bool { return len(server.ReceivedMessages()) > 0 }) {
		t.Fatal("server received nothing")
	}
	first := server.ReceivedMessages()[0]
	if first.Type != models.MessageTypeHello {
		t.Fatalf("first message type = %v, want hello", first.Type)
	}
	var info models.StationInfo
	if err := first.UnmarshalPayload(&info); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if info.ID != "9338" {
		t.Errorf("hello station ID = %q, want 9338", info.ID)
	}
}

func TestConnection_Connect_ServerRefuses(t *testing.T) {
	server := NewMockWebSocketServer()
	server.shouldAccept = false
	defer server.Close()

	conn := createTestConnection(server.URL())
	if err := conn.Connect(context.Background()); err == nil {
		t.Error("Connect should fail when server refuses")
	}
	if conn.IsConnected() {
		t.Error("Should not be connected after failed Connect()")
	}
}

func TestConnection_Connect_BadToken(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL())
	conn.AuthToken = "wrong"
	if err := conn.Connect(context.Background()); err == nil {
		t.Error("Connect should fail with a bad token")
	}
}

func TestConnection_Send_WhenDisconnected(t *testing.T) {
	conn := createTestConnection("ws://localhost:1/ws")
	msg, _ := models.NewMessage(models.MessageTypeEvaluation, models.Evaluation{})

	if err := conn.Send(msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
}

func TestConnection_FlushWhenDisconnectedKeepsMessages(t *testing.T) {
	conn := createTestConnection("ws://localhost:1/ws")
	for i := 0; i < 3; i++ {
		if err := conn.PublishEvaluation(models.Evaluation{StationID: "9338", AQI: i}); err != nil {
			t.Fatalf("PublishEvaluation failed: %v", err)
		}
	}

	if err := conn.Flush(); err == nil {
		t.Error("Flush should fail while disconnected")
	}
	if conn.Buffer().Size() != 3 {
		t.Errorf("buffer size = %d, want 3", conn.Buffer().Size())
	}
}

func TestConnection_Run_DeliversBufferedMessages(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL())
	conn.PublishEvaluation(models.Evaluation{StationID: "9338", AQI: 57, Outcome: "SUPPRESSED"})
	conn.PublishNotification(models.Notification{ID: "n-1", StationID: "9338", Channel: "adhoc_text", Success: true})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	ok := waitFor(t, 2*time.Second, func() bool {
		return server.countType(models.MessageTypeEvaluation) == 1 &&
			server.countType(models.MessageTypeNotification) == 1
	})
	if !ok {
		t.Fatalf("server messages = %+v", server.ReceivedMessages())
	}

	// published while connected
	conn.PublishEvaluation(models.Evaluation{StationID: "9338", AQI: 60})
	if !waitFor(t, 2*time.Second, func() bool { return server.countType(models.MessageTypeEvaluation) == 2 }) {
		t.Error("live evaluation not delivered")
	}

	conn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after Close, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestConnection_Heartbeat(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	if !waitFor(t, 2*time.Second, func() bool { return server.countType(models.MessageTypeHeartbeat) >= 2 }) {
		t.Errorf("heartbeats = %d, want at least 2", server.countType(models.MessageTypeHeartbeat))
	}
	if !conn.IsConnected() {
		t.Error("acked heartbeats should keep the connection up")
	}
	conn.Close()
}

func TestConnection_Reconnect_AfterServerClose(t *testing.T) {
	server := NewMockWebSocketServer()
	server.closeAfterN = 1
	defer server.Close()

	conn := createTestConnection(server.URL())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go conn.Run(ctx)

	if !waitFor(t, 2*time.Second, func() bool { return server.Accepted() >= 2 }) {
		t.Errorf("accepted connections = %d, want at least 2", server.Accepted())
	}
	conn.Close()
}

func TestConnection_ExponentialBackoff(t *testing.T) {
	conn := createTestConnection("ws://localhost:1/ws")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond} {
		conn.waitBeforeReconnect(ctx)
		if conn.currentReconnectInterval != want {
			t.Errorf("currentReconnectInterval = %v, want %v", conn.currentReconnectInterval, want)
		}
	}
}

func TestConnection_CloseGracefully(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if conn.IsConnected() {
		t.Error("Should not be connected after Close()")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{ConnectionState(9), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}
