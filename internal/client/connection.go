// Package client streams evaluations and notification records from the
// notifier to the dashboard server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/models"
)

// ErrNotConnected is returned by direct sends while the socket is down
var ErrNotConnected = errors.New("not connected")

const (
	writeWait     = 10 * time.Second
	flushBatch    = 50
	flushInterval = 5 * time.Second
)

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection manages the WebSocket connection to the dashboard server.
// Published messages are queued in a bounded buffer and flushed whenever
// the socket is up.
type Connection struct {
	URL       string
	AuthToken string

	conn       *websocket.Conn
	state      ConnectionState
	stateMutex sync.RWMutex
	writeMutex sync.Mutex

	logger      zerolog.Logger
	stationInfo *models.StationInfo
	buffer      *MessageBuffer
	pending     chan struct{}

	connectTimeout           time.Duration
	reconnectInterval        time.Duration
	maxReconnectInterval     time.Duration
	currentReconnectInterval time.Duration
	pingInterval             time.Duration
	pongTimeout              time.Duration

	lastPong      time.Time
	lastPongMutex sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
}

// ConnectionConfig holds configuration for the connection
type ConnectionConfig struct {
	URL                  string
	AuthToken            string
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	BufferSize           int
}

// NewConnection creates a new connection manager
func NewConnection(config ConnectionConfig, stationInfo *models.StationInfo, logger zerolog.Logger) *Connection {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = time.Second
	}
	if config.MaxReconnectInterval < config.ReconnectInterval {
		config.MaxReconnectInterval = config.ReconnectInterval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 10 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}

	return &Connection{
		URL:                      config.URL,
		AuthToken:                config.AuthToken,
		state:                    StateDisconnected,
		logger:                   logger,
		stationInfo:              stationInfo,
		buffer:                   NewMessageBuffer(config.BufferSize, true),
		pending:                  make(chan struct{}, 1),
		connectTimeout:           config.ConnectTimeout,
		reconnectInterval:        config.ReconnectInterval,
		maxReconnectInterval:     config.MaxReconnectInterval,
		currentReconnectInterval: config.ReconnectInterval,
		pingInterval:             config.PingInterval,
		pongTimeout:              config.PongTimeout,
		stopChan:                 make(chan struct{}),
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMutex.Lock()
	c.state = state
	c.stateMutex.Unlock()
	c.logger.Info().Str("state", state.String()).Msg("Connection state updated")
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Buffer exposes the outbound queue
func (c *Connection) Buffer() *MessageBuffer {
	return c.buffer
}

// Connect dials the server and announces the station
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Info().Str("url", c.URL).Msg("Connecting to server...")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.connectTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.AuthToken)

	conn, resp, err := dialer.DialContext(ctx, c.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.stateMutex.Lock()
	c.conn = conn
	c.stateMutex.Unlock()
	c.setState(StateConnected)
	c.currentReconnectInterval = c.reconnectInterval
	c.updateLastPong()
	c.logger.Info().Msg("Connected to server")

	if err := c.sendHello(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send hello")
		c.disconnect()
		return err
	}
	return nil
}

func (c *Connection) sendHello() error {
	msg, err := models.NewMessage(models.MessageTypeHello, c.stationInfo)
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Run keeps the connection up until ctx is cancelled or Close is called
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return nil
		default:
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Connection failed")
			c.waitBeforeReconnect(ctx)
			continue
		}

		c.runMessageLoops(ctx)

		c.logger.Info().Msg("Connection lost, will reconnect")
		c.waitBeforeReconnect(ctx)
	}
}

// waitBeforeReconnect waits with exponential backoff
func (c *Connection) waitBeforeReconnect(ctx context.Context) {
	c.logger.Info().Dur("delay", c.currentReconnectInterval).Msg("Waiting before reconnect")
	timer := time.NewTimer(c.currentReconnectInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	case <-c.stopChan:
		return
	}
	c.currentReconnectInterval *= 2
	if c.currentReconnectInterval > c.maxReconnectInterval {
		c.currentReconnectInterval = c.maxReconnectInterval
	}
}

// runMessageLoops runs the read, heartbeat and flush loops until any of
// them stops
func (c *Connection) runMessageLoops(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loops := []func(context.Context){c.readLoop, c.heartbeatLoop, c.flushLoop}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			defer cancel()
			run(ctx)
		}(loop)
	}

	select {
	case <-ctx.Done():
	case <-c.stopChan:
		cancel()
	}
	// unblocks the reader
	c.disconnect()
	wg.Wait()
}

func (c *Connection) disconnect() {
	c.stateMutex.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	c.stateMutex.Unlock()
	if wasConnected {
		c.logger.Info().Msg("Connection disconnected")
	}
}

// PublishEvaluation queues an evaluation for the server
func (c *Connection) PublishEvaluation(eval models.Evaluation) error {
	return c.publish(models.MessageTypeEvaluation, eval)
}

// PublishNotification queues a notification record for the server
func (c *Connection) PublishNotification(n models.Notification) error {
	return c.publish(models.MessageTypeNotification, n)
}

func (c *Connection) publish(msgType models.MessageType, payload interface{}) error {
	msg, err := models.NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	c.buffer.Push(msg)
	select {
	case c.pending <- struct{}{}:
	default:
	}
	return nil
}

// Send writes a message immediately, bypassing the buffer
func (c *Connection) Send(msg *models.Message) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.sendMessage(msg)
}

func (c *Connection) sendMessage(msg *models.Message) error {
	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// Flush sends everything currently buffered. On a write error the unsent
// messages go back to the head of the buffer.
func (c *Connection) Flush() error {
	for {
		batch := c.buffer.PopBatch(flushBatch)
		if len(batch) == 0 {
			return nil
		}
		for i, msg := range batch {
			if err := c.Send(msg); err != nil {
				c.buffer.PushFront(batch[i:])
				return err
			}
		}
		c.logger.Debug().Int("count", len(batch)).Msg("Flushed buffered messages")
	}
}

func (c *Connection) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		if err := c.Flush(); err != nil {
			c.logger.Warn().Err(err).Int("buffered", c.buffer.Size()).Msg("Flush failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.pending:
		case <-ticker.C:
		}
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting read loop")
	defer c.logger.Debug().Msg("Read loop stopped")

	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Connection) handleMessage(msg *models.Message) {
	switch msg.Type {
	case models.MessageTypeAck:
		c.updateLastPong()
	case models.MessageTypeError:
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err == nil {
			c.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Server error")
		}
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
}

func (c *Connection) updateLastPong() {
	c.lastPongMutex.Lock()
	defer c.lastPongMutex.Unlock()
	c.lastPong = time.Now()
}

func (c *Connection) timeSinceLastPong() time.Duration {
	c.lastPongMutex.RLock()
	defer c.lastPongMutex.RUnlock()
	return time.Since(c.lastPong)
}

// heartbeatLoop sends periodic heartbeats and gives up when the server
// stops acknowledging
func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.timeSinceLastPong() > c.pingInterval+c.pongTimeout {
				c.logger.Warn().Msg("No ack received, connection appears dead")
				return
			}
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
				return
			}
		}
	}
}

func (c *Connection) sendHeartbeat() error {
	heartbeat := models.HeartbeatMessage{
		StationID:  c.stationInfo.ID,
		Uptime:     int64(c.stationInfo.Uptime().Seconds()),
		BufferSize: c.buffer.Size(),
	}
	msg, err := models.NewMessage(models.MessageTypeHeartbeat, heartbeat)
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Close stops Run and closes the socket with a normal closure
func (c *Connection) Close() error {
	c.logger.Info().Msg("Closing connection")
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn != nil {
		c.writeMutex.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMutex.Unlock()
	}
	c.disconnect()
	return nil
}
