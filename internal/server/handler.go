// Package server is the dashboard side: it ingests evaluation streams from
// notifiers and serves them over a JSON API.
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/metrics"
	"github.com/afroash/aq-notify/internal/models"
)

// Constants for WebSocket timeouts
const (
	writeWait = 10 * time.Second
	pongWait  = 90 * time.Second
)

// Error codes sent back to notifiers
const (
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownType    = "unknown_type"
)

// Handler manages WebSocket connections from notifiers
type Handler struct {
	upgrader       websocket.Upgrader
	authToken      string
	store          EvaluationStore
	writer         Writer
	metrics        *metrics.Server
	logger         zerolog.Logger
	allowedOrigins []string

	active map[string]*StationConnection
	mutex  sync.RWMutex
}

// StationConnection represents an active notifier connection
type StationConnection struct {
	StationID   string          `json:"station_id"`
	Name        string          `json:"name,omitempty"`
	Location    string          `json:"location,omitempty"`
	Version     string          `json:"version,omitempty"`
	RemoteAddr  string          `json:"remote_addr"`
	BufferSize  int             `json:"buffer_size"`
	LastSeen    time.Time       `json:"last_seen"`
	ConnectedAt time.Time       `json:"connected_at"`
	Conn        *websocket.Conn `json:"-"`
}

// NewHandler creates a new WebSocket handler
func NewHandler(authToken string, store EvaluationStore, m *metrics.Server, logger zerolog.Logger, allowedOrigins ...string) *Handler {
	h := &Handler{
		authToken:      authToken,
		store:          store,
		metrics:        m,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		active:         make(map[string]*StationConnection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetWriter enables persistence of ingested records
func (h *Handler) SetWriter(w Writer) {
	h.writer = w
}

// checkOrigin validates the Origin header against the allowlist. Requests
// without an Origin header are not browser requests and are accepted.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}

// ServeHTTP handles WebSocket connection requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.validateToken(r.Header.Get("Authorization")) {
		h.metrics.ObserveMessage("connect", metrics.ResultError)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	h.handleConnection(conn)
}

// validateToken checks a "Bearer <token>" header
func (h *Handler) validateToken(authHeader string) bool {
	if h.authToken == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

func (h *Handler) handleConnection(conn *websocket.Conn) {
	connKey := conn.RemoteAddr().String()
	now := time.Now()

	h.mutex.Lock()
	h.active[connKey] = &StationConnection{
		StationID:   connKey,
		RemoteAddr:  connKey,
		Conn:        conn,
		LastSeen:    now,
		ConnectedAt: now,
	}
	h.mutex.Unlock()
	h.metrics.ConnectionOpened()

	defer conn.Close()
	defer h.removeStation(connKey)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.touch(connKey)
		h.handleMessage(conn, connKey, &msg)
	}
}

// handleMessage dispatches one message and answers with an ack or an error
func (h *Handler) handleMessage(conn *websocket.Conn, connKey string, msg *models.Message) {
	h.logger.Debug().Str("type", string(msg.Type)).Msg("Received message")

	var errMsg *models.ErrorMessage
	switch msg.Type {
	case models.MessageTypeHello:
		errMsg = h.handleHello(connKey, msg)
	case models.MessageTypeEvaluation:
		errMsg = h.handleEvaluation(msg)
	case models.MessageTypeNotification:
		errMsg = h.handleNotification(msg)
	case models.MessageTypeHeartbeat:
		errMsg = h.handleHeartbeat(connKey, msg)
	default:
		h.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
		errMsg = &models.ErrorMessage{Code: CodeUnknownType, Message: "unknown message type " + string(msg.Type)}
	}

	if errMsg != nil {
		h.metrics.ObserveMessage(string(msg.Type), metrics.ResultError)
		h.reply(conn, models.MessageTypeError, errMsg)
		return
	}
	h.metrics.ObserveMessage(string(msg.Type), metrics.ResultSuccess)
	h.reply(conn, models.MessageTypeAck, models.AckMessage{Status: "ok"})
}

func (h *Handler) handleHello(connKey string, msg *models.Message) *models.ErrorMessage {
	var info models.StationInfo
	if err := msg.UnmarshalPayload(&info); err != nil || info.ID == "" {
		return &models.ErrorMessage{Code: CodeInvalidPayload, Message: "hello requires a station id"}
	}

	h.mutex.Lock()
	if sc, ok := h.active[connKey]; ok {
		sc.StationID = info.ID
		sc.Name = info.Name
		sc.Location = info.Location
		sc.Version = info.Version
	}
	h.mutex.Unlock()

	h.logger.Info().
		Str("station_id", info.ID).
		Str("name", info.Name).
		Str("version", info.Version).
		Msg("Notifier connected")
	return nil
}

func (h *Handler) handleEvaluation(msg *models.Message) *models.ErrorMessage {
	var eval models.Evaluation
	if err := msg.UnmarshalPayload(&eval); err != nil {
		h.logger.Error().Err(err).Msg("Failed to unmarshal evaluation")
		return &models.ErrorMessage{Code: CodeInvalidPayload, Message: err.Error()}
	}
	if !eval.IsValid() {
		h.logger.Warn().
			Str("station_id", eval.StationID).
			Int("aqi", eval.AQI).
			Msg("Evaluation ignored: invalid")
		return &models.ErrorMessage{Code: CodeInvalidPayload, Message: "invalid evaluation"}
	}

	h.store.Add(&eval)
	if h.writer != nil && !h.writer.WriteEvaluation(&eval) {
		h.logger.Warn().Str("station_id", eval.StationID).Msg("Evaluation not persisted: writer queue full")
	}
	h.logger.Debug().
		Str("station_id", eval.StationID).
		Int("aqi", eval.AQI).
		Str("outcome", eval.Outcome).
		Msg("Evaluation stored")
	return nil
}

func (h *Handler) handleNotification(msg *models.Message) *models.ErrorMessage {
	var n models.Notification
	if err := msg.UnmarshalPayload(&n); err != nil {
		h.logger.Error().Err(err).Msg("Failed to unmarshal notification")
		return &models.ErrorMessage{Code: CodeInvalidPayload, Message: err.Error()}
	}
	if !n.IsValid() {
		return &models.ErrorMessage{Code: CodeInvalidPayload, Message: "invalid notification"}
	}

	h.store.AddNotification(&n)
	if h.writer != nil && !h.writer.WriteNotification(&n) {
		h.logger.Warn().Str("id", n.ID).Msg("Notification not persisted: writer queue full")
	}
	h.logger.Info().
		Str("station_id", n.StationID).
		Str("channel", n.Channel).
		Bool("success", n.Success).
		Msg("Notification recorded")
	return nil
}

func (h *Handler) handleHeartbeat(connKey string, msg *models.Message) *models.ErrorMessage {
	var heartbeat models.HeartbeatMessage
	if err := msg.UnmarshalPayload(&heartbeat); err != nil {
		return &models.ErrorMessage{Code: CodeInvalidPayload, Message: err.Error()}
	}

	h.mutex.Lock()
	if sc, ok := h.active[connKey]; ok {
		if heartbeat.StationID != "" {
			sc.StationID = heartbeat.StationID
		}
		sc.BufferSize = heartbeat.BufferSize
	}
	h.mutex.Unlock()

	h.logger.Debug().
		Str("station_id", heartbeat.StationID).
		Int64("uptime", heartbeat.Uptime).
		Int("buffered", heartbeat.BufferSize).
		Msg("Heartbeat received")
	return nil
}

func (h *Handler) reply(conn *websocket.Conn, msgType models.MessageType, payload interface{}) {
	msg, err := models.NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create reply")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", string(msgType)).Msg("Failed to send reply")
	}
}

func (h *Handler) touch(connKey string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if sc, ok := h.active[connKey]; ok {
		sc.LastSeen = time.Now()
	}
}

func (h *Handler) removeStation(connKey string) {
	h.mutex.Lock()
	stationID := connKey
	if sc, ok := h.active[connKey]; ok {
		stationID = sc.StationID
	}
	delete(h.active, connKey)
	h.mutex.Unlock()

	h.metrics.ConnectionClosed()
	h.logger.Info().Str("station_id", stationID).Msg("Notifier disconnected")
}

// ActiveStations returns the currently connected notifiers
func (h *Handler) ActiveStations() []StationConnection {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	out := make([]StationConnection, 0, len(h.active))
	for _, sc := range h.active {
		out = append(out, *sc)
	}
	return out
}
