package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/relvacode/iso8601"
	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/metrics"
	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/storage"
)

const (
	defaultHistoryLimit      = 50
	maxHistoryLimit          = 1000
	defaultNotificationLimit = 50
	defaultDailyDays         = 7
)

var errStartAfterEnd = errors.New("start must be before end")

func errBadParam(name string, err error) error {
	return fmt.Errorf("invalid %s: %w", name, err)
}

// APIHandler handles HTTP API requests for the dashboard
type APIHandler struct {
	store   EvaluationStore
	history HistoricalStore
	stream  *Handler
	metrics *metrics.Server
	logger  zerolog.Logger
	version string
	now     func() time.Time
}

// NewAPIHandler creates an API handler. history may be nil, in which case
// only the in-memory view is served.
func NewAPIHandler(store EvaluationStore, history HistoricalStore, stream *Handler, m *metrics.Server, version string, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		store:   store,
		history: history,
		stream:  stream,
		metrics: m,
		logger:  logger,
		version: version,
		now:     time.Now,
	}
}

// Router builds the dashboard routes
func (api *APIHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(api.timing)

	r.HandleFunc("/health", api.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", api.metrics.Handler()).Methods(http.MethodGet)
	if api.stream != nil {
		r.Handle("/stream", api.stream)
	}

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/current", api.HandleCurrent).Methods(http.MethodGet)
	apiRouter.HandleFunc("/history", api.HandleHistory).Methods(http.MethodGet)
	apiRouter.HandleFunc("/stats", api.HandleStats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/daily/stats", api.HandleDailyStats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/notifications", api.HandleNotifications).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sensors", api.HandleSensors).Methods(http.MethodGet)
	return r
}

// WithMiddleware adds request logging, panic recovery and CORS for the
// allowed origins
func WithMiddleware(h http.Handler, accessLog io.Writer, allowedOrigins []string) http.Handler {
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	if len(allowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(allowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		)(h)
	}
	return handlers.LoggingHandler(accessLog, h)
}

func (api *APIHandler) timing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if route != "/stream" {
			api.metrics.ObserveHTTP(route, time.Since(start).Seconds())
		}
	})
}

// HandleHealth reports liveness
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": api.version,
	})
}

// resolveStation returns the requested station or the first known one
func (api *APIHandler) resolveStation(r *http.Request) string {
	if id := r.URL.Query().Get("station_id"); id != "" {
		return id
	}
	if ids := api.stationIDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// HandleCurrent returns the latest evaluation for a station
func (api *APIHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	stationID := api.resolveStation(r)
	if stationID == "" {
		writeError(w, http.StatusNotFound, "no stations found")
		return
	}

	eval := api.store.GetCurrent(stationID)
	if eval == nil && api.history != nil {
		var err error
		eval, err = api.history.GetLatestEvaluation(stationID)
		if err != nil {
			api.logger.Error().Err(err).Str("station_id", stationID).Msg("Failed to load latest evaluation")
			writeError(w, http.StatusInternalServerError, "failed to load evaluation")
			return
		}
	}
	if eval == nil {
		writeError(w, http.StatusNotFound, "no evaluations available")
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// HandleHistory returns evaluations for charting. Without a time range it
// serves the in-memory view; start/end or before query the database.
func (api *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stationID := api.resolveStation(r)
	limit := parseLimit(q.Get("limit"), defaultHistoryLimit)
	if stationID == "" {
		writeJSON(w, http.StatusOK, []*models.Evaluation{})
		return
	}

	start, end, before := q.Get("start"), q.Get("end"), q.Get("before")
	if start == "" && end == "" && before == "" {
		evals := api.store.GetLatest(stationID, limit)
		if evals == nil {
			evals = []*models.Evaluation{}
		}
		writeJSON(w, http.StatusOK, evals)
		return
	}
	if api.history == nil {
		writeError(w, http.StatusNotImplemented, "history is not enabled")
		return
	}

	var (
		evals []*models.Evaluation
		err   error
	)
	if before != "" {
		ts, perr := iso8601.ParseString(before)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid before: "+perr.Error())
			return
		}
		evals, err = api.history.GetEvaluationsBefore(stationID, ts, limit)
	} else {
		from, to, perr := api.parseRange(start, end, 24*time.Hour)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		evals, err = api.history.GetEvaluationsInRange(stationID, from, to, limit)
	}
	if err != nil {
		api.logger.Error().Err(err).Str("station_id", stationID).Msg("Failed to query history")
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if evals == nil {
		evals = []*models.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evals)
}

// StatsResponse combines memory and database statistics
type StatsResponse struct {
	Memory  StoreStats            `json:"memory"`
	Storage *storage.StorageStats `json:"storage,omitempty"`
	Active  int                   `json:"active_connections"`
}

// HandleStats returns store statistics
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Memory: api.store.Stats()}
	if api.stream != nil {
		resp.Active = len(api.stream.ActiveStations())
	}
	if api.history != nil {
		stats, err := api.history.GetStorageStats()
		if err != nil {
			api.logger.Error().Err(err).Msg("Failed to load storage stats")
			writeError(w, http.StatusInternalServerError, "failed to load storage stats")
			return
		}
		resp.Storage = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDailyStats returns per-day aggregates, default the last seven days
func (api *APIHandler) HandleDailyStats(w http.ResponseWriter, r *http.Request) {
	if api.history == nil {
		writeError(w, http.StatusNotImplemented, "history is not enabled")
		return
	}
	q := r.URL.Query()
	stationID := api.resolveStation(r)
	if stationID == "" {
		writeJSON(w, http.StatusOK, []storage.DailyStat{})
		return
	}

	days := parseLimit(q.Get("days"), defaultDailyDays)
	from, to, err := api.parseRange(q.Get("start"), q.Get("end"), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := api.history.GetDailyStats(stationID, from, to)
	if err != nil {
		api.logger.Error().Err(err).Str("station_id", stationID).Msg("Failed to load daily stats")
		writeError(w, http.StatusInternalServerError, "failed to load daily stats")
		return
	}
	if stats == nil {
		stats = []storage.DailyStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleNotifications returns recent notification records
func (api *APIHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stationID := q.Get("station_id")
	limit := parseLimit(q.Get("limit"), defaultNotificationLimit)

	if api.history == nil {
		writeJSON(w, http.StatusOK, api.store.GetNotifications(stationID, limit))
		return
	}

	since := time.Time{}
	if s := q.Get("since"); s != "" {
		ts, err := iso8601.ParseString(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = ts
	}
	records, err := api.history.GetNotifications(stationID, since, limit)
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to load notifications")
		writeError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	if records == nil {
		records = []*models.Notification{}
	}
	writeJSON(w, http.StatusOK, records)
}

// SensorsResponse lists known stations and live connections
type SensorsResponse struct {
	StationIDs []string            `json:"station_ids"`
	Connected  []StationConnection `json:"connected"`
}

// HandleSensors returns every known station ID and the connected notifiers
func (api *APIHandler) HandleSensors(w http.ResponseWriter, r *http.Request) {
	resp := SensorsResponse{
		StationIDs: api.stationIDs(),
		Connected:  []StationConnection{},
	}
	if api.stream != nil {
		resp.Connected = api.stream.ActiveStations()
		sort.Slice(resp.Connected, func(i, j int) bool {
			return resp.Connected[i].StationID < resp.Connected[j].StationID
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// stationIDs merges the memory and database station lists
func (api *APIHandler) stationIDs() []string {
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, id := range api.store.GetStationIDs() {
		seen[id] = true
		ids = append(ids, id)
	}
	if api.history != nil {
		stored, err := api.history.GetStationIDs()
		if err != nil {
			api.logger.Warn().Err(err).Msg("Failed to list stored stations")
		}
		for _, id := range stored {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// parseRange parses ISO-8601 start/end. A missing end is now and a missing
// start is end minus fallback.
func (api *APIHandler) parseRange(start, end string, fallback time.Duration) (time.Time, time.Time, error) {
	to := api.now().UTC()
	if end != "" {
		ts, err := iso8601.ParseString(end)
		if err != nil {
			return time.Time{}, time.Time{}, errBadParam("end", err)
		}
		to = ts
	}
	from := to.Add(-fallback)
	if start != "" {
		ts, err := iso8601.ParseString(start)
		if err != nil {
			return time.Time{}, time.Time{}, errBadParam("start", err)
		}
		from = ts
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errBadParam("start", errStartAfterEnd)
	}
	return from, to, nil
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
