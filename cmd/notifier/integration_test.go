//go:build integration
// +build integration

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/client"
	"github.com/afroash/aq-notify/internal/cooldown"
	"github.com/afroash/aq-notify/internal/gate"
	"github.com/afroash/aq-notify/internal/metrics"
	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/monitor"
	"github.com/afroash/aq-notify/internal/notify"
	"github.com/afroash/aq-notify/internal/retry"
	"github.com/afroash/aq-notify/internal/schedule"
	"github.com/afroash/aq-notify/internal/sensor"
	"github.com/afroash/aq-notify/internal/server"
)

const purpleAirRegion = `{
	"fields": ["sensor_index", "name", "pm2.5_atm_a", "pm2.5_atm_b", "pm2.5_cf_1_a", "pm2.5_cf_1_b"],
	"data": [
		[1, "north", 20.0, 20.4, 21.0, 21.2],
		[2, "south", 22.0, 22.2, 23.0, 23.1]
	]
}`

// TestFullSystem polls a fake PurpleAir API and streams the evaluation to a
// dashboard server.
// Run with: go test -tags=integration -v ./cmd/notifier/
func TestFullSystem(t *testing.T) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	purpleAir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/sensors/") {
			w.Write([]byte(`{"sensor": {"sensor_index": 9338, "name": "Temescal Valley", "last_seen": 1705338000,
				"humidity": 40, "pm2.5_atm_a": 12.1, "pm2.5_atm_b": 12.5, "pm2.5_cf_1_a": 13.0, "pm2.5_cf_1_b": 13.2}}`))
			return
		}
		w.Write([]byte(purpleAirRegion))
	}))
	defer purpleAir.Close()

	store := server.NewMemoryStore(100)
	serverMetrics := metrics.NewServer()
	stream := server.NewHandler("integration-token", store, serverMetrics, logger)
	api := server.NewAPIHandler(store, nil, stream, serverMetrics, version, logger)
	dashboard := httptest.NewServer(api.Router())
	defer dashboard.Close()

	now := time.Date(2024, 1, 15, 17, 0, 0, 0, time.UTC)
	sched, err := schedule.NewEvaluator(schedule.Config{
		MaxWeekday: 4,
		Polling:    schedule.Window{Start: schedule.NewTimeOfDay(13, 0, 0), End: schedule.NewTimeOfDay(1, 0, 0)},
		PreOpen:    schedule.Window{Start: schedule.NewTimeOfDay(14, 0, 0), End: schedule.NewTimeOfDay(16, 0, 0)},
		Open:       schedule.Window{Start: schedule.NewTimeOfDay(16, 0, 0), End: schedule.NewTimeOfDay(23, 0, 0)},
	})
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	fileStore, err := cooldown.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	cooldowns := cooldown.Load(fileStore, now, logger)
	engine, err := gate.New(gate.Config{
		PollInterval:         10 * time.Minute,
		StorageDuration:      150 * time.Minute,
		NotificationInterval: 8 * time.Hour,
		Thresholds:           gate.Thresholds{PreOpenRegional: 100, OpenIndex: 100, OpenRegional: 150},
	}, sched, cooldowns, logger)
	if err != nil {
		t.Fatalf("gate.New failed: %v", err)
	}

	policy := retry.Policy{MaxAttempts: 2, Logger: logger}
	reader := sensor.NewReader(sensor.NewClient(sensor.ClientOptions{
		BaseURL: purpleAir.URL,
		APIKey:  "read-key",
		Timeout: 5 * time.Second,
	}, logger), 9338, sensor.BBox{NWLng: -117.6, NWLat: 33.9, SELng: -117.3, SELat: 33.7}, policy, logger)

	conn := client.NewConnection(client.ConnectionConfig{
		URL:        "ws" + strings.TrimPrefix(dashboard.URL, "http") + "/stream",
		AuthToken:  "integration-token",
		BufferSize: 100,
	}, models.NewStationInfo("9338", "Temescal Valley", "Corona, CA", version), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go conn.Run(ctx)
	defer conn.Close()

	dry := notify.NewDryRun(logger)
	mon, err := monitor.New(monitor.Deps{
		Reader:     reader,
		Engine:     engine,
		Cooldowns:  cooldowns,
		Texter:     dry,
		Mailer:     dry,
		Recipients: notify.NewRecipients(notify.RecipientLists{Text: []string{"+15550001"}}, logger),
		Publisher:  conn,
	}, monitor.Options{DryRun: true, SendPolicy: policy}, logger)
	if err != nil {
		t.Fatalf("monitor.New failed: %v", err)
	}

	if err := mon.Cycle(ctx, now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	var current *models.Evaluation
	for current == nil && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
		current = store.GetCurrent("9338")
	}
	if current == nil {
		t.Fatal("evaluation never reached the dashboard")
	}
	if current.AQI != 51 {
		t.Errorf("AQI = %d, want 51", current.AQI)
	}
	if current.RegionalCount != 2 {
		t.Errorf("RegionalCount = %d, want 2", current.RegionalCount)
	}
	if current.Outcome != "SUPPRESSED" {
		t.Errorf("Outcome = %q, want SUPPRESSED", current.Outcome)
	}

	t.Logf("System test passed: %+v", current)
}
