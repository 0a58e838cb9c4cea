package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	result  Pruned
	err     error
}

func (f *fakePruner) Prune(cutoff time.Time) (Pruned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.result, f.err
}

func (f *fakePruner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func (f *fakePruner) firstCutoff() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cutoffs[0]
}

func waitForPasses(t *testing.T, p *fakePruner, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.callCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d passes ran, want %d", p.callCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetentionCleaner_PrunesSQLite(t *testing.T) {
	store := setupTestDB(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		store.InsertEvaluation(createTestEvaluation("9338", 50, now.AddDate(0, 0, -35).Add(-time.Duration(i)*time.Hour)))
		store.InsertEvaluation(createTestEvaluation("9338", 60, now.Add(-time.Duration(i)*time.Hour)))
	}
	store.InsertNotification(createTestNotification("stale", "9338", now.AddDate(0, 0, -31), true))

	var hooked []Pruned
	var hookMu sync.Mutex
	cleaner := NewRetentionCleaner(store, RetentionCleanerConfig{
		RetentionDays: 30,
		CleanupPeriod: time.Hour,
		Now:           func() time.Time { return now },
		OnPrune: func(p Pruned) {
			hookMu.Lock()
			hooked = append(hooked, p)
			hookMu.Unlock()
		},
	}, zerolog.Nop())
	cleaner.Stop()

	if got := totalEvaluations(t, store); got != 10 {
		t.Errorf("TotalEvaluations after pass = %d, want 10", got)
	}
	stats := cleaner.Stats()
	if stats.Evaluations != 10 || stats.Notifications != 1 {
		t.Errorf("stats = %+v, want 10 evaluations and 1 notification pruned", stats)
	}
	if want := now.AddDate(0, 0, -30); !stats.LastCutoff.Equal(want) {
		t.Errorf("LastCutoff = %v, want %v", stats.LastCutoff, want)
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if len(hooked) != 1 || hooked[0].Total() != 11 {
		t.Errorf("OnPrune calls = %+v, want one call with 11 rows", hooked)
	}
}

func TestRetentionCleaner_PeriodicPasses(t *testing.T) {
	pruner := &fakePruner{result: Pruned{Evaluations: 2, Notifications: 1}}
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cleaner := NewRetentionCleaner(pruner, RetentionCleanerConfig{
		RetentionDays: 7,
		CleanupPeriod: 20 * time.Millisecond,
		Now:           func() time.Time { return now },
	}, zerolog.Nop())

	waitForPasses(t, pruner, 3)
	cleaner.Stop()

	stats := cleaner.Stats()
	if stats.Passes < 3 {
		t.Errorf("Passes = %d, want >= 3", stats.Passes)
	}
	if stats.Evaluations != 2*stats.Passes || stats.Notifications != stats.Passes {
		t.Errorf("stats = %+v, want totals proportional to passes", stats)
	}
	if got, want := pruner.firstCutoff(), now.AddDate(0, 0, -7); !got.Equal(want) {
		t.Errorf("cutoff = %v, want %v", got, want)
	}
}

func TestRetentionCleaner_FailureCounted(t *testing.T) {
	pruner := &fakePruner{result: Pruned{Evaluations: 5}, err: errors.New("disk I/O error")}
	called := false
	cleaner := NewRetentionCleaner(pruner, RetentionCleanerConfig{
		RetentionDays: 30,
		CleanupPeriod: time.Hour,
		OnPrune:       func(Pruned) { called = true },
	}, zerolog.Nop())
	cleaner.Stop()

	stats := cleaner.Stats()
	if stats.Failures != 1 || stats.Passes != 1 {
		t.Errorf("passes/failures = %d/%d, want 1/1", stats.Passes, stats.Failures)
	}
	if stats.Evaluations != 0 {
		t.Errorf("Evaluations = %d, want 0 on error", stats.Evaluations)
	}
	if called {
		t.Error("OnPrune called for a failed pass")
	}
}

func TestRetentionCleaner_Defaults(t *testing.T) {
	cleaner := NewRetentionCleaner(&fakePruner{}, RetentionCleanerConfig{}, zerolog.Nop())
	defer cleaner.Stop()

	if cleaner.cfg.CleanupPeriod != 24*time.Hour {
		t.Errorf("CleanupPeriod = %v, want 24h", cleaner.cfg.CleanupPeriod)
	}
	if cleaner.Stats().RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cleaner.Stats().RetentionDays)
	}
}

func TestRetentionCleaner_Stop(t *testing.T) {
	pruner := &fakePruner{}
	cleaner := NewRetentionCleaner(pruner, RetentionCleanerConfig{RetentionDays: 30, CleanupPeriod: 10 * time.Millisecond}, zerolog.Nop())
	waitForPasses(t, pruner, 2)

	done := make(chan struct{})
	go func() {
		cleaner.Stop()
		cleaner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() timed out")
	}
}
