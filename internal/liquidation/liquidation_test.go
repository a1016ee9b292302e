package liquidation

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/marketmaker/internal/config"
)

func testConfig() config.LiquidationConfig {
	return config.LiquidationConfig{
		DropPct:         0.1,
		WindowSec:       60,
		SkewedAfter:     1 * time.Minute,
		AggressiveAfter: 5 * time.Minute,
		MarketAfter:     15 * time.Minute,
	}
}

func newTestManager(t *testing.T, cfg config.LiquidationConfig) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liquidations.json")
	m, err := New(cfg, path, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestTriggerEntersPassiveStage(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.Trigger("0xcond", "manual")

	if got := m.Stage("0xcond"); got != StagePassive {
		t.Errorf("Stage() = %s, want %s", got, StagePassive)
	}
}

func TestTriggerIsIdempotentWhileActive(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.Trigger("0xcond", "first reason")
	m.mu.Lock()
	started := m.records["0xcond"].StartedAt
	m.mu.Unlock()

	m.Trigger("0xcond", "second reason")

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.records["0xcond"].StartedAt.Equal(started) {
		t.Error("a second Trigger while already active should not reset StartedAt")
	}
	if m.records["0xcond"].Reason != "first reason" {
		t.Error("a second Trigger while already active should not overwrite the reason")
	}
}

func TestStageReturnsNoneWhenNotLiquidating(t *testing.T) {
	m := newTestManager(t, testConfig())
	if got := m.Stage("0xunknown"); got != StageNone {
		t.Errorf("Stage() for untracked market = %s, want %s", got, StageNone)
	}
}

func TestAdvanceLockedProgressesThroughStages(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.Trigger("0xcond", "manual")

	m.mu.Lock()
	r := m.records["0xcond"]
	start := r.StartedAt
	m.mu.Unlock()

	cases := []struct {
		elapsed time.Duration
		want    Stage
	}{
		{30 * time.Second, StagePassive},
		{2 * time.Minute, StageSkewed},
		{6 * time.Minute, StageAggressive},
		{16 * time.Minute, StageMarket},
	}
	for _, c := range cases {
		m.mu.Lock()
		m.advanceLocked("0xcond", start.Add(c.elapsed))
		m.mu.Unlock()

		if got := m.Stage("0xcond"); got != c.want {
			t.Errorf("after %s elapsed, stage = %s, want %s", c.elapsed, got, c.want)
		}
	}
}

func TestAdvanceLockedEmitsTransitionOnStageChange(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.Trigger("0xcond", "manual")

	select {
	case tr := <-m.TransitionCh():
		if tr.From != StageNone || tr.To != StagePassive {
			t.Errorf("initial transition = %+v, want none->passive", tr)
		}
	default:
		t.Fatal("expected a transition to be emitted on Trigger")
	}

	m.mu.Lock()
	start := m.records["0xcond"].StartedAt
	m.advanceLocked("0xcond", start.Add(2*time.Minute))
	m.mu.Unlock()

	select {
	case tr := <-m.TransitionCh():
		if tr.From != StagePassive || tr.To != StageSkewed {
			t.Errorf("transition = %+v, want passive->skewed", tr)
		}
	default:
		t.Fatal("expected a transition to be emitted on stage advance")
	}
}

func TestCheckPriceMovementTriggersOnExcessDrop(t *testing.T) {
	m := newTestManager(t, testConfig())
	t0 := time.Now()

	m.processReport(Report{ConditionID: "0xcond", MidPrice: 0.50, Timestamp: t0})
	if got := m.Stage("0xcond"); got != StageNone {
		t.Fatalf("first report should only set the anchor, got stage %s", got)
	}

	m.processReport(Report{ConditionID: "0xcond", MidPrice: 0.40, Timestamp: t0.Add(10 * time.Second)})
	if got := m.Stage("0xcond"); got != StagePassive {
		t.Errorf("a 20%% drop within the window should trigger liquidation, got stage %s", got)
	}
}

func TestCheckPriceMovementResetsAnchorAfterWindowExpires(t *testing.T) {
	m := newTestManager(t, testConfig())
	t0 := time.Now()

	m.processReport(Report{ConditionID: "0xcond", MidPrice: 0.50, Timestamp: t0})
	m.processReport(Report{ConditionID: "0xcond", MidPrice: 0.40, Timestamp: t0.Add(2 * time.Minute)})

	if got := m.Stage("0xcond"); got != StageNone {
		t.Errorf("a drop measured against an expired anchor should not trigger, got stage %s", got)
	}
}

func TestResolveClearsRecordAndPersistsRemoval(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.Trigger("0xcond", "manual")

	if err := m.Resolve("0xcond"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := m.Stage("0xcond"); got != StageNone {
		t.Errorf("Stage() after Resolve = %s, want %s", got, StageNone)
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("persisted document after Resolve = %s, want empty array", data)
	}
}

func TestNewRestoresPersistedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liquidations.json")
	first, err := New(testConfig(), path, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	first.Trigger("0xcond", "manual")

	second, err := New(testConfig(), path, slog.Default())
	if err != nil {
		t.Fatalf("New() restoring existing document error = %v", err)
	}
	if got := second.Stage("0xcond"); got != StagePassive {
		t.Errorf("restored Stage() = %s, want %s", got, StagePassive)
	}
}
