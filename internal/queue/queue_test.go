package queue

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"feedpulse/internal/health"
)

func testAdjuster() *Adjuster {
	return NewAdjuster(1, 10, 7, 6, nil)
}

func snapshotWith(domain string, d health.Domain) health.Snapshot {
	return health.Snapshot{
		ComputedAt: time.Now().UTC().Format(time.RFC3339),
		Domains:    map[string]health.Domain{domain: d},
	}
}

func TestDomainForTask(t *testing.T) {
	cases := []struct {
		task Task
		want string
	}{
		{Task{Instrument: "TLT"}, "treasury-bonds"},
		{Task{Instrument: "tmf-leveraged"}, "treasury-bonds"},
		{Task{Instrument: "SPX"}, "camel-finance"},
		{Task{Instrument: "GLD", Label: "gold options flow"}, "camel-finance"},
		{Task{Instrument: "", Label: "MacroAlf commentary digest"}, "treasury-bonds"},
		{Task{Instrument: "macro-overview"}, "treasury-bonds"},
		{Task{Instrument: "AAPL", Label: "earnings recap"}, "general"},
	}
	for _, c := range cases {
		if got := DomainForTask(c.task); got != c.want {
			t.Fatalf("DomainForTask(%+v) = %q, want %q", c.task, got, c.want)
		}
	}
}

func TestApplyBoostsStrongDomain(t *testing.T) {
	tasks := []Task{
		{ID: "t1", Instrument: "TLT", Priority: 5, Status: StatusPending},
		{ID: "t2", Instrument: "TLT", Priority: 10, Status: StatusPending},
		{ID: "t3", Instrument: "TLT", Priority: 8, Status: StatusDone},
		{ID: "t4", Instrument: "SPX", Priority: 5, Status: StatusPending},
	}
	snap := snapshotWith("treasury-bonds", health.Domain{Tier: health.TierStrong, Avg: 4.2, Trend: health.TrendFlat, N: 10})

	tasks, summary := testAdjuster().Apply(tasks, snap, time.Now())

	if tasks[0].Priority != 6 {
		t.Fatalf("t1 priority = %d, want 6", tasks[0].Priority)
	}
	if tasks[1].Priority != 10 {
		t.Fatalf("t2 priority = %d, cap must hold", tasks[1].Priority)
	}
	if tasks[2].Priority != 8 {
		t.Fatalf("done task must not be boosted")
	}
	if tasks[3].Priority != 5 {
		t.Fatalf("other-domain task must not be boosted")
	}
	// The capped task was already at max, so only one boost counts.
	if summary.Boosts != 1 {
		t.Fatalf("boosts = %d, want 1", summary.Boosts)
	}
}

func TestApplyWeakDomainAddsRemediation(t *testing.T) {
	snap := snapshotWith("longevity", health.Domain{Tier: health.TierWeak, Avg: 2.4, Trend: health.TrendFlat, N: 8})
	now := time.Now()

	tasks, summary := testAdjuster().Apply(nil, snap, now)
	if summary.RemediationAdded != 1 || len(tasks) != 1 {
		t.Fatalf("expected one remediation task, got %d", len(tasks))
	}

	task := tasks[0]
	if task.Priority != 7 {
		t.Fatalf("priority = %d, want 7", task.Priority)
	}
	if task.Source != SourceQualityWeights {
		t.Fatalf("source = %q", task.Source)
	}
	if task.Instrument != "LONGEVITY" {
		t.Fatalf("instrument = %q", task.Instrument)
	}
	if !strings.HasPrefix(task.Label, "Quality remediation:") {
		t.Fatalf("label = %q", task.Label)
	}
	if task.Status != StatusPending {
		t.Fatalf("status = %q", task.Status)
	}

	// Same snapshot again: identical label, no duplicate.
	tasks, summary = testAdjuster().Apply(tasks, snap, now.Add(time.Minute))
	if summary.RemediationAdded != 0 || len(tasks) != 1 {
		t.Fatalf("duplicate remediation synthesized")
	}

	// Slightly different avg changes the label, but a pending task of the
	// same kind still blocks a new one.
	snap2 := snapshotWith("longevity", health.Domain{Tier: health.TierWeak, Avg: 2.3, Trend: health.TrendFlat, N: 9})
	tasks, summary = testAdjuster().Apply(tasks, snap2, now.Add(2*time.Minute))
	if summary.RemediationAdded != 0 || len(tasks) != 1 {
		t.Fatalf("pending same-kind task should block a new remediation")
	}
}

func TestApplyDecliningOKAddsAudit(t *testing.T) {
	snap := snapshotWith("camel-finance", health.Domain{Tier: health.TierOK, Avg: 3.5, RecentAvg: 3.1, Trend: health.TrendDown, N: 12})

	tasks, summary := testAdjuster().Apply(nil, snap, time.Now())
	if summary.AuditAdded != 1 || len(tasks) != 1 {
		t.Fatalf("expected one audit task, got %d", len(tasks))
	}
	if tasks[0].Priority != 6 {
		t.Fatalf("priority = %d, want 6", tasks[0].Priority)
	}
	if !strings.HasPrefix(tasks[0].Label, "Quality audit:") {
		t.Fatalf("label = %q", tasks[0].Label)
	}

	// A flat OK domain gets no audit.
	flat := snapshotWith("camel-finance", health.Domain{Tier: health.TierOK, Avg: 3.5, RecentAvg: 3.5, Trend: health.TrendFlat, N: 12})
	tasks2, summary2 := testAdjuster().Apply(nil, flat, time.Now())
	if summary2.AuditAdded != 0 || len(tasks2) != 0 {
		t.Fatalf("flat OK domain should not get an audit task")
	}
}

func TestApplySynthesizedTaskNotBoostedSameRun(t *testing.T) {
	snap := health.Snapshot{
		ComputedAt: time.Now().UTC().Format(time.RFC3339),
		Domains: map[string]health.Domain{
			// Sorted iteration visits camel-finance before treasury-bonds,
			// so the remediation task exists before the STRONG pass runs.
			"camel-finance":  {Tier: health.TierWeak, Avg: 2.0, Trend: health.TrendFlat, N: 6},
			"treasury-bonds": {Tier: health.TierStrong, Avg: 4.0, Trend: health.TrendFlat, N: 6},
		},
	}

	tasks, summary := testAdjuster().Apply(nil, snap, time.Now())
	if summary.RemediationAdded != 1 {
		t.Fatalf("remediation = %d", summary.RemediationAdded)
	}
	if summary.Boosts != 0 {
		t.Fatalf("tasks synthesized this run must not be boosted")
	}
	if tasks[0].Priority != 7 {
		t.Fatalf("synthesized priority changed: %d", tasks[0].Priority)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "work-queue.json")
	done := "2026-01-02T03:04:05Z"
	tasks := []Task{
		{ID: "a", Priority: 5, Label: "one", Status: StatusPending, ContextRefs: []string{"x"}},
		{ID: "b", Priority: 9, Label: "two", Status: StatusDone, CompletedAt: &done},
	}

	if err := Save(path, tasks); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded := Load(path)
	if len(loaded) != 2 {
		t.Fatalf("loaded %d tasks", len(loaded))
	}
	if loaded[0].ID != "a" || loaded[1].Status != StatusDone {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if loaded[1].CompletedAt == nil || *loaded[1].CompletedAt != done {
		t.Fatalf("completed_at lost in round trip")
	}
}

func TestLoadMissingOrMalformed(t *testing.T) {
	dir := t.TempDir()
	if tasks := Load(filepath.Join(dir, "missing.json")); tasks != nil {
		t.Fatalf("missing file should load as empty queue")
	}
}
