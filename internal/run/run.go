package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"feedpulse/internal/config"
	"feedpulse/internal/feed"
	"feedpulse/internal/health"
	"feedpulse/internal/notify"
	"feedpulse/internal/queue"
	"feedpulse/internal/score"
	"feedpulse/internal/store"
)

// Runner executes the full feedback loop: score the feed, aggregate domain
// health, reprioritize the queue, journal the run.
type Runner struct {
	Cfg      *config.Config
	Store    *store.Store
	Log      *slog.Logger
	Notifier *notify.Telegram
}

// Report is what one loop run produced.
type Report struct {
	RunID         string          `json:"run_id"`
	Timestamp     string          `json:"timestamp"`
	Entries       int             `json:"entries"`
	Malformed     int             `json:"malformed_lines,omitempty"`
	Metrics       score.Metrics   `json:"metrics"`
	Health        health.Snapshot `json:"health"`
	Queue         queue.Summary   `json:"queue"`
	InsightPushed bool            `json:"insight_pushed"`
	InsightTopic  string          `json:"insight_topic,omitempty"`
}

// journalRecord is one line of the append-only run journal.
type journalRecord struct {
	RunID     string                        `json:"run_id"`
	Timestamp string                        `json:"timestamp"`
	Type      string                        `json:"type"`
	Entries   int                           `json:"entries"`
	Domains   map[string]queue.DomainAction `json:"domains"`
	Actions   map[string]int                `json:"actions"`
}

// Run executes one full pass. pushInsight controls whether the run also
// selects and (if it clears the bar) pushes a notification-worthy insight.
func (r *Runner) Run(ctx context.Context, pushInsight bool) (Report, error) {
	now := time.Now()
	report := Report{
		RunID:     fmt.Sprintf("run_%s_%s", now.Format("20060102150405"), uuid.NewString()[:8]),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if r.Log == nil {
		r.Log = slog.Default()
	}

	entries, malformed, err := feed.ReadLog(r.Cfg.Paths.FeedLog)
	if err != nil {
		return report, fmt.Errorf("read feed log: %w", err)
	}
	report.Entries = len(entries)
	report.Malformed = malformed
	if malformed > 0 {
		r.Log.Warn("feed log has malformed lines", "count", malformed)
	}

	engine := score.NewEngine(
		r.Cfg.Scoring.PriorityTopics,
		time.Duration(r.Cfg.Scoring.InsightWindowMinutes)*time.Minute,
		r.Cfg.Scoring.InsightTail,
	)
	scored := engine.ScoreAll(entries)

	report.Metrics = engine.ComputeMetrics(scored, now)
	if err := score.WriteMetrics(r.Cfg.Paths.MetricsFile, report.Metrics); err != nil {
		return report, fmt.Errorf("write metrics: %w", err)
	}

	samples := make([]health.Sample, 0, len(scored))
	for _, s := range scored {
		samples = append(samples, health.Sample{Topic: s.Entry.Topic, Score: s.Score})
	}
	agg := health.NewAggregator(
		health.NewNormalizer(r.Cfg.Health.Aliases),
		r.Cfg.Health.MinSamples,
		r.Cfg.Health.StrongThreshold,
		r.Cfg.Health.WeakThreshold,
		r.Cfg.Health.TrendBand,
	)
	report.Health = agg.Compute(samples, now)
	if err := health.WriteSnapshot(r.Cfg.Paths.HealthFile, report.Health); err != nil {
		return report, fmt.Errorf("write health snapshot: %w", err)
	}

	tasks := queue.Load(r.Cfg.Paths.QueueFile)
	adjuster := queue.NewAdjuster(
		r.Cfg.Queue.BoostAmount,
		r.Cfg.Queue.MaxPriority,
		r.Cfg.Queue.RemediationPriority,
		r.Cfg.Queue.AuditPriority,
		r.Log,
	)
	tasks, summary := adjuster.Apply(tasks, report.Health, now)
	report.Queue = summary
	if err := queue.Save(r.Cfg.Paths.QueueFile, tasks); err != nil {
		return report, fmt.Errorf("save queue: %w", err)
	}

	if pushInsight {
		pushed, topic, err := r.selectAndPush(ctx, engine, entries, now)
		if err != nil {
			// Notification failures never fail the run; the hash is
			// already recorded so the insight will not repeat.
			r.Log.Warn("insight push failed", "error", err)
		}
		report.InsightPushed = pushed
		report.InsightTopic = topic
	}

	if err := r.journal(report); err != nil {
		r.Log.Warn("journal append failed", "error", err)
	}

	r.Log.Info("run complete",
		"run_id", report.RunID, "entries", report.Entries,
		"domains", len(report.Health.Domains),
		"boosts", summary.Boosts,
		"remediation", summary.RemediationAdded,
		"audits", summary.AuditAdded)
	return report, nil
}

// selectAndPush picks this run's insight and pushes it when it clears the
// notification bar and Telegram is configured.
func (r *Runner) selectAndPush(ctx context.Context, engine *score.Engine, entries []feed.Entry, now time.Time) (bool, string, error) {
	insight, push, err := engine.SelectInsight(ctx, entries, now, notifiedAdapter{r.Store})
	if err != nil {
		return false, "", err
	}
	if insight == nil || !push {
		return false, "", nil
	}
	if r.Notifier == nil || !r.Notifier.Configured() {
		r.Log.Info("insight selected but notifier unconfigured",
			"topic", insight.Entry.Topic, "score", insight.Score)
		return false, insight.Entry.Topic, nil
	}
	if err := r.Notifier.PushInsight(ctx, insight.Entry.Topic, insight.Score, insight.Entry.Finding); err != nil {
		return false, insight.Entry.Topic, err
	}
	return true, insight.Entry.Topic, nil
}

// notifiedAdapter exposes the store's notified-insight table through the
// scorer's dedup interface.
type notifiedAdapter struct {
	s *store.Store
}

func (n notifiedAdapter) Contains(ctx context.Context, hash string) (bool, error) {
	return n.s.NotifiedContains(ctx, hash)
}

func (n notifiedAdapter) Record(ctx context.Context, hash string) error {
	return n.s.NotifiedRecord(ctx, hash)
}

// journal appends one JSONL record describing the run.
func (r *Runner) journal(report Report) error {
	rec := journalRecord{
		RunID:     report.RunID,
		Timestamp: report.Timestamp,
		Type:      "quality_weights_run",
		Entries:   report.Entries,
		Domains:   report.Queue.Domains,
		Actions: map[string]int{
			"boosts":            report.Queue.Boosts,
			"remediation_tasks": report.Queue.RemediationAdded,
			"audit_tasks":       report.Queue.AuditAdded,
		},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	path := r.Cfg.Paths.JournalFile
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
