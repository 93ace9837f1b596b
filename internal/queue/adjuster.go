package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"feedpulse/internal/health"
)

// Adjuster mutates the task queue from a domain health snapshot: STRONG
// domains boost their pending tasks, WEAK domains get a remediation task,
// declining OK domains get an audit task.
type Adjuster struct {
	BoostAmount         int
	MaxPriority         int
	RemediationPriority int
	AuditPriority       int
	Log                 *slog.Logger
}

// NewAdjuster applies the standard adjustment parameters where zero values
// are given.
func NewAdjuster(boost, maxPriority, remediation, audit int, log *slog.Logger) *Adjuster {
	if boost <= 0 {
		boost = 1
	}
	if maxPriority <= 0 {
		maxPriority = 10
	}
	if remediation <= 0 {
		remediation = 7
	}
	if audit <= 0 {
		audit = 6
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adjuster{
		BoostAmount:         boost,
		MaxPriority:         maxPriority,
		RemediationPriority: remediation,
		AuditPriority:       audit,
		Log:                 log,
	}
}

// DomainAction summarizes what a run saw for one domain.
type DomainAction struct {
	Tier  string  `json:"tier"`
	Avg   float64 `json:"avg"`
	Trend string  `json:"trend"`
}

// Summary counts the mutations a run applied.
type Summary struct {
	Boosts           int                     `json:"boosts"`
	RemediationAdded int                     `json:"remediation_tasks"`
	AuditAdded       int                     `json:"audit_tasks"`
	Domains          map[string]DomainAction `json:"domain_health"`
}

// Apply walks the health snapshot in stable domain order and returns the
// mutated queue plus a summary. The input slice is modified in place for
// boosts; synthesized tasks are appended.
func (a *Adjuster) Apply(tasks []Task, snap health.Snapshot, now time.Time) ([]Task, Summary) {
	summary := Summary{Domains: map[string]DomainAction{}}

	// Pending set is fixed up front; tasks synthesized this run are never
	// boosted in the same run.
	pendingIdx := make([]int, 0, len(tasks))
	for i, t := range tasks {
		if t.Status == StatusPending {
			pendingIdx = append(pendingIdx, i)
		}
	}

	domains := make([]string, 0, len(snap.Domains))
	for d := range snap.Domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		h := snap.Domains[domain]
		summary.Domains[domain] = DomainAction{Tier: h.Tier, Avg: h.Avg, Trend: h.Trend}

		if h.Tier == health.TierStrong {
			for _, i := range pendingIdx {
				if DomainForTask(tasks[i]) != domain {
					continue
				}
				old := tasks[i].Priority
				next := old + a.BoostAmount
				if next > a.MaxPriority {
					next = a.MaxPriority
				}
				if next == old {
					continue
				}
				tasks[i].Priority = next
				summary.Boosts++
				a.Log.Info("boosted task",
					"domain", domain, "label", truncate(tasks[i].Label, 40),
					"from", old, "to", next)
			}
		}

		if h.Tier == health.TierWeak {
			label := fmt.Sprintf("Quality remediation: %s avg=%.2f — improve source quality", domain, h.Avg)
			prompt := fmt.Sprintf(
				"Domain '%s' has an average quality score of %.2f/5.0 (n=%d, trend=%s). "+
					"This is below the acceptable threshold. "+
					"Analyze: (1) What types of findings is this domain producing that score poorly? "+
					"(2) What are better sources or query strategies for this domain? "+
					"(3) Write 2-3 example high-quality findings (score 4-5) that this domain SHOULD be producing. "+
					"(4) Output specific recommendations to improve the research job prompt for this domain.",
				domain, h.Avg, h.N, h.Trend)
			if added, next := a.synthesize(tasks, domain, "Quality remediation:", label, prompt, a.RemediationPriority, now); added {
				tasks = next
				summary.RemediationAdded++
				a.Log.Info("remediation queued", "domain", domain, "avg", h.Avg)
			}
		}

		if h.Tier == health.TierOK && h.Trend == health.TrendDown {
			label := fmt.Sprintf("Quality audit: %s declining (%.2f→%.2f)", domain, h.Avg, h.RecentAvg)
			prompt := fmt.Sprintf(
				"Domain '%s' quality is declining: overall avg=%.2f, recent avg=%.2f. "+
					"Diagnose: (1) Are recent entries becoming repetitive or lower-value? "+
					"(2) Has the source material quality changed? "+
					"(3) What specific changes to the research approach would reverse the decline? "+
					"Output 3 concrete improvements.",
				domain, h.Avg, h.RecentAvg)
			if added, next := a.synthesize(tasks, domain, "Quality audit:", label, prompt, a.AuditPriority, now); added {
				tasks = next
				summary.AuditAdded++
				a.Log.Info("audit queued", "domain", domain, "avg", h.Avg, "recent", h.RecentAvg)
			}
		}
	}

	return tasks, summary
}

// synthesize appends a task unless one with the same label exists, or a
// pending task of the same kind already targets the domain. Labels embed the
// live metric value, so the kind check stops recurring situations with
// slightly different numbers from piling up duplicates.
func (a *Adjuster) synthesize(tasks []Task, domain, kindPrefix, label, prompt string, priority int, now time.Time) (bool, []Task) {
	instrument := strings.ToUpper(domain)
	for _, t := range tasks {
		if t.Label == label {
			return false, tasks
		}
		if t.Status == StatusPending && t.Source == SourceQualityWeights &&
			t.Instrument == instrument && strings.HasPrefix(t.Label, kindPrefix) {
			return false, tasks
		}
	}

	tasks = append(tasks, Task{
		ID:             fmt.Sprintf("qw_%s_%s", now.Format("20060102150405"), uuid.NewString()[:8]),
		Priority:       priority,
		TaskType:       "research",
		Instrument:     instrument,
		Label:          label,
		Description:    prompt,
		PromptTemplate: prompt,
		Source:         SourceQualityWeights,
		ContextRefs:    []string{},
		CreatedAt:      now.UTC().Format(time.RFC3339),
		Status:         StatusPending,
	})
	return true, tasks
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
