package health

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Tier classifies a domain's average quality.
const (
	TierStrong = "STRONG"
	TierOK     = "OK"
	TierWeak   = "WEAK"
)

// Trend compares the recent-window average to the overall average.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// Domain is the health record for one canonical domain.
type Domain struct {
	Avg        float64 `json:"avg"`
	RecentAvg  float64 `json:"recent_avg"`
	Trend      string  `json:"trend"`
	N          int     `json:"n"`
	Tier       string  `json:"tier"`
	ComputedAt string  `json:"computed_at"`
}

// Snapshot is the full health file, rewritten each run. Unmapped lists raw
// topics that fell through the alias table so they can be reviewed.
type Snapshot struct {
	ComputedAt string            `json:"computed_at"`
	Domains    map[string]Domain `json:"domains"`
	Unmapped   []string          `json:"unmapped,omitempty"`
}

// Normalizer maps raw topic strings onto canonical domains.
type Normalizer struct {
	aliases map[string]string
}

// NewNormalizer copies the alias table with lowercased keys.
func NewNormalizer(aliases map[string]string) *Normalizer {
	m := make(map[string]string, len(aliases))
	for k, v := range aliases {
		m[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Normalizer{aliases: m}
}

// Normalize resolves a raw topic to its canonical domain. Exact alias match
// first, then a prefix heuristic for long alias keys, else the raw topic
// passes through as its own domain with mapped=false.
func (n *Normalizer) Normalize(raw string) (domain string, mapped bool) {
	t := strings.ToLower(strings.TrimSpace(raw))
	if canon, ok := n.aliases[t]; ok {
		return canon, true
	}
	for key, canon := range n.aliases {
		if len(key) > 10 {
			prefix := key
			if len(prefix) > 15 {
				prefix = prefix[:15]
			}
			if strings.HasPrefix(t, prefix) {
				return canon, true
			}
		}
	}
	return t, false
}

// Sample is one scored feed entry attributed to a raw topic.
type Sample struct {
	Topic string
	Score float64
}

// Aggregator computes per-domain health from scored samples.
type Aggregator struct {
	Normalizer      *Normalizer
	MinSamples      int
	StrongThreshold float64
	WeakThreshold   float64
	TrendBand       float64
}

// NewAggregator applies the standard thresholds where zero values are given.
func NewAggregator(n *Normalizer, minSamples int, strong, weak, band float64) *Aggregator {
	if minSamples <= 0 {
		minSamples = 5
	}
	if strong == 0 {
		strong = 3.8
	}
	if weak == 0 {
		weak = 3.0
	}
	if band == 0 {
		band = 0.1
	}
	return &Aggregator{
		Normalizer:      n,
		MinSamples:      minSamples,
		StrongThreshold: strong,
		WeakThreshold:   weak,
		TrendBand:       band,
	}
}

// Compute groups samples by canonical domain and derives avg, recent-window
// avg, trend, and tier. Samples must be in feed order; the recent window is
// the tail. Domains with fewer than MinSamples samples are omitted.
func (a *Aggregator) Compute(samples []Sample, now time.Time) Snapshot {
	computedAt := now.UTC().Format(time.RFC3339)
	snap := Snapshot{
		ComputedAt: computedAt,
		Domains:    map[string]Domain{},
	}

	byDomain := map[string][]float64{}
	unmapped := map[string]struct{}{}
	for _, s := range samples {
		if s.Score < 1 || s.Score > 5 {
			continue
		}
		domain, mapped := a.Normalizer.Normalize(s.Topic)
		if !mapped {
			unmapped[domain] = struct{}{}
		}
		byDomain[domain] = append(byDomain[domain], s.Score)
	}

	for domain, scores := range byDomain {
		if len(scores) < a.MinSamples {
			continue
		}
		avg := mean(scores)

		nRecent := len(scores) / 5
		if nRecent < 5 {
			nRecent = 5
		}
		if nRecent > len(scores) {
			nRecent = len(scores)
		}
		recentAvg := mean(scores[len(scores)-nRecent:])

		trend := TrendFlat
		if recentAvg > avg+a.TrendBand {
			trend = TrendUp
		} else if recentAvg < avg-a.TrendBand {
			trend = TrendDown
		}

		tier := TierOK
		if avg >= a.StrongThreshold {
			tier = TierStrong
		} else if avg < a.WeakThreshold {
			tier = TierWeak
		}

		snap.Domains[domain] = Domain{
			Avg:        round2(avg),
			RecentAvg:  round2(recentAvg),
			Trend:      trend,
			N:          len(scores),
			Tier:       tier,
			ComputedAt: computedAt,
		}
	}

	for topic := range unmapped {
		snap.Unmapped = append(snap.Unmapped, topic)
	}
	sort.Strings(snap.Unmapped)
	return snap
}

func mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// WriteSnapshot fully replaces the health file. The write goes to a temp
// file in the same directory and renames into place so concurrent readers
// never see a torn file.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".health-*.json")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the health file. Missing or malformed files degrade to
// an empty snapshot.
func LoadSnapshot(path string) Snapshot {
	empty := Snapshot{Domains: map[string]Domain{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return empty
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return empty
	}
	if snap.Domains == nil {
		snap.Domains = map[string]Domain{}
	}
	return snap
}
