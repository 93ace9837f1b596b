package score

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"feedpulse/internal/feed"
)

// Phrases that correlate with substantive findings. Each hit adds 0.3,
// capped at +1.2.
var depthSignals = []string{
	"study", "found that", "research shows", "published", "peer-reviewed",
	"data suggests", "evidence", "clinical trial", "meta-analysis",
	"according to", "paper", "journal", "significant", "correlation",
	"mechanism", "pathway", "breakthrough", "novel", "first time",
	"contrary to", "surprisingly", "challenges the", "paradigm",
}

// Hedge language that correlates with filler. Each hit subtracts 0.3,
// capped at -1.0.
var shallowSignals = []string{
	"is important", "plays a role", "may help", "could potentially",
	"further research needed", "it is known", "generally accepted",
	"various factors", "many studies", "some researchers",
}

// Percentages, dollar amounts, and four-digit years.
var specificityRe = regexp.MustCompile(`\d+\.?\d*%|\$\d+|\d{4}(?:\s|$)`)

var urlMarkers = []string{"http", "www.", ".com", ".org", ".gov"}

const (
	baseline      = 2.5
	minScore      = 1.0
	maxScore      = 5.0
	noveltyPrefix = 150
	noveltyWindow = 10
	minNovelWords = 5
	maxOverlap    = 0.6
)

// Engine scores feed entries and selects notification-worthy insights.
type Engine struct {
	priorityTopics []string
	insightWindow  time.Duration
	insightTail    int
}

// NewEngine builds a scorer. window bounds how old an entry may be to count
// as a fresh insight; tail bounds how many recent entries are considered.
func NewEngine(priorityTopics []string, window time.Duration, tail int) *Engine {
	if window <= 0 {
		window = 20 * time.Minute
	}
	if tail <= 0 {
		tail = 15
	}
	return &Engine{
		priorityTopics: priorityTopics,
		insightWindow:  window,
		insightTail:    tail,
	}
}

// Score rates a finding 1.0-5.0 from depth, specificity, and length signals.
// The result always has exactly one decimal digit.
func (e *Engine) Score(entry feed.Entry) float64 {
	finding := entry.Finding
	fl := strings.ToLower(finding)
	score := baseline

	depthHits := 0
	for _, s := range depthSignals {
		if strings.Contains(fl, s) {
			depthHits++
		}
	}
	score += math.Min(float64(depthHits)*0.3, 1.2)

	shallowHits := 0
	for _, s := range shallowSignals {
		if strings.Contains(fl, s) {
			shallowHits++
		}
	}
	score -= math.Min(float64(shallowHits)*0.3, 1.0)

	numbers := len(specificityRe.FindAllString(finding, -1))
	score += math.Min(float64(numbers)*0.2, 0.8)

	words := len(strings.Fields(finding))
	switch {
	case words < 20:
		score -= 0.5
	case words > 200:
		score -= 0.3
	case words > 40 && words < 120:
		score += 0.3
	}

	for _, m := range urlMarkers {
		if strings.Contains(fl, m) {
			score += 0.3
			break
		}
	}

	if e.isPriorityTopic(entry.Topic) {
		score += 0.3
	}

	return math.Max(minScore, math.Min(maxScore, math.Round(score*10)/10))
}

func (e *Engine) isPriorityTopic(topic string) bool {
	tl := strings.ToLower(topic)
	for _, p := range e.priorityTopics {
		if strings.Contains(tl, p) {
			return true
		}
	}
	return false
}

// IsNovel reports whether an entry says something new relative to the most
// recent same-topic history. Fewer than 5 distinct words is insufficient
// signal and counts as not novel.
func (e *Engine) IsNovel(entry feed.Entry, history []feed.Entry) bool {
	current := wordSet(entry.Finding)
	if len(current) < minNovelWords {
		return false
	}

	var sameTopic []feed.Entry
	for _, h := range history {
		if h.Topic == entry.Topic {
			sameTopic = append(sameTopic, h)
		}
	}
	if len(sameTopic) > noveltyWindow {
		sameTopic = sameTopic[len(sameTopic)-noveltyWindow:]
	}

	for _, prev := range sameTopic {
		if prev.Finding == entry.Finding && prev.Timestamp.Equal(entry.Timestamp) {
			continue
		}
		old := wordSet(prev.Finding)
		shared := 0
		for w := range current {
			if _, ok := old[w]; ok {
				shared++
			}
		}
		if float64(shared)/float64(len(current)) > maxOverlap {
			return false
		}
	}
	return true
}

func wordSet(finding string) map[string]struct{} {
	if len(finding) > noveltyPrefix {
		finding = finding[:noveltyPrefix]
	}
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(finding)) {
		set[w] = struct{}{}
	}
	return set
}

// Metrics is the run-level quality report written for the dashboard.
type Metrics struct {
	Timestamp        string             `json:"timestamp"`
	TotalEntries     int                `json:"total_entries"`
	AvgQuality       float64            `json:"avg_quality"`
	Recent30Avg      float64            `json:"recent_30_avg"`
	HighQualityCount int                `json:"high_quality_count"`
	LowQualityCount  int                `json:"low_quality_count"`
	TopicAverages    map[string]float64 `json:"topic_averages"`
	Distribution     map[string]int     `json:"score_distribution"`
}

// ScoredEntry pairs an entry with its computed score.
type ScoredEntry struct {
	Entry feed.Entry
	Score float64
}

// ScoreAll scores every entry in feed order.
func (e *Engine) ScoreAll(entries []feed.Entry) []ScoredEntry {
	scored := make([]ScoredEntry, 0, len(entries))
	for _, entry := range entries {
		scored = append(scored, ScoredEntry{Entry: entry, Score: e.Score(entry)})
	}
	return scored
}

// ComputeMetrics aggregates scores into the quality metrics snapshot.
// Scores are recomputed from the full feed each run, never persisted.
func (e *Engine) ComputeMetrics(scored []ScoredEntry, now time.Time) Metrics {
	m := Metrics{
		Timestamp:     now.UTC().Format(time.RFC3339),
		TotalEntries:  len(scored),
		TopicAverages: map[string]float64{},
		Distribution:  map[string]int{"1-2": 0, "2-3": 0, "3-4": 0, "4-5": 0},
	}
	if len(scored) == 0 {
		return m
	}

	topicSums := map[string]float64{}
	topicCounts := map[string]int{}
	sum := 0.0
	for _, s := range scored {
		sum += s.Score
		topic := s.Entry.Topic
		if topic == "" {
			topic = "unknown"
		}
		topicSums[topic] += s.Score
		topicCounts[topic]++

		switch {
		case s.Score < 2:
			m.Distribution["1-2"]++
		case s.Score < 3:
			m.Distribution["2-3"]++
		case s.Score < 4:
			m.Distribution["3-4"]++
		default:
			m.Distribution["4-5"]++
		}
		if s.Score >= 4.0 {
			m.HighQualityCount++
		}
		if s.Score <= 1.5 {
			m.LowQualityCount++
		}
	}
	m.AvgQuality = round2(sum / float64(len(scored)))

	recent := scored
	if len(recent) > 30 {
		recent = recent[len(recent)-30:]
	}
	recentSum := 0.0
	for _, s := range recent {
		recentSum += s.Score
	}
	m.Recent30Avg = round2(recentSum / float64(len(recent)))

	for topic, total := range topicSums {
		m.TopicAverages[topic] = math.Round(total/float64(topicCounts[topic])*10) / 10
	}
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Insight is the single notification-worthy finding selected from a run.
type Insight struct {
	Entry feed.Entry
	Score float64
	Hash  string
}

// NotifiedStore persists the dedup set of already-pushed insight hashes.
type NotifiedStore interface {
	Contains(ctx context.Context, hash string) (bool, error)
	Record(ctx context.Context, hash string) error
}

// InsightHash is the dedup key for a finding: md5 of its first 100 chars.
func InsightHash(finding string) string {
	if len(finding) > 100 {
		finding = finding[:100]
	}
	sum := md5.Sum([]byte(finding))
	return hex.EncodeToString(sum[:])
}

// SelectInsight picks at most one insight per run: among the most recent
// entries inside the freshness window, the highest-scoring candidate that is
// novel, scores at least 3.5, and has not been pushed before. The returned
// bool reports whether the insight clears the notification bar (score >= 4.0,
// or a priority topic at >= 3.5). The hash is recorded either way so repeat
// runs never reconsider it.
func (e *Engine) SelectInsight(ctx context.Context, entries []feed.Entry, now time.Time, notified NotifiedStore) (*Insight, bool, error) {
	cutoff := now.Add(-e.insightWindow)

	tail := entries
	if len(tail) > e.insightTail {
		tail = tail[len(tail)-e.insightTail:]
	}

	var candidates []Insight
	for _, entry := range tail {
		if entry.Timestamp.IsZero() || entry.Timestamp.Before(cutoff) {
			continue
		}
		s := e.Score(entry)
		if s < 3.5 {
			continue
		}
		hash := InsightHash(entry.Finding)
		seen, err := notified.Contains(ctx, hash)
		if err != nil {
			return nil, false, err
		}
		if seen {
			continue
		}
		if !e.IsNovel(entry, entries) {
			continue
		}
		candidates = append(candidates, Insight{Entry: entry, Score: s, Hash: hash})
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	best := candidates[0]

	if err := notified.Record(ctx, best.Hash); err != nil {
		return nil, false, err
	}

	push := best.Score >= 4.0 || (e.isPriorityTopic(best.Entry.Topic) && best.Score >= 3.5)
	return &best, push, nil
}
