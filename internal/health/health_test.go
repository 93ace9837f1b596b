package health

import (
	"path/filepath"
	"testing"
	"time"
)

var testAliases = map[string]string{
	"treasury bonds and interest rates": "treasury-bonds",
	"treasury-bonds":                    "treasury-bonds",
	"macroalf-commentary":               "treasury-bonds",
	"longevity":                         "longevity",
}

func newTestAggregator() *Aggregator {
	return NewAggregator(NewNormalizer(testAliases), 5, 3.8, 3.0, 0.1)
}

func samplesFor(topic string, scores ...float64) []Sample {
	out := make([]Sample, 0, len(scores))
	for _, s := range scores {
		out = append(out, Sample{Topic: topic, Score: s})
	}
	return out
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(testAliases)

	cases := []struct {
		raw    string
		domain string
		mapped bool
	}{
		{"Treasury-Bonds", "treasury-bonds", true},
		{"  macroalf-commentary  ", "treasury-bonds", true},
		// Prefix heuristic: long alias keys match on their first 15 chars.
		{"treasury bonds and the coming auction", "treasury-bonds", true},
		{"mystery-topic", "mystery-topic", false},
	}
	for _, c := range cases {
		domain, mapped := n.Normalize(c.raw)
		if domain != c.domain || mapped != c.mapped {
			t.Fatalf("Normalize(%q) = (%q, %v), want (%q, %v)", c.raw, domain, mapped, c.domain, c.mapped)
		}
	}
}

func TestComputeTierAndTrend(t *testing.T) {
	agg := newTestAggregator()
	now := time.Now()

	snap := agg.Compute(samplesFor("treasury-bonds", 4.0, 4.2, 3.9, 4.1, 4.3, 2.0), now)
	d, ok := snap.Domains["treasury-bonds"]
	if !ok {
		t.Fatalf("domain missing from snapshot")
	}
	if d.N != 6 {
		t.Fatalf("n = %d", d.N)
	}
	if d.Avg != 3.75 {
		t.Fatalf("avg = %v, want 3.75", d.Avg)
	}
	if d.RecentAvg != 3.70 {
		t.Fatalf("recent_avg = %v, want 3.70", d.RecentAvg)
	}
	if d.Trend != TrendFlat {
		t.Fatalf("trend = %s, want flat (difference inside the band)", d.Trend)
	}
	if d.Tier != TierOK {
		t.Fatalf("tier = %s, want OK", d.Tier)
	}
}

func TestComputeStrongDomain(t *testing.T) {
	agg := newTestAggregator()
	snap := agg.Compute(samplesFor("longevity", 4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5), time.Now())

	d := snap.Domains["longevity"]
	if d.Tier != TierStrong {
		t.Fatalf("tier = %s, want STRONG", d.Tier)
	}
	if d.Trend != TrendFlat {
		t.Fatalf("trend = %s, want flat", d.Trend)
	}
}

func TestComputeDecliningTrend(t *testing.T) {
	agg := newTestAggregator()
	// Ten samples; the last five drag the recent average well below overall.
	snap := agg.Compute(samplesFor("longevity", 4.0, 4.0, 4.0, 4.0, 4.0, 3.0, 3.0, 3.0, 3.0, 3.0), time.Now())

	d := snap.Domains["longevity"]
	if d.Trend != TrendDown {
		t.Fatalf("trend = %s, want down", d.Trend)
	}
}

func TestComputeMinSamples(t *testing.T) {
	agg := newTestAggregator()
	snap := agg.Compute(samplesFor("longevity", 4.0, 4.0, 4.0, 4.0), time.Now())

	if _, ok := snap.Domains["longevity"]; ok {
		t.Fatalf("domain with fewer than MinSamples samples should be omitted")
	}
}

func TestComputeFiltersOutOfRangeScores(t *testing.T) {
	agg := newTestAggregator()
	samples := samplesFor("longevity", 4.0, 4.0, 4.0, 4.0, 4.0)
	samples = append(samples, Sample{Topic: "longevity", Score: 0.0}, Sample{Topic: "longevity", Score: 9.9})

	snap := agg.Compute(samples, time.Now())
	d := snap.Domains["longevity"]
	if d.N != 5 {
		t.Fatalf("n = %d, out-of-range scores should be dropped", d.N)
	}
	if d.Avg != 4.0 {
		t.Fatalf("avg = %v", d.Avg)
	}
}

func TestComputeUnmappedTopics(t *testing.T) {
	agg := newTestAggregator()
	samples := append(
		samplesFor("zebra-topic", 3.0, 3.0, 3.0, 3.0, 3.0),
		samplesFor("alpha-topic", 3.0, 3.0)...,
	)
	snap := agg.Compute(samples, time.Now())

	if len(snap.Unmapped) != 2 {
		t.Fatalf("unmapped = %v", snap.Unmapped)
	}
	if snap.Unmapped[0] != "alpha-topic" || snap.Unmapped[1] != "zebra-topic" {
		t.Fatalf("unmapped not sorted: %v", snap.Unmapped)
	}
	// Unmapped topics still aggregate under their own name.
	if _, ok := snap.Domains["zebra-topic"]; !ok {
		t.Fatalf("unmapped topic with enough samples should still get a record")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	agg := newTestAggregator()
	snap := agg.Compute(samplesFor("treasury-bonds", 4.0, 4.2, 3.9, 4.1, 4.3), time.Now())

	path := filepath.Join(t.TempDir(), "nested", "domain-health.json")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded := LoadSnapshot(path)
	if len(loaded.Domains) != len(snap.Domains) {
		t.Fatalf("loaded %d domains, want %d", len(loaded.Domains), len(snap.Domains))
	}
	got := loaded.Domains["treasury-bonds"]
	want := snap.Domains["treasury-bonds"]
	if got != want {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	snap := LoadSnapshot(filepath.Join(t.TempDir(), "nope.json"))
	if snap.Domains == nil || len(snap.Domains) != 0 {
		t.Fatalf("missing file should load as empty snapshot")
	}
}
