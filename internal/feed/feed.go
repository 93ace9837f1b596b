package feed

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"time"
)

// Entry is a single research finding appended to the feed log by external
// collaborators. Entries are immutable once written.
type Entry struct {
	Timestamp  time.Time
	Topic      string
	Finding    string
	Instrument string
	Source     string
}

// rawEntry tolerates the three historical finding field names.
type rawEntry struct {
	Timestamp  string `json:"timestamp"`
	Topic      string `json:"topic"`
	Finding    string `json:"finding"`
	Insight    string `json:"insight"`
	Content    string `json:"content"`
	Instrument string `json:"instrument"`
	Source     string `json:"source"`
}

func (r rawEntry) text() string {
	if r.Finding != "" {
		return r.Finding
	}
	if r.Insight != "" {
		return r.Insight
	}
	return r.Content
}

// ReadLog reads the newline-delimited JSON feed log. Malformed lines are
// skipped and counted, never fatal. A missing file yields an empty feed.
func ReadLog(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []Entry
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw rawEntry
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			skipped++
			continue
		}
		entries = append(entries, Entry{
			Timestamp:  parseTimestamp(raw.Timestamp),
			Topic:      raw.Topic,
			Finding:    raw.text(),
			Instrument: raw.Instrument,
			Source:     raw.Source,
		})
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, err
	}
	return entries, skipped, nil
}

// parseTimestamp accepts ISO-8601 with or without a trailing Z. An
// unparsable timestamp yields the zero time; callers treat that as
// "age unknown" rather than dropping the entry.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
