package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Task statuses.
const (
	StatusPending = "pending"
	StatusDone    = "done"
)

// SourceQualityWeights marks tasks synthesized by the priority adjuster.
const SourceQualityWeights = "quality-weights"

// Task is one work item in the shared queue file. Tasks are never deleted,
// only appended or priority-mutated; Label is the idempotency key.
type Task struct {
	ID             string   `json:"id"`
	Priority       int      `json:"priority"`
	TaskType       string   `json:"task_type"`
	Instrument     string   `json:"instrument"`
	Label          string   `json:"label"`
	Description    string   `json:"description"`
	PromptTemplate string   `json:"prompt_template"`
	Source         string   `json:"source"`
	ContextRefs    []string `json:"context_refs"`
	CreatedAt      string   `json:"created_at"`
	Status         string   `json:"status"`
	CompletedAt    *string  `json:"completed_at"`
	OutputPath     *string  `json:"output_path"`
}

// Load reads the full task array, completed tasks included. Missing or
// malformed files degrade to an empty queue.
func Load(path string) []Task {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil
	}
	return tasks
}

// Save rewrites the whole queue file via temp-file + rename. Two concurrent
// writers still race last-writer-wins; single-writer ownership is assumed.
func Save(path string, tasks []Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".queue-*.json")
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
		return fmt.Errorf("rename queue: %w", err)
	}
	return nil
}

var rateInstruments = []string{"TLT", "TMF", "RATES", "BOND"}

var marketInstruments = []string{
	"XAUUSD", "GLD", "XAGUSD", "SLV", "GDX", "SILJ",
	"SPX", "IBIT", "BTC", "IREN", "BITF",
}

var rateLabelMarkers = []string{"macroalf", "fedwatch", "treasury auction"}

// DomainForTask maps a task's instrument and label onto a canonical domain
// using fixed keyword categories. Anything unrecognized is "general".
func DomainForTask(t Task) string {
	instrument := strings.ToUpper(t.Instrument)
	label := strings.ToLower(t.Label)

	for _, x := range rateInstruments {
		if strings.Contains(instrument, x) {
			return "treasury-bonds"
		}
	}
	for _, m := range rateLabelMarkers {
		if strings.Contains(label, m) {
			return "treasury-bonds"
		}
	}
	for _, x := range marketInstruments {
		if strings.Contains(instrument, x) {
			return "camel-finance"
		}
	}
	if strings.Contains(strings.ToLower(t.Instrument), "macro") {
		return "treasury-bonds"
	}
	return "general"
}
