package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the feedpulse configuration.
type Config struct {
	LogLevel      string             `yaml:"log_level"`
	Paths         PathsConfig        `yaml:"paths"`
	Scoring       ScoringConfig      `yaml:"scoring"`
	Health        HealthConfig       `yaml:"health"`
	Queue         QueueConfig        `yaml:"queue"`
	Embedding     EmbeddingConfig    `yaml:"embedding"`
	Indexing      IndexingConfig     `yaml:"indexing"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// PathsConfig locates the shared files this system reads and rewrites.
// External collaborators (dashboard, status builders) touch the same files.
type PathsConfig struct {
	FeedLog        string   `yaml:"feed_log"`
	QueueFile      string   `yaml:"queue_file"`
	HealthFile     string   `yaml:"health_file"`
	MetricsFile    string   `yaml:"metrics_file"`
	JournalFile    string   `yaml:"journal_file"`
	ThesisLedger   string   `yaml:"thesis_ledger"`
	SynthesisFiles []string `yaml:"synthesis_files"`
}

// ScoringConfig tunes the quality scorer and insight selection.
type ScoringConfig struct {
	PriorityTopics       []string `yaml:"priority_topics"`
	InsightWindowMinutes int      `yaml:"insight_window_minutes"`
	InsightTail          int      `yaml:"insight_tail"`
	NotifiedCap          int      `yaml:"notified_cap"`
}

// HealthConfig tunes domain aggregation thresholds.
type HealthConfig struct {
	Aliases         map[string]string `yaml:"aliases"`
	MinSamples      int               `yaml:"min_samples"`
	StrongThreshold float64           `yaml:"strong_threshold"`
	WeakThreshold   float64           `yaml:"weak_threshold"`
	TrendBand       float64           `yaml:"trend_band"`
}

// QueueConfig tunes priority adjustments.
type QueueConfig struct {
	BoostAmount         int `yaml:"boost_amount"`
	MaxPriority         int `yaml:"max_priority"`
	RemediationPriority int `yaml:"remediation_priority"`
	AuditPriority       int `yaml:"audit_priority"`
}

// EmbeddingConfig describes the local embedding backend.
type EmbeddingConfig struct {
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout resolves the per-call embedding timeout.
func (e EmbeddingConfig) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// IndexingConfig tunes the semantic indexer.
type IndexingConfig struct {
	FeedDays       int      `yaml:"feed_days"`
	BackfillDays   int      `yaml:"backfill_days"`
	Keywords       []string `yaml:"keywords"`
	MinFeedChars   int      `yaml:"min_feed_chars"`
	MinThesisChars int      `yaml:"min_thesis_chars"`
	ChunkSize      int      `yaml:"chunk_size"`
	ChunkOverlap   int      `yaml:"chunk_overlap"`
}

// NotificationConfig encapsulates outbound channels.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires the data required to push insights.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// GetConfigDir returns the XDG-compliant config directory.
func GetConfigDir() (string, error) {
	if override := os.Getenv("FEEDPULSE_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "feedpulse"), nil
}

// GetDataDir returns the platform-specific data directory.
func GetDataDir() (string, error) {
	if override := os.Getenv("FEEDPULSE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "FeedPulse"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "feedpulse"), nil
	}

	return filepath.Join(home, ".local", "share", "feedpulse"), nil
}

// Load reads config.yaml from the config dir (if present) and applies
// defaults plus environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	cfg := Default()

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes the config to the config file.
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FEEDPULSE_TELEGRAM_TOKEN"); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("FEEDPULSE_TELEGRAM_CHAT_ID"); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
	if v := os.Getenv("FEEDPULSE_OLLAMA_URL"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("FEEDPULSE_EMBED_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("FEEDPULSE_FEED_LOG"); v != "" {
		c.Paths.FeedLog = v
	}
}

// fillDefaults re-applies defaults for fields a partial config file zeroed.
func (c *Config) fillDefaults() {
	def := Default()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Scoring.InsightWindowMinutes <= 0 {
		c.Scoring.InsightWindowMinutes = def.Scoring.InsightWindowMinutes
	}
	if c.Scoring.InsightTail <= 0 {
		c.Scoring.InsightTail = def.Scoring.InsightTail
	}
	if c.Scoring.NotifiedCap <= 0 {
		c.Scoring.NotifiedCap = def.Scoring.NotifiedCap
	}
	if len(c.Scoring.PriorityTopics) == 0 {
		c.Scoring.PriorityTopics = def.Scoring.PriorityTopics
	}
	if c.Health.MinSamples <= 0 {
		c.Health.MinSamples = def.Health.MinSamples
	}
	if c.Health.StrongThreshold == 0 {
		c.Health.StrongThreshold = def.Health.StrongThreshold
	}
	if c.Health.WeakThreshold == 0 {
		c.Health.WeakThreshold = def.Health.WeakThreshold
	}
	if c.Health.TrendBand == 0 {
		c.Health.TrendBand = def.Health.TrendBand
	}
	if len(c.Health.Aliases) == 0 {
		c.Health.Aliases = def.Health.Aliases
	}
	if c.Queue.BoostAmount <= 0 {
		c.Queue.BoostAmount = def.Queue.BoostAmount
	}
	if c.Queue.MaxPriority <= 0 {
		c.Queue.MaxPriority = def.Queue.MaxPriority
	}
	if c.Queue.RemediationPriority <= 0 {
		c.Queue.RemediationPriority = def.Queue.RemediationPriority
	}
	if c.Queue.AuditPriority <= 0 {
		c.Queue.AuditPriority = def.Queue.AuditPriority
	}
	if c.Embedding.URL == "" {
		c.Embedding.URL = def.Embedding.URL
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = def.Embedding.Model
	}
	if c.Indexing.FeedDays <= 0 {
		c.Indexing.FeedDays = def.Indexing.FeedDays
	}
	if c.Indexing.BackfillDays <= 0 {
		c.Indexing.BackfillDays = def.Indexing.BackfillDays
	}
	if len(c.Indexing.Keywords) == 0 {
		c.Indexing.Keywords = def.Indexing.Keywords
	}
	if c.Indexing.MinFeedChars <= 0 {
		c.Indexing.MinFeedChars = def.Indexing.MinFeedChars
	}
	if c.Indexing.MinThesisChars <= 0 {
		c.Indexing.MinThesisChars = def.Indexing.MinThesisChars
	}
	if c.Indexing.ChunkSize <= 0 {
		c.Indexing.ChunkSize = def.Indexing.ChunkSize
	}
	if c.Indexing.ChunkOverlap <= 0 {
		c.Indexing.ChunkOverlap = def.Indexing.ChunkOverlap
	}
	if c.Paths.FeedLog == "" {
		c.Paths.FeedLog = def.Paths.FeedLog
	}
	if c.Paths.QueueFile == "" {
		c.Paths.QueueFile = def.Paths.QueueFile
	}
	if c.Paths.HealthFile == "" {
		c.Paths.HealthFile = def.Paths.HealthFile
	}
	if c.Paths.MetricsFile == "" {
		c.Paths.MetricsFile = def.Paths.MetricsFile
	}
	if c.Paths.JournalFile == "" {
		c.Paths.JournalFile = def.Paths.JournalFile
	}
	if c.Paths.ThesisLedger == "" {
		c.Paths.ThesisLedger = def.Paths.ThesisLedger
	}
	if len(c.Paths.SynthesisFiles) == 0 {
		c.Paths.SynthesisFiles = def.Paths.SynthesisFiles
	}
}

// Default returns the built-in configuration. Every threshold has a value so
// the tools run without any config file at all.
func Default() *Config {
	home, _ := os.UserHomeDir()
	mem := filepath.Join(home, ".feedpulse", "memory")

	return &Config{
		LogLevel: "info",
		Paths: PathsConfig{
			FeedLog:      filepath.Join(mem, "learning-feed.jsonl"),
			QueueFile:    filepath.Join(mem, "work-queue.json"),
			HealthFile:   filepath.Join(mem, "domain-health.json"),
			MetricsFile:  filepath.Join(mem, "quality-metrics.json"),
			JournalFile:  filepath.Join(mem, "run-journal.jsonl"),
			ThesisLedger: filepath.Join(mem, "thesis-ledger.jsonl"),
			SynthesisFiles: []string{
				filepath.Join(mem, "daily-synthesis.md"),
				filepath.Join(mem, "cross-domain-synthesis.md"),
			},
		},
		Scoring: ScoringConfig{
			PriorityTopics: []string{
				"treasury", "tlt", "bond", "yield", "interest rate",
				"longevity", "rapamycin",
			},
			InsightWindowMinutes: 20,
			InsightTail:          15,
			NotifiedCap:          500,
		},
		Health: HealthConfig{
			Aliases: map[string]string{
				"treasury bonds and interest rates":   "treasury-bonds",
				"treasury-bonds":                      "treasury-bonds",
				"treasurybonds":                       "treasury-bonds",
				"treasury auction calendar":           "treasury-bonds",
				"fedwatch-rate-probabilities":         "treasury-bonds",
				"macroalf-commentary":                 "treasury-bonds",
				"queue-research-tlt":                  "treasury-bonds",
				"longevity research":                  "longevity",
				"longevity":                           "longevity",
				"ai agents and tool calling":          "ai-agents",
				"ai-agents":                           "ai-agents",
				"tool-calling":                        "ai-agents",
				"multi-agent systems":                 "ai-agents",
				"queue-research-iren":                 "ai-agents",
				"self-improvement":                    "self-improvement",
				"compound-synthesis":                  "compound-synthesis",
				"camel-finance-cycle-analysis":        "camel-finance",
				"camel finance: cycle trading theory": "camel-finance",
				"camel finance: hyperwave theory":     "camel-finance",
				"camel finance: tradingview guide":    "camel-finance",
				"camel finance: bitcoin":              "camel-finance",
				"queue-research-xauusd":               "camel-finance",
				"queue-analysis-spx":                  "camel-finance",
				"options-flow-gld":                    "camel-finance",
				"options-flow-slv":                    "camel-finance",
			},
			MinSamples:      5,
			StrongThreshold: 3.8,
			WeakThreshold:   3.0,
			TrendBand:       0.1,
		},
		Queue: QueueConfig{
			BoostAmount:         1,
			MaxPriority:         10,
			RemediationPriority: 7,
			AuditPriority:       6,
		},
		Embedding: EmbeddingConfig{
			URL:            "http://localhost:11434",
			Model:          "nomic-embed-text",
			TimeoutSeconds: 30,
		},
		Indexing: IndexingConfig{
			FeedDays:     14,
			BackfillDays: 90,
			Keywords: []string{
				"camel-finance", "camel finance", "treasury-bonds", "treasury bonds",
				"gold", "silver", "gld", "slv", "xauusd", "bitcoin", "btc", "ibit",
				"iren", "tlt", "gdx", "silj", "spx", "fedwatch", "fed", "rate",
				"cycle", "options", "position", "trade", "market",
			},
			MinFeedChars:   50,
			MinThesisChars: 30,
			ChunkSize:      1000,
			ChunkOverlap:   150,
		},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{BotToken: "", ChatID: ""},
		},
	}
}
