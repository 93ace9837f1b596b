package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"feedpulse/internal/config"
	"feedpulse/internal/embed"
	"feedpulse/internal/feed"
	"feedpulse/internal/health"
	"feedpulse/internal/index"
	"feedpulse/internal/logging"
	"feedpulse/internal/notify"
	"feedpulse/internal/queue"
	"feedpulse/internal/retrieve"
	"feedpulse/internal/run"
	"feedpulse/internal/score"
	"feedpulse/internal/store"
	"feedpulse/internal/watch"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedpulse",
		Short: "Research feed quality feedback loop",
		Long: `Feedpulse scores a research feed for quality, aggregates scores into
per-domain health, reprioritizes the shared work queue from that health,
and maintains a local semantic index over the feed, synthesis outputs,
and the thesis ledger.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("feedpulse %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize feedpulse config and database",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("create data directory: %v", err)
			}

			configPath := filepath.Join(configDir, "config.yaml")
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := config.Default().Save(); err != nil {
					fail("write default config: %v", err)
				}
			}

			st, err := store.Open(dbPath(dataDir))
			if err != nil {
				fail("initialize database: %v", err)
			}
			st.Close()

			if jsonOutput {
				printJSON(map[string]any{
					"ok":         true,
					"config_dir": configDir,
					"data_dir":   dataDir,
					"db_path":    dbPath(dataDir),
				})
			} else {
				fmt.Printf("✓ Config directory: %s\n", configDir)
				fmt.Printf("✓ Data directory: %s\n", dataDir)
				fmt.Printf("✓ Database: %s\n", dbPath(dataDir))
				fmt.Println("\nFeedpulse initialized successfully!")
			}
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full loop: score, health, reprioritize",
		Run: func(cmd *cobra.Command, args []string) {
			notifyFlag, _ := cmd.Flags().GetBool("notify")
			cfg, log := mustConfig()
			st := mustStore(cfg)
			defer st.Close()
			st.SetNotifiedCap(cfg.Scoring.NotifiedCap)

			runner := &run.Runner{
				Cfg:   cfg,
				Store: st,
				Log:   log,
				Notifier: notify.NewTelegram(
					cfg.Notifications.Telegram.BotToken,
					cfg.Notifications.Telegram.ChatID,
				),
			}
			report, err := runner.Run(cmd.Context(), notifyFlag)
			if err != nil {
				fail("run failed: %v", err)
			}

			if jsonOutput {
				printJSON(report)
			} else {
				printRunReport(report)
			}
		},
	}
	runCmd.Flags().Bool("notify", false, "Also select and push a notification-worthy insight")
	rootCmd.AddCommand(runCmd)

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score the feed and write quality metrics",
		Run: func(cmd *cobra.Command, args []string) {
			notifyFlag, _ := cmd.Flags().GetBool("notify")
			cfg, log := mustConfig()

			entries, malformed, err := feed.ReadLog(cfg.Paths.FeedLog)
			if err != nil {
				fail("read feed log: %v", err)
			}
			if malformed > 0 {
				log.Warn("feed log has malformed lines", "count", malformed)
			}

			engine := score.NewEngine(
				cfg.Scoring.PriorityTopics,
				time.Duration(cfg.Scoring.InsightWindowMinutes)*time.Minute,
				cfg.Scoring.InsightTail,
			)
			scored := engine.ScoreAll(entries)
			metrics := engine.ComputeMetrics(scored, time.Now())
			if err := score.WriteMetrics(cfg.Paths.MetricsFile, metrics); err != nil {
				fail("write metrics: %v", err)
			}

			if notifyFlag {
				st := mustStore(cfg)
				defer st.Close()
				st.SetNotifiedCap(cfg.Scoring.NotifiedCap)

				runner := &run.Runner{
					Cfg:   cfg,
					Store: st,
					Log:   log,
					Notifier: notify.NewTelegram(
						cfg.Notifications.Telegram.BotToken,
						cfg.Notifications.Telegram.ChatID,
					),
				}
				report, err := runner.Run(cmd.Context(), true)
				if err != nil {
					fail("run failed: %v", err)
				}
				if jsonOutput {
					printJSON(report)
				} else {
					printRunReport(report)
				}
				return
			}

			if jsonOutput {
				printJSON(metrics)
			} else {
				fmt.Printf("Entries: %d (avg %.2f, recent30 %.2f)\n",
					metrics.TotalEntries, metrics.AvgQuality, metrics.Recent30Avg)
				fmt.Printf("High quality: %d  Low quality: %d\n",
					metrics.HighQualityCount, metrics.LowQualityCount)
				for _, bucket := range []string{"1-2", "2-3", "3-4", "4-5"} {
					fmt.Printf("  %s: %d\n", bucket, metrics.Distribution[bucket])
				}
			}
		},
	}
	scoreCmd.Flags().Bool("notify", false, "Run the full loop and push an insight")
	rootCmd.AddCommand(scoreCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Show the current domain health snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, _ := mustConfig()
			snap := health.LoadSnapshot(cfg.Paths.HealthFile)

			if jsonOutput {
				printJSON(snap)
				return
			}
			if len(snap.Domains) == 0 {
				fmt.Println("No domain health yet. Run `feedpulse run` first.")
				return
			}
			fmt.Printf("Domain health (computed %s):\n", snap.ComputedAt)
			for domain, d := range snap.Domains {
				fmt.Printf("  %-20s %-6s avg=%.2f recent=%.2f trend=%s n=%d\n",
					domain, d.Tier, d.Avg, d.RecentAvg, d.Trend, d.N)
			}
			if len(snap.Unmapped) > 0 {
				fmt.Printf("Unmapped topics: %v\n", snap.Unmapped)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reprioritize",
		Short: "Adjust queue priorities from the latest health snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, log := mustConfig()
			snap := health.LoadSnapshot(cfg.Paths.HealthFile)
			if len(snap.Domains) == 0 {
				fail("no health snapshot found; run `feedpulse run` first")
			}

			tasks := queue.Load(cfg.Paths.QueueFile)
			adjuster := queue.NewAdjuster(
				cfg.Queue.BoostAmount,
				cfg.Queue.MaxPriority,
				cfg.Queue.RemediationPriority,
				cfg.Queue.AuditPriority,
				log,
			)
			tasks, summary := adjuster.Apply(tasks, snap, time.Now())
			if err := queue.Save(cfg.Paths.QueueFile, tasks); err != nil {
				fail("save queue: %v", err)
			}

			if jsonOutput {
				printJSON(summary)
			} else {
				fmt.Printf("Boosts: %d  Remediation: %d  Audits: %d\n",
					summary.Boosts, summary.RemediationAdded, summary.AuditAdded)
			}
		},
	})

	embedCmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed feed, synthesis, and thesis content into the semantic index",
		Run: func(cmd *cobra.Command, args []string) {
			force, _ := cmd.Flags().GetBool("force")
			backfill, _ := cmd.Flags().GetBool("backfill")
			synthesisOnly, _ := cmd.Flags().GetBool("synthesis-only")
			statsOnly, _ := cmd.Flags().GetBool("stats")

			cfg, log := mustConfig()
			st := mustStore(cfg)
			defer st.Close()

			if statsOnly {
				printIndexStats(cmd.Context(), st)
				return
			}

			client := embed.NewClient(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Timeout())
			ix := &index.Indexer{
				Store:          st,
				Embedder:       client,
				Log:            log,
				SynthesisFiles: cfg.Paths.SynthesisFiles,
				FeedLog:        cfg.Paths.FeedLog,
				ThesisLedger:   cfg.Paths.ThesisLedger,
				FeedDays:       cfg.Indexing.FeedDays,
				BackfillDays:   cfg.Indexing.BackfillDays,
				Keywords:       cfg.Indexing.Keywords,
				MinFeedChars:   cfg.Indexing.MinFeedChars,
				MinThesisChars: cfg.Indexing.MinThesisChars,
				ChunkSize:      cfg.Indexing.ChunkSize,
				ChunkOverlap:   cfg.Indexing.ChunkOverlap,
			}
			res, err := ix.Run(cmd.Context(), index.Options{
				Force:         force,
				Backfill:      backfill,
				SynthesisOnly: synthesisOnly,
			})
			if err != nil {
				fail("embed failed: %v", err)
			}

			usage := client.GetUsageStats()
			if usage.EmbedCalls > 0 {
				if _, err := st.IncrCounter(cmd.Context(), "embed_calls", usage.EmbedCalls); err != nil {
					log.Warn("counter update failed", "error", err)
				}
				if _, err := st.IncrCounter(cmd.Context(), "embed_chars", usage.EmbedChars); err != nil {
					log.Warn("counter update failed", "error", err)
				}
			}

			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Embedded %d chunks (synthesis %d, feed %d, thesis %d); skipped %d, errors %d\n",
					res.Total(), res.SynthesisEmbedded, res.FeedEmbedded, res.ThesisEmbedded,
					res.Skipped, res.Errors)
			}
		},
	}
	embedCmd.Flags().Bool("force", false, "Re-embed content whose hash is already recorded")
	embedCmd.Flags().Bool("backfill", false, "Widen the feed window to the backfill horizon")
	embedCmd.Flags().Bool("synthesis-only", false, "Embed only the synthesis files")
	embedCmd.Flags().Bool("stats", false, "Print collection counts and exit")
	rootCmd.AddCommand(embedCmd)

	queryCmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Semantic search over the index",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			n, _ := cmd.Flags().GetInt("n")
			collection, _ := cmd.Flags().GetString("collection")
			maxChars, _ := cmd.Flags().GetInt("max-chars")
			format, _ := cmd.Flags().GetString("format")

			cfg, _ := mustConfig()
			st := mustStore(cfg)
			defer st.Close()

			client := embed.NewClient(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Timeout())
			r := &retrieve.Retriever{Store: st, Embedder: client}

			collections := retrieve.DefaultCollections
			if collection != "" {
				collections = []string{collection}
			}

			res, err := r.GetContext(cmd.Context(), args[0], n, collections)
			if err != nil {
				fail("query failed: %v", err)
			}

			if jsonOutput || format == "json" {
				printJSON(res)
				return
			}
			if len(res.Hits) == 0 {
				fmt.Println("No results.")
				return
			}
			fmt.Println(retrieve.Render(res, maxChars))
		},
	}
	queryCmd.Flags().IntP("n", "n", 3, "Results per collection")
	queryCmd.Flags().String("collection", "", "Restrict to one collection")
	queryCmd.Flags().Int("max-chars", 6000, "Budget for rendered context")
	queryCmd.Flags().String("format", "text", "Output format: text or json")
	rootCmd.AddCommand(queryCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the feed log and rerun the loop on changes",
		Run: func(cmd *cobra.Command, args []string) {
			debounceSec, _ := cmd.Flags().GetInt("debounce")
			cfg, log := mustConfig()
			st := mustStore(cfg)
			defer st.Close()
			st.SetNotifiedCap(cfg.Scoring.NotifiedCap)

			runner := &run.Runner{
				Cfg:   cfg,
				Store: st,
				Log:   log,
				Notifier: notify.NewTelegram(
					cfg.Notifications.Telegram.BotToken,
					cfg.Notifications.Telegram.ChatID,
				),
			}
			w := &watch.Watcher{
				FeedLog:  cfg.Paths.FeedLog,
				Debounce: time.Duration(debounceSec) * time.Second,
				Log:      log,
				Run: func(ctx context.Context) error {
					_, err := runner.Run(ctx, true)
					return err
				},
			}
			if err := w.Watch(cmd.Context()); err != nil {
				fail("watch failed: %v", err)
			}
		},
	}
	watchCmd.Flags().Int("debounce", 2, "Debounce in seconds")
	rootCmd.AddCommand(watchCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show index and run statistics",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, _ := mustConfig()
			st := mustStore(cfg)
			defer st.Close()
			printIndexStats(cmd.Context(), st)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printRunReport(report run.Report) {
	fmt.Printf("Run %s\n", report.RunID)
	fmt.Printf("Entries: %d (avg %.2f, recent30 %.2f)\n",
		report.Entries, report.Metrics.AvgQuality, report.Metrics.Recent30Avg)
	for domain, d := range report.Health.Domains {
		fmt.Printf("  %-20s %-6s avg=%.2f recent=%.2f trend=%s n=%d\n",
			domain, d.Tier, d.Avg, d.RecentAvg, d.Trend, d.N)
	}
	fmt.Printf("Boosts: %d  Remediation: %d  Audits: %d\n",
		report.Queue.Boosts, report.Queue.RemediationAdded, report.Queue.AuditAdded)
	if report.InsightPushed {
		fmt.Printf("Insight pushed: %s\n", report.InsightTopic)
	}
}

func printIndexStats(ctx context.Context, st *store.Store) {
	type stats struct {
		Collections map[string]int   `json:"collections"`
		Counters    map[string]int64 `json:"counters"`
	}
	out := stats{Collections: map[string]int{}}
	for _, col := range retrieve.DefaultCollections {
		n, err := st.Count(ctx, col)
		if err != nil {
			fail("count %s: %v", col, err)
		}
		out.Collections[col] = n
	}
	counters, err := st.Counters(ctx)
	if err != nil {
		fail("read counters: %v", err)
	}
	out.Counters = counters

	if jsonOutput {
		printJSON(out)
		return
	}
	for _, col := range retrieve.DefaultCollections {
		fmt.Printf("  %-20s %d chunks\n", col, out.Collections[col])
	}
	for name, v := range out.Counters {
		fmt.Printf("  %-20s %d\n", name, v)
	}
}

func mustConfig() (*config.Config, *slog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fail("load config: %v", err)
	}
	return cfg, logging.New(cfg.LogLevel)
}

func mustStore(cfg *config.Config) *store.Store {
	dataDir, err := config.GetDataDir()
	if err != nil {
		fail("get data directory: %v", err)
	}
	st, err := store.Open(dbPath(dataDir))
	if err != nil {
		fail("open database: %v", err)
	}
	return st
}

func dbPath(dataDir string) string {
	return filepath.Join(dataDir, "feedpulse.db")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
