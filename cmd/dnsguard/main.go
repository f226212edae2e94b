package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/api"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/config"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/metrics"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/pipeline"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/scheduler"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/tracing"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// app is what every subcommand needs once flags are parsed.
type app struct {
	cfg   *config.Config
	db    *store.Store
	p     *pipeline.Pipeline
	close func()
}

func main() {
	var cfgPath, level string
	log := logger.New(os.Getenv("LOG_LEVEL"))

	root := &cobra.Command{
		Use:          "dnsguard",
		Short:        "Per-device DNS anomaly detection for a home router running AdGuard Home",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if level != "" { log = logger.New(level) }
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", envOr("CONFIG_PATH", "configs/config.yaml"), "YAML config path")
	root.PersistentFlags().StringVar(&level, "log-level", "", "debug|info|warn|error (default from LOG_LEVEL)")

	setup := func(ctx context.Context) (*app, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil { return nil, fmt.Errorf("load config: %w", err) }
		if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil { return nil, err }

		closer, err := tracing.Init(ctx, *cfg, version, log)
		if err != nil { log.Error().Err(err).Msg("tracing init failed") }

		db, err := store.Open(cfg.Storage.Path)
		if err != nil { return nil, fmt.Errorf("open store: %w", err) }
		p, err := pipeline.New(cfg, log, db)
		if err != nil { _ = db.Close(); return nil, err }
		return &app{cfg: cfg, db: db, p: p, close: func() {
			_ = closer(context.Background())
			_ = db.Close()
		}}, nil
	}

	// --- serve: API + optional cron refresh ---
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when a schedule is configured, periodic refreshes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withSignals()
			a, err := setup(ctx)
			if err != nil { return err }
			defer a.close()
			metrics.MustRegister()

			g, ctx := errgroup.WithContext(ctx)
			srv := api.NewServer(api.Deps{Log: log, Pipeline: a.p}, api.Config{Addr: a.cfg.Server.Addr})
			g.Go(func() error { return srv.Run(ctx) })
			if a.cfg.Schedule != "" {
				g.Go(func() error { return scheduler.Run(ctx, log, a.cfg.Schedule, a.p) })
			}
			return g.Wait()
		},
	}
	root.AddCommand(serveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Pull, ingest, build features and score once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withSignals()
			a, err := setup(ctx)
			if err != nil { return err }
			defer a.close()
			run, err := a.p.Refresh(ctx)
			if err != nil { return err }
			fmt.Printf("events=%d rows=%d devices=%d skipped=%d top=%s score=%.4f\n",
				run.EventsAdded, run.RowsAppended, run.Devices, run.Skipped, run.TopDevice, run.TopScore)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "ingest <querylog.json|events.csv>",
		Short: "Store the new events of a local query log export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(withSignals())
			if err != nil { return err }
			defer a.close()
			n, st, err := a.p.Ingest(args[0])
			if err != nil { return err }
			fmt.Printf("parsed=%d dropped=%d excluded=%d stored=%d\n", st.Parsed, st.Dropped, st.Excluded, n)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Extend the feature table from stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withSignals()
			a, err := setup(ctx)
			if err != nil { return err }
			defer a.close()
			n, err := a.p.Build(ctx)
			if err != nil { return err }
			fmt.Printf("rows=%d\n", n)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "detect",
		Short: "Score the feature table and rewrite history and alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withSignals()
			a, err := setup(ctx)
			if err != nil { return err }
			defer a.close()
			res, err := a.p.Detect(ctx)
			if err != nil { return err }
			for _, r := range res.Alerts {
				fmt.Printf("%-16s %s combined=%.4f qpm=%d\n", r.ClientIP, r.Minute.Format("2006-01-02T15:04Z"), r.CombinedScore, r.QPM)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "compact",
		Short: "Apply retention to the first-seen table and the event store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withSignals()
			a, err := setup(ctx)
			if err != nil { return err }
			defer a.close()
			pairs, events, err := a.p.Compact(ctx)
			if err != nil { return err }
			fmt.Printf("first_seen_pairs=%d events=%d\n", pairs, events)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dnsguard %s (%s) %s\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func withSignals() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-c; cancel() }()
	return ctx
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" { return v }
	return d
}
