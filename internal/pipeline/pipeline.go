// Package pipeline wires the refresh cycle: pull the router log, ingest new
// events, extend the feature table and rescore every device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/config"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/detector"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/features"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/ingest"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/metrics"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/ml"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/notify"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/retrieve"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/rules"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/state"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
)

var tracer = otel.Tracer("pipeline")

// Puller fetches a fresh copy of the router query log into dst.
type Puller interface {
	Pull(ctx context.Context, dst string) (int64, error)
}

type Pipeline struct {
	cfg   *config.Config
	log   *logger.Logger
	clock clockwork.Clock

	db       *store.Store
	states   *state.FileStore
	parser   *ingest.Parser
	ingest   *ingest.Ingest
	builder  *features.Builder
	detector *detector.Detector
	puller   Puller // nil when the router is not configured

	group   singleflight.Group
	running atomic.Bool
}

type Option func(*Pipeline)

func WithClock(c clockwork.Clock) Option { return func(p *Pipeline) { p.clock = c } }
func WithPuller(pl Puller) Option       { return func(p *Pipeline) { p.puller = pl } }
func WithNotifier(n detector.Notifier) Option {
	return func(p *Pipeline) { p.detector = newDetector(p.cfg, p.log, n, p.db) }
}

func newDetector(cfg *config.Config, log *logger.Logger, n detector.Notifier, sent detector.SentLog) *detector.Detector {
	dc := cfg.Detector
	return detector.New(log, detector.Config{
		MinHistory:        dc.MinHistory,
		WeightScore:       dc.WeightScore,
		WeightMahalanobis: dc.WeightMahalanobis,
		Forest:            ml.ForestConfig{Trees: dc.Trees, MaxSamples: dc.MaxSamples, Seed: dc.Seed},
		NotifyThreshold:   cfg.SlackThreshold(),
	}, cfg.Data.History, cfg.Data.Alerts, n, sent)
}

func New(cfg *config.Config, log *logger.Logger, db *store.Store, opts ...Option) (*Pipeline, error) {
	excl, err := rules.New(cfg.Ingest.Exclude)
	if err != nil { return nil, fmt.Errorf("exclude rules: %w", err) }
	if f := cfg.Ingest.ExcludeFile; f != "" {
		more, err := rules.LoadFromFile(f)
		if err != nil { return nil, fmt.Errorf("exclude rules %s: %w", f, err) }
		excl.Items = append(excl.Items, more.Items...)
	}

	states := state.NewFileStore(cfg.Data.State, log)
	p := &Pipeline{
		cfg:    cfg,
		log:    log,
		clock:  clockwork.NewRealClock(),
		db:     db,
		states: states,
		parser: ingest.NewParser(excl),
		ingest: ingest.New(log, db),
		builder: features.NewBuilder(log, features.Config{
			Bucket: cfg.Features.Bucket, Epsilon: cfg.Features.Epsilon,
		}, cfg.Data.Features, states),
	}
	var n detector.Notifier
	if cfg.Slack.Enabled {
		n = notify.NewSlack(true, cfg.Slack.Webhook)
	}
	p.detector = newDetector(cfg, log, n, db)
	if cfg.Router.Enabled {
		p.puller = retrieve.New(log, cfg)
	}
	for _, o := range opts { o(p) }
	return p, nil
}

// Refresh runs one full cycle. Concurrent callers share a single run and all
// receive its result.
func (p *Pipeline) Refresh(ctx context.Context) (store.Run, error) {
	v, err, shared := p.group.Do("refresh", func() (any, error) {
		p.running.Store(true)
		defer p.running.Store(false)
		return p.refresh(ctx)
	})
	if shared {
		p.log.Debug().Msg("joined in-flight refresh")
	}
	return v.(store.Run), err
}

func (p *Pipeline) refresh(ctx context.Context) (store.Run, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Refresh", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	run := store.Run{Started: p.clock.Now().UTC()}
	err := p.cycle(ctx, &run)
	run.Finished = p.clock.Now().UTC()
	metrics.RefreshDuration.Observe(run.Finished.Sub(run.Started).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		run.Error = err.Error()
		span.RecordError(err)
		p.log.Error().Err(err).Msg("refresh failed")
	}
	metrics.Refreshes.WithLabelValues(result).Inc()
	span.SetAttributes(attribute.Int("events", run.EventsAdded), attribute.Int("rows", run.RowsAppended))

	if perr := p.db.PutRun(run); perr != nil {
		p.log.Error().Err(perr).Msg("record run")
	}
	if err == nil {
		p.log.Info().Int("events", run.EventsAdded).Int("rows", run.RowsAppended).Int("devices", run.Devices).
			Str("top_device", run.TopDevice).Float64("top_score", run.TopScore).
			Dur("took", run.Finished.Sub(run.Started)).Msg("refresh done")
	}
	return run, err
}

func (p *Pipeline) cycle(ctx context.Context, run *store.Run) error {
	if p.puller != nil {
		n, err := p.puller.Pull(ctx, p.cfg.Data.Querylog)
		if err != nil { return fmt.Errorf("retrieve: %w", err) }
		run.PulledBytes = n
	}

	st := p.states.Load()
	evs, stats, err := p.parser.ParseFile(p.cfg.Data.Querylog)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.log.Warn().Str("path", p.cfg.Data.Querylog).Msg("no local query log, scoring stored events only")
	case err != nil:
		return fmt.Errorf("parse query log: %w", err)
	}
	run.Parsed, run.Excluded = stats.Parsed, stats.Excluded

	if run.EventsAdded, err = p.ingest.Append(evs, st); err != nil { return err }

	rows, err := p.buildWindows(ctx, st)
	run.RowsAppended = rows
	if err != nil { return err }

	res, err := p.detector.Detect(ctx, p.cfg.Data.Features)
	if err != nil { return fmt.Errorf("detect: %w", err) }
	run.Devices, run.Skipped = len(res.Alerts), len(res.Skipped)
	if len(res.Alerts) > 0 {
		run.TopDevice, run.TopScore = res.Alerts[0].ClientIP, res.Alerts[0].CombinedScore
	}

	if p.cfg.Retention.OnRefresh {
		if _, _, err := p.Compact(ctx); err != nil { return err }
	}
	return nil
}

func (p *Pipeline) buildWindows(ctx context.Context, st *state.State) (int, error) {
	all, err := p.db.Events()
	if err != nil { return 0, fmt.Errorf("load events: %w", err) }
	n, err := p.builder.BuildWindows(ctx, all, st)
	if err != nil { return n, fmt.Errorf("build features: %w", err) }
	return n, nil
}

// Build extends the feature table from the stored events without pulling or
// ingesting anything.
func (p *Pipeline) Build(ctx context.Context) (int, error) {
	return p.buildWindows(ctx, p.states.Load())
}

// Detect rescores the current feature table.
func (p *Pipeline) Detect(ctx context.Context) (detector.Result, error) {
	return p.detector.Detect(ctx, p.cfg.Data.Features)
}

// Ingest parses path and stores its new events.
func (p *Pipeline) Ingest(path string) (int, ingest.Stats, error) {
	evs, stats, err := p.parser.ParseFile(path)
	if err != nil { return 0, stats, err }
	st := p.states.Load()
	n, err := p.ingest.Append(evs, st)
	if err != nil { return 0, stats, err }
	return n, stats, p.states.Save(st)
}

// Compact applies the retention settings to the first-seen table and the
// event store.
func (p *Pipeline) Compact(ctx context.Context) (pairs, events int, err error) {
	_, span := tracer.Start(ctx, "pipeline.Compact")
	defer span.End()

	now := p.clock.Now().UTC()
	if r := p.cfg.Retention.FirstSeen; r > 0 {
		st := p.states.Load()
		pairs = st.Compact(r, now)
		// saved even when nothing was dropped so the new cutoff sticks
		if err := p.states.Save(st); err != nil { return 0, 0, fmt.Errorf("save state: %w", err) }
	}
	if r := p.cfg.Retention.Events; r > 0 {
		if events, err = p.db.PruneEventsBefore(now.Add(-r)); err != nil {
			return pairs, 0, fmt.Errorf("prune events: %w", err)
		}
	}
	if pairs > 0 || events > 0 {
		p.log.Info().Int("first_seen_pairs", pairs).Int("events", events).Msg("compacted")
	}
	return pairs, events, nil
}

// Status is a snapshot of the pipeline for the API.
type Status struct {
	Running          bool       `json:"running"`
	Events           int        `json:"events"`
	FirstSeenPairs   int        `json:"firstSeenPairs"`
	LastIngestedTime *time.Time `json:"lastIngestedTime"`
	LastWindowMinute *time.Time `json:"lastWindowMinute"`
	LastRun          *store.Run `json:"lastRun"`
	RouterEnabled    bool       `json:"routerEnabled"`
}

func (p *Pipeline) Status() (Status, error) {
	st := p.states.Load()
	s := Status{
		Running:          p.running.Load(),
		FirstSeenPairs:   st.Pairs(),
		LastIngestedTime: st.LastIngestedTime,
		LastWindowMinute: st.LastWindowMinute,
		RouterEnabled:    p.puller != nil,
	}
	var err error
	if s.Events, err = p.db.CountEvents(); err != nil { return s, err }
	last, ok, err := p.db.LastRun()
	if err != nil { return s, err }
	if ok { s.LastRun = &last }
	return s, nil
}

// Runs lists past refreshes, newest first.
func (p *Pipeline) Runs(limit int) ([]store.Run, error) { return p.db.ListRuns(limit) }

func (p *Pipeline) Config() *config.Config { return p.cfg }
