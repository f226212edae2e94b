package detector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/metrics"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/ml"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/notify"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/table"
)

var tracer = otel.Tracer("detector")

type Config struct {
	MinHistory        int // devices with fewer windows are not scored
	WeightScore       float64
	WeightMahalanobis float64
	Forest            ml.ForestConfig
	NotifyThreshold   float64 // combined_score at or above this is sent to the notifier
}

func (c Config) withDefaults() Config {
	if c.MinHistory <= 0 { c.MinHistory = 2 }
	if c.WeightScore <= 0 && c.WeightMahalanobis <= 0 {
		c.WeightScore, c.WeightMahalanobis = 0.5, 0.5
	}
	return c
}

// Result is one scoring pass over the feature table.
type Result struct {
	History []model.ScoredRow // every scored window, device then time order
	Alerts  []model.ScoredRow // latest window per device, combined_score descending
	Skipped []string          // devices under MinHistory
}

// Score fits the models on rows and fuses their outputs. It never fails: bad or
// thin input just yields fewer (or no) scored rows.
func Score(rows []model.FeatureRow, cfg Config) Result {
	cfg = cfg.withDefaults()
	var res Result

	byDevice := map[string]map[int64]model.FeatureRow{}
	for _, r := range rows {
		m := byDevice[r.ClientIP]
		if m == nil {
			m = map[int64]model.FeatureRow{}
			byDevice[r.ClientIP] = m
		}
		m[r.Minute.UnixNano()] = r // a re-written window replaces the older copy
	}
	devices := make([]string, 0, len(byDevice))
	for d := range byDevice { devices = append(devices, d) }
	sort.Strings(devices)

	var matrix [][]float64
	for _, dev := range devices {
		win := make([]model.FeatureRow, 0, len(byDevice[dev]))
		for _, r := range byDevice[dev] { win = append(win, r) }
		if len(win) < cfg.MinHistory {
			res.Skipped = append(res.Skipped, dev)
			continue
		}
		sort.Slice(win, func(i, j int) bool { return win[i].Minute.Before(win[j].Minute) })

		x := make([][]float64, len(win))
		for i, r := range win { x[i] = finite(r.Vector()) }
		scores := ml.FitForest(x, cfg.Forest).ScoreAll(x)
		dists := ml.Mahalanobis(x)
		for i, r := range win {
			res.History = append(res.History, model.ScoredRow{FeatureRow: r, Score: scores[i], Mahalanobis: dists[i]})
		}
		matrix = append(matrix, x...)
	}
	if len(res.History) == 0 { return res }

	raw := make([]float64, len(res.History))
	dist := make([]float64, len(res.History))
	for i, h := range res.History { raw[i], dist[i] = h.Score, h.Mahalanobis }
	ns, nm := ml.MinMax(raw), ml.MinMax(dist)
	pc1, pc2 := ml.Project2D(matrix)

	wsum := cfg.WeightScore + cfg.WeightMahalanobis
	for i := range res.History {
		h := &res.History[i]
		h.NormScore, h.NormMahalanobis = ns[i], nm[i]
		h.CombinedScore = (cfg.WeightScore*ns[i] + cfg.WeightMahalanobis*nm[i]) / wsum
		h.PC1, h.PC2 = pc1[i], pc2[i]
	}

	res.Alerts = latestPerDevice(res.History)
	return res
}

func latestPerDevice(history []model.ScoredRow) []model.ScoredRow {
	latest := map[string]model.ScoredRow{}
	for _, h := range history {
		if cur, ok := latest[h.ClientIP]; !ok || h.Minute.After(cur.Minute) {
			latest[h.ClientIP] = h
		}
	}
	out := make([]model.ScoredRow, 0, len(latest))
	for _, h := range latest { out = append(out, h) }
	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].ClientIP < out[j].ClientIP
	})
	return out
}

func finite(v []float64) []float64 {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) { v[i] = 0 }
	}
	return v
}

// Notifier receives a message for every alert over the threshold.
type Notifier interface {
	Send(text string) error
}

// SentLog remembers the newest window notified per device so a window is sent
// at most once, however many times it is rescored.
type SentLog interface {
	LastNotified(device string) (time.Time, bool, error)
	MarkNotified(device string, minute time.Time) error
}

// memSent is the SentLog used when none is given; it forgets on restart.
type memSent struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (m *memSent) LastNotified(device string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[device]
	return t, ok, nil
}

func (m *memSent) MarkNotified(device string, minute time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[device] = minute
	return nil
}

type Detector struct {
	log      *logger.Logger
	cfg      Config
	history  string
	alerts   string
	notifier Notifier
	sent     SentLog
}

// New builds a detector. A nil sent keeps the notified windows in memory.
func New(log *logger.Logger, cfg Config, historyPath, alertsPath string, n Notifier, sent SentLog) *Detector {
	if sent == nil { sent = &memSent{last: map[string]time.Time{}} }
	return &Detector{log: log, cfg: cfg.withDefaults(), history: historyPath, alerts: alertsPath, notifier: n, sent: sent}
}

// Detect scores the feature table at featurePath and replaces the history and
// alert tables. Both are written even when nothing could be scored.
func (d *Detector) Detect(ctx context.Context, featurePath string) (Result, error) {
	_, span := tracer.Start(ctx, "detector.Detect")
	defer span.End()

	rows, bad, err := table.ReadFeatures(featurePath)
	if err != nil {
		// unreadable counts as empty; the outputs still get written below
		d.log.Warn().Err(err).Str("path", featurePath).Msg("feature table unreadable")
		rows = nil
	}
	if bad > 0 {
		d.log.Warn().Int("rows", bad).Msg("skipped malformed feature rows")
	}

	res := Score(rows, d.cfg)
	span.SetAttributes(
		attribute.Int("rows", len(rows)),
		attribute.Int("scored", len(res.History)),
		attribute.Int("devices", len(res.Alerts)),
	)

	if err := table.WriteScoredFile(d.history, res.History); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("write history: %w", err)
	}
	if err := table.WriteScoredFile(d.alerts, res.Alerts); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("write alerts: %w", err)
	}

	metrics.DevicesScored.Set(float64(len(res.Alerts)))
	metrics.DevicesSkipped.Set(float64(len(res.Skipped)))
	top := 0.0
	if len(res.Alerts) > 0 { top = res.Alerts[0].CombinedScore }
	metrics.TopCombinedScore.Set(top)

	if len(res.Alerts) == 0 {
		d.log.Info().Int("rows", len(rows)).Int("skipped", len(res.Skipped)).
			Int("min_history", d.cfg.MinHistory).Msg("no device had enough history")
	} else {
		d.log.Info().Int("rows", len(rows)).Int("devices", len(res.Alerts)).Int("skipped", len(res.Skipped)).
			Str("top_device", res.Alerts[0].ClientIP).Float64("top_score", top).Msg("detection done")
	}
	for _, a := range res.Alerts {
		if a.CombinedScore < d.cfg.NotifyThreshold { break }
		d.raise(a)
	}
	return res, nil
}

func (d *Detector) raise(a model.ScoredRow) {
	last, ok, err := d.sent.LastNotified(a.ClientIP)
	if err != nil {
		d.log.Warn().Err(err).Str("device", a.ClientIP).Msg("notified window unreadable")
	}
	if ok && !a.Minute.After(last) { return }

	d.log.Warn().Str("device", a.ClientIP).Time("minute", a.Minute).
		Float64("combined", a.CombinedScore).Int("qpm", a.QPM).Msg("anomaly")
	if d.notifier == nil { return }
	if err := d.notifier.Send(notify.Format(a)); err != nil {
		// not marked, so the next run tries again
		d.log.Error().Err(err).Str("device", a.ClientIP).Msg("notify failed")
		return
	}
	if err := d.sent.MarkNotified(a.ClientIP, a.Minute); err != nil {
		d.log.Error().Err(err).Str("device", a.ClientIP).Msg("record notified window")
	}
}
