// Package features turns canonical DNS events into per-device, per-bucket
// statistical summaries and appends them to the feature table.
//
// The builder is incremental: a window watermark in the persisted state marks
// the newest bucket already written, and later runs only emit buckets strictly
// after it. Without a watermark the whole event history is (re)built.
package features

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/state"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/util"
)

type Mode string

const (
	ModeBatch       Mode = "batch"
	ModeIncremental Mode = "incremental"
)

type Config struct {
	Bucket  time.Duration // window width, default one minute
	Epsilon float64       // additive smoothing for KL divergence
}

func (c Config) withDefaults() Config {
	if c.Bucket <= 0 { c.Bucket = time.Minute }
	if c.Epsilon <= 0 { c.Epsilon = 1e-7 }
	return c
}

// Result is what one Compute call produced.
type Result struct {
	Mode      Mode
	Rows      []model.FeatureRow
	MaxWindow time.Time // zero when Rows is empty
	NewPairs  int       // first-seen entries added
}

type windowKey struct {
	device string
	minute time.Time
}

// Compute builds feature rows from the full event history. It extends
// st.DomainFirstSeen but leaves the watermarks alone; the caller advances them
// once the rows are safely written.
func Compute(events []model.Event, st *state.State, cfg Config) Result {
	cfg = cfg.withDefaults()
	res := Result{Mode: ModeBatch}
	var watermark time.Time
	if st.LastWindowMinute != nil {
		res.Mode = ModeIncremental
		watermark = *st.LastWindowMinute
	}

	evs := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Valid() { evs = append(evs, ev) }
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Time.Before(evs[j].Time) })

	// first-seen and baseline both look at everything we have; RecordSeen ignores
	// sightings older than the compaction cutoff
	baseline := map[string]map[string]int{}
	baselineN := map[string]int{}
	for _, ev := range evs {
		if st.RecordSeen(ev.ClientIP, ev.Domain, ev.Time) { res.NewPairs++ }
		b := baseline[ev.ClientIP]
		if b == nil {
			b = map[string]int{}
			baseline[ev.ClientIP] = b
		}
		b[ev.Domain]++
		baselineN[ev.ClientIP]++
	}

	groups := map[windowKey][]model.Event{}
	for _, ev := range evs {
		k := windowKey{ev.ClientIP, util.Floor(ev.Time, cfg.Bucket)}
		if res.Mode == ModeIncremental && !k.minute.After(watermark) { continue }
		groups[k] = append(groups[k], ev)
	}

	keys := make([]windowKey, 0, len(groups))
	for k := range groups { keys = append(keys, k) }
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].device != keys[j].device { return keys[i].device < keys[j].device }
		return keys[i].minute.Before(keys[j].minute)
	})

	for _, k := range keys {
		row := summarize(k, groups[k], st, baseline[k.device], baselineN[k.device], cfg.Epsilon)
		res.Rows = append(res.Rows, row)
		if k.minute.After(res.MaxWindow) { res.MaxWindow = k.minute }
	}
	return res
}

func summarize(k windowKey, evs []model.Event, st *state.State, base map[string]int, baseN int, eps float64) model.FeatureRow {
	n := len(evs)
	counts := map[string]int{}
	lens := make([]float64, n)
	newHits := 0
	for i, ev := range evs {
		counts[ev.Domain]++
		lens[i] = float64(utf8.RuneCountInString(ev.Domain))
		if first, ok := st.FirstSeen(ev.ClientIP, ev.Domain); ok && first.Equal(ev.Time) {
			newHits++
		}
	}

	names := sortedNames(counts)
	top := 0
	probs := make([]float64, len(names))
	for i, name := range names {
		c := counts[name]
		if c > top { top = c }
		probs[i] = float64(c) / float64(n)
	}

	mean, std := stat.MeanStdDev(lens, nil)
	if n < 2 || math.IsNaN(std) { std = 0 }

	return model.FeatureRow{
		ClientIP:       k.device,
		Minute:         k.minute,
		QPM:            n,
		Uniq:           len(counts),
		AvgLen:         mean,
		LenStd:         std,
		TopDomainRatio: float64(top) / float64(n),
		ShannonEntropy: Entropy(probs),
		NewDomainRatio: float64(newHits) / float64(n),
		KLDivergence:   KLDivergence(counts, base, n, baseN, eps),
	}
}

// Entropy is the base-2 Shannon entropy of a probability vector.
func Entropy(p []float64) float64 {
	h := stat.Entropy(p) / math.Ln2
	if h <= 0 { return 0 } // also folds -0
	return h
}

// KLDivergence computes D(window || baseline) in nats over the union of names,
// after adding eps to every probability on both sides and renormalizing.
func KLDivergence(window, baseline map[string]int, windowN, baselineN int, eps float64) float64 {
	if windowN == 0 || baselineN == 0 { return 0 }
	union := make(map[string]int, len(baseline)+len(window))
	for name := range baseline { union[name] = 0 }
	for name := range window { union[name] = 0 }
	names := sortedNames(union)

	p := make([]float64, len(names))
	q := make([]float64, len(names))
	for i, name := range names {
		p[i] = float64(window[name])/float64(windowN) + eps
		q[i] = float64(baseline[name])/float64(baselineN) + eps
	}
	floats.Scale(1/floats.Sum(p), p)
	floats.Scale(1/floats.Sum(q), q)
	kl := stat.KullbackLeibler(p, q)
	if kl < 0 { return 0 } // rounding only
	return kl
}

func sortedNames(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m { out = append(out, k) }
	sort.Strings(out)
	return out
}
