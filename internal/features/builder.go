package features

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/metrics"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/state"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/table"
)

var tracer = otel.Tracer("features")

// StateSaver persists the state once the feature table write succeeded.
type StateSaver interface {
	Save(*state.State) error
}

type Builder struct {
	log    *logger.Logger
	cfg    Config
	path   string // feature table
	states StateSaver
}

func NewBuilder(log *logger.Logger, cfg Config, featurePath string, states StateSaver) *Builder {
	return &Builder{log: log, cfg: cfg.withDefaults(), path: featurePath, states: states}
}

// BuildWindows folds events into the feature table and returns how many rows
// were written. Table first, state last: if the process dies in between, the
// next run rebuilds the same windows from an older watermark instead of
// skipping any.
func (b *Builder) BuildWindows(ctx context.Context, events []model.Event, st *state.State) (int, error) {
	_, span := tracer.Start(ctx, "features.BuildWindows")
	defer span.End()

	if st.LastWindowMinute != nil {
		if _, err := os.Stat(b.path); errors.Is(err, fs.ErrNotExist) {
			b.log.Warn().Str("path", b.path).Msg("feature table missing, rebuilding from scratch")
			st.LastWindowMinute = nil
		}
	}

	res := Compute(events, st, b.cfg)
	span.SetAttributes(
		attribute.String("mode", string(res.Mode)),
		attribute.Int("events", len(events)),
		attribute.Int("rows", len(res.Rows)),
	)

	if len(res.Rows) > 0 {
		var err error
		if res.Mode == ModeBatch {
			err = table.RewriteFeatures(b.path, res.Rows)
		} else {
			err = table.AppendFeatures(b.path, res.Rows)
		}
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("write feature table: %w", err)
		}
		st.AdvanceWindow(res.MaxWindow)
	}

	if err := b.states.Save(st); err != nil {
		span.RecordError(err)
		return len(res.Rows), fmt.Errorf("save state: %w", err)
	}

	metrics.WindowsAppended.WithLabelValues(string(res.Mode)).Add(float64(len(res.Rows)))
	ev := b.log.Info().Str("mode", string(res.Mode)).Int("events", len(events)).
		Int("rows", len(res.Rows)).Int("new_pairs", res.NewPairs).Int("first_seen", st.Pairs())
	if st.LastWindowMinute != nil {
		ev = ev.Time("watermark", *st.LastWindowMinute)
	}
	ev.Msg("feature windows built")
	return len(res.Rows), nil
}
