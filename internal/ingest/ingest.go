package ingest

import (
	"fmt"
	"sort"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/metrics"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/state"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
)

// Ingest copies freshly parsed events into the event store. The router log is
// re-pulled as a tail on every refresh, so most of each batch was seen before;
// only events strictly newer than the ingestion watermark are kept.
type Ingest struct {
	log *logger.Logger
	db  *store.Store
}

func New(log *logger.Logger, db *store.Store) *Ingest { return &Ingest{log: log, db: db} }

// Append stores the new part of evs and advances st.LastIngestedTime. The
// watermark is the later of the saved state and the newest stored event, so a
// run that died before saving state does not store the same events twice.
func (i *Ingest) Append(evs []model.Event, st *state.State) (int, error) {
	newest, ok, err := i.db.NewestEventTime()
	if err != nil { return 0, fmt.Errorf("read event watermark: %w", err) }
	if ok { st.AdvanceIngested(newest) }

	fresh := make([]model.Event, 0, len(evs))
	for _, ev := range evs {
		if st.LastIngestedTime == nil || ev.Time.After(*st.LastIngestedTime) {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) == 0 {
		i.log.Debug().Int("seen", len(evs)).Msg("no new events")
		return 0, nil
	}
	sort.SliceStable(fresh, func(a, b int) bool { return fresh[a].Time.Before(fresh[b].Time) })
	if err := i.db.PutEvents(fresh); err != nil { return 0, fmt.Errorf("store events: %w", err) }

	st.AdvanceIngested(fresh[len(fresh)-1].Time)
	metrics.EventsStored.Add(float64(len(fresh)))
	i.log.Info().Int("seen", len(evs)).Int("stored", len(fresh)).Time("watermark", *st.LastIngestedTime).Msg("events ingested")
	return len(fresh), nil
}
