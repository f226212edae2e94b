package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/config"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/table"
)

var t0 = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

// querylog renders NDJSON records: qpm[i] queries for dev in minute i.
func querylog(dev string, qpm ...int) string {
	var sb strings.Builder
	for m, n := range qpm {
		for i := 0; i < n; i++ {
			ts := t0.Add(time.Duration(m)*time.Minute + time.Duration(i)*time.Second)
			fmt.Fprintf(&sb, `{"T":%q,"IP":%q,"QH":"host%d.example.com","QT":"A"}`+"\n",
				ts.Format(time.RFC3339Nano), dev, i%4)
		}
	}
	return sb.String()
}

type filePuller struct {
	body  string
	err   error
	calls int
}

func (f *filePuller) Pull(_ context.Context, dst string) (int64, error) {
	f.calls++
	if f.err != nil { return 0, f.err }
	return int64(len(f.body)), os.WriteFile(dst, []byte(f.body), 0o644)
}

func setup(t *testing.T, pl Puller) (*Pipeline, *config.Config, clockwork.FakeClock) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	cfg.Data.Querylog = filepath.Join(dir, "querylog.json")
	cfg.Data.State = filepath.Join(dir, "state.json")
	cfg.Data.Features = filepath.Join(dir, "features.csv")
	cfg.Data.History = filepath.Join(dir, "history.csv")
	cfg.Data.Alerts = filepath.Join(dir, "alerts.csv")
	cfg.Detector.Trees = 20

	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(t0.Add(time.Hour))
	p, err := New(cfg, logger.Nop(), db, WithClock(clock), WithPuller(pl))
	require.NoError(t, err)
	return p, cfg, clock
}

func TestRefresh_EndToEnd(t *testing.T) {
	body := querylog("192.168.1.10", 10, 10, 10, 10, 50) +
		querylog("192.168.1.11", 8, 9, 8, 9, 8) +
		querylog("192.168.1.12", 3)
	pl := &filePuller{body: body}
	p, cfg, clock := setup(t, pl)
	ctx := context.Background()

	run, err := p.Refresh(ctx)
	require.NoError(t, err)
	require.Empty(t, run.Error)
	require.Equal(t, 1, pl.calls)
	require.EqualValues(t, len(body), run.PulledBytes)
	require.Equal(t, 10*4+50+8*3+9*2+3, run.EventsAdded)
	require.Equal(t, 11, run.RowsAppended)
	require.Equal(t, 2, run.Devices)
	require.Equal(t, 1, run.Skipped)
	require.NotEmpty(t, run.TopDevice)

	alerts, err := table.ReadScored(cfg.Data.Alerts)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		require.GreaterOrEqual(t, a.CombinedScore, 0.0)
		require.LessOrEqual(t, a.CombinedScore, 1.0)
	}
	history, err := table.ReadScored(cfg.Data.History)
	require.NoError(t, err)
	require.Len(t, history, 10)

	// same tail again: nothing new to store or append
	clock.Advance(5 * time.Minute)
	run, err = p.Refresh(ctx)
	require.NoError(t, err)
	require.Zero(t, run.EventsAdded)
	require.Zero(t, run.RowsAppended)
	require.Equal(t, 2, run.Devices)

	st, err := p.Status()
	require.NoError(t, err)
	require.False(t, st.Running)
	require.Equal(t, 10*4+50+8*3+9*2+3, st.Events)
	require.NotNil(t, st.LastRun)
	require.True(t, st.LastRun.Started.Equal(t0.Add(time.Hour+5*time.Minute)))
	require.True(t, st.LastWindowMinute.Equal(t0.Add(4*time.Minute)))

	runs, err := p.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestRefresh_PullErrorIsRecorded(t *testing.T) {
	p, _, _ := setup(t, &filePuller{err: errors.New("router unreachable")})
	_, err := p.Refresh(context.Background())
	require.ErrorContains(t, err, "router unreachable")

	runs, err := p.Runs(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Contains(t, runs[0].Error, "router unreachable")
}

func TestRefresh_NoRouterNoLog(t *testing.T) {
	p, cfg, _ := setup(t, nil)
	run, err := p.Refresh(context.Background())
	require.NoError(t, err)
	require.Zero(t, run.EventsAdded)
	require.Zero(t, run.Devices)

	// outputs exist even with nothing to score
	_, err = os.Stat(cfg.Data.Alerts)
	require.NoError(t, err)
	_, err = os.Stat(cfg.Data.History)
	require.NoError(t, err)
}

func TestIngestThenBuildAndDetect(t *testing.T) {
	p, cfg, _ := setup(t, nil)
	src := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(src, []byte(querylog("10.0.0.5", 2, 3, 4)), 0o644))

	n, stats, err := p.Ingest(src)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, 9, stats.Parsed)

	rows, err := p.Build(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rows)

	res, err := p.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)

	feats, _, err := table.ReadFeatures(cfg.Data.Features)
	require.NoError(t, err)
	require.Len(t, feats, 3)
}

func TestCompact(t *testing.T) {
	p, cfg, clock := setup(t, &filePuller{body: querylog("10.0.0.5", 2, 3)})
	cfg.Retention.FirstSeen = 24 * time.Hour
	cfg.Retention.Events = 24 * time.Hour
	_, err := p.Refresh(context.Background())
	require.NoError(t, err)

	pairs, events, err := p.Compact(context.Background())
	require.NoError(t, err)
	require.Zero(t, pairs)
	require.Zero(t, events)

	clock.Advance(48 * time.Hour)
	pairs, events, err = p.Compact(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, pairs, "host0..host2 were seen")
	require.Equal(t, 5, events)

	st, err := p.Status()
	require.NoError(t, err)
	require.Zero(t, st.FirstSeenPairs)
	require.Zero(t, st.Events)
}

func TestCompact_SurvivesNextBuild(t *testing.T) {
	p, cfg, clock := setup(t, &filePuller{body: querylog("10.0.0.5", 2, 3)})
	cfg.Retention.FirstSeen = 24 * time.Hour // raw events are kept forever
	_, err := p.Refresh(context.Background())
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	pairs, events, err := p.Compact(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, pairs)
	require.Zero(t, events)

	_, err = p.Build(context.Background())
	require.NoError(t, err)
	st, err := p.Status()
	require.NoError(t, err)
	require.Zero(t, st.FirstSeenPairs)
	require.Equal(t, 5, st.Events)
}

func TestNew_ExcludeFileIsMerged(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "exclude.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte("- name: host0\n  pattern: '^host0\\.'\n"), 0o644))

	cfg, err := config.Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	cfg.Ingest.ExcludeFile = rulesPath
	cfg.Data.State = filepath.Join(dir, "state.json")
	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := New(cfg, logger.Nop(), db)
	require.NoError(t, err)
	src := filepath.Join(dir, "q.json")
	require.NoError(t, os.WriteFile(src, []byte(querylog("10.0.0.7", 4)), 0o644))
	n, stats, err := p.Ingest(src)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Excluded)
	require.Equal(t, 3, n)

	cfg.Ingest.ExcludeFile = filepath.Join(dir, "missing.yaml")
	_, err = New(cfg, logger.Nop(), db)
	require.Error(t, err)
}

type notes struct{ texts []string }

func (n *notes) Send(text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func TestRefresh_NotifiesOverThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	cfg.Data.Querylog = filepath.Join(dir, "querylog.json")
	cfg.Data.State = filepath.Join(dir, "state.json")
	cfg.Data.Features = filepath.Join(dir, "features.csv")
	cfg.Data.History = filepath.Join(dir, "history.csv")
	cfg.Data.Alerts = filepath.Join(dir, "alerts.csv")
	zero := 0.0
	cfg.Slack.Threshold = &zero // every scored device
	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	n := &notes{}
	pl := &filePuller{body: querylog("10.0.0.1", 3, 4) + querylog("10.0.0.2", 1, 1, 6)}
	p, err := New(cfg, logger.Nop(), db, WithPuller(pl), WithNotifier(n))
	require.NoError(t, err)

	run, err := p.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, run.Devices)
	require.Len(t, n.texts, 2)
	require.Contains(t, n.texts[0], run.TopDevice)

	// same windows on the next tick: nothing is re-sent
	_, err = p.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, n.texts, 2)
}
