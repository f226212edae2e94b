package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
)

func TestFileStore_LoadMissingIsEmpty(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "state.json"), logger.Nop())
	st := fs.Load()
	require.Nil(t, st.LastWindowMinute)
	require.Nil(t, st.LastIngestedTime)
	require.Empty(t, st.DomainFirstSeen)
}

func TestFileStore_LoadCorruptIsEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o600))

	st := NewFileStore(p, logger.Nop()).Load()
	require.Nil(t, st.LastWindowMinute)
	require.Equal(t, 0, st.Pairs())
}

func TestFileStore_LoadBadTimestampIsEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"last_window_minute":"yesterday"}`), 0o600))

	st := NewFileStore(p, logger.Nop()).Load()
	require.Nil(t, st.LastWindowMinute)
}

func TestFileStore_RoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "state.json")
	fs := NewFileStore(p, logger.Nop())

	win := time.Date(2024, 3, 10, 12, 5, 0, 0, time.UTC)
	ing := time.Date(2024, 3, 10, 12, 5, 59, 123456789, time.UTC)
	st := New()
	st.AdvanceWindow(win)
	st.AdvanceIngested(ing)
	st.RecordSeen("192.168.8.10", "example.com", ing)
	require.NoError(t, fs.Save(st))

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"last_window_minute": "2024-03-10T12:05:00.000000000Z"`)
	require.Contains(t, string(raw), `"2024-03-10T12:05:59.123456789Z"`)

	got := fs.Load()
	require.True(t, got.LastWindowMinute.Equal(win))
	require.True(t, got.LastIngestedTime.Equal(ing))
	seen, ok := got.FirstSeen("192.168.8.10", "example.com")
	require.True(t, ok)
	require.True(t, seen.Equal(ing))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
}

func TestFileStore_NullWatermarks(t *testing.T) {
	p := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, NewFileStore(p, logger.Nop()).Save(New()))

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"last_window_minute": null`)
}

func TestState_WatermarksOnlyMoveForward(t *testing.T) {
	st := New()
	t1 := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	st.AdvanceWindow(t1)
	st.AdvanceWindow(t1.Add(-time.Minute))
	require.True(t, st.LastWindowMinute.Equal(t1))

	st.AdvanceIngested(t1)
	st.AdvanceIngested(t1.Add(-time.Hour))
	require.True(t, st.LastIngestedTime.Equal(t1))
}

func TestState_RecordSeenKeepsFirst(t *testing.T) {
	st := New()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, st.RecordSeen("a", "x.com", t1))
	require.False(t, st.RecordSeen("a", "x.com", t1.Add(time.Hour)))
	got, _ := st.FirstSeen("a", "x.com")
	require.True(t, got.Equal(t1))
}

func TestState_Compact(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	st := New()
	st.RecordSeen("a", "old.com", now.Add(-40*24*time.Hour))
	st.RecordSeen("a", "new.com", now.Add(-time.Hour))
	st.RecordSeen("b", "old.com", now.Add(-31*24*time.Hour))

	require.Equal(t, 0, st.Compact(0, now))
	require.Equal(t, 2, st.Compact(30*24*time.Hour, now))
	require.Equal(t, 1, st.Pairs())
	_, ok := st.DomainFirstSeen["b"]
	require.False(t, ok)
}

func TestState_CompactedPairsStayGone(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	st := New()
	st.RecordSeen("a", "x.com", old)

	require.Equal(t, 1, st.Compact(24*time.Hour, now))
	require.NotNil(t, st.FirstSeenCutoff)
	require.True(t, st.FirstSeenCutoff.Equal(now.Add(-24*time.Hour)))

	// a rescan of the same stored events must not bring the pair back
	require.False(t, st.RecordSeen("a", "x.com", old))
	require.Equal(t, 0, st.Pairs())

	// a sighting past the cutoff is new again
	back := now.Add(-time.Hour)
	require.True(t, st.RecordSeen("a", "x.com", back))
	got, _ := st.FirstSeen("a", "x.com")
	require.True(t, got.Equal(back))

	// an older horizon never moves the cutoff back
	st.Compact(72*time.Hour, now)
	require.True(t, st.FirstSeenCutoff.Equal(now.Add(-24*time.Hour)))
}

func TestFileStore_CutoffRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "state.json")
	fs := NewFileStore(p, logger.Nop())
	st := New()
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	st.Compact(time.Hour, now)
	require.NoError(t, fs.Save(st))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Contains(t, string(b), `"first_seen_cutoff"`)

	got := fs.Load()
	require.NotNil(t, got.FirstSeenCutoff)
	require.True(t, got.FirstSeenCutoff.Equal(now.Add(-time.Hour)))
}
