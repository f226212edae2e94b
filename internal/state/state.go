// Package state persists the incremental-processing watermarks and the
// per-device first-seen table between refresh runs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/util"
)

// State is loaded at the start of a run and saved at the end of it.
type State struct {
	// LastIngestedTime is the newest raw event already copied into the event store.
	LastIngestedTime *time.Time
	// LastWindowMinute is the newest bucket already in the feature table. Nil means
	// there is no usable history and the builder runs in batch mode.
	LastWindowMinute *time.Time
	// DomainFirstSeen maps device -> queried name -> earliest timestamp.
	DomainFirstSeen map[string]map[string]time.Time
	// FirstSeenCutoff is the newest compaction horizon. Sightings before it are
	// never recorded again, so compacted entries stay gone.
	FirstSeenCutoff *time.Time
}

func New() *State {
	return &State{DomainFirstSeen: map[string]map[string]time.Time{}}
}

// AdvanceWindow moves the window watermark forward; it never moves back.
func (s *State) AdvanceWindow(t time.Time) {
	if s.LastWindowMinute == nil || t.After(*s.LastWindowMinute) {
		t = t.UTC()
		s.LastWindowMinute = &t
	}
}

// AdvanceIngested moves the ingestion watermark forward; it never moves back.
func (s *State) AdvanceIngested(t time.Time) {
	if s.LastIngestedTime == nil || t.After(*s.LastIngestedTime) {
		t = t.UTC()
		s.LastIngestedTime = &t
	}
}

// FirstSeen returns the recorded first-seen instant for (device, domain).
func (s *State) FirstSeen(device, domain string) (time.Time, bool) {
	t, ok := s.DomainFirstSeen[device][domain]
	return t, ok
}

// RecordSeen stores ts as first-seen unless the pair is already known or ts
// is older than the compaction cutoff. Reports whether the entry was added.
func (s *State) RecordSeen(device, domain string, ts time.Time) bool {
	if s.FirstSeenCutoff != nil && ts.Before(*s.FirstSeenCutoff) { return false }
	if s.DomainFirstSeen == nil { s.DomainFirstSeen = map[string]map[string]time.Time{} }
	m := s.DomainFirstSeen[device]
	if m == nil {
		m = map[string]time.Time{}
		s.DomainFirstSeen[device] = m
	}
	if _, ok := m[domain]; ok { return false }
	m[domain] = ts.UTC()
	return true
}

// Pairs counts (device, domain) entries in the first-seen table.
func (s *State) Pairs() int {
	n := 0
	for _, m := range s.DomainFirstSeen { n += len(m) }
	return n
}

// Compact drops first-seen entries older than now-retention and raises the
// cutoff to that instant. A name that comes back after being compacted is
// recorded at its first sighting past the cutoff, so it counts as new again.
func (s *State) Compact(retention time.Duration, now time.Time) int {
	if retention <= 0 { return 0 }
	cut := now.Add(-retention).UTC()
	if s.FirstSeenCutoff == nil || cut.After(*s.FirstSeenCutoff) {
		s.FirstSeenCutoff = &cut
	}
	n := 0
	for dev, m := range s.DomainFirstSeen {
		for dom, ts := range m {
			if ts.Before(cut) {
				delete(m, dom)
				n++
			}
		}
		if len(m) == 0 { delete(s.DomainFirstSeen, dev) }
	}
	return n
}

type wireState struct {
	LastIngestedTime *string                      `json:"last_ingested_time"`
	LastWindowMinute *string                      `json:"last_window_minute"`
	DomainFirstSeen  map[string]map[string]string `json:"domain_first_seen"`
	FirstSeenCutoff  *string                      `json:"first_seen_cutoff,omitempty"`
}

func fmtPtr(t *time.Time) *string {
	if t == nil { return nil }
	s := util.FormatTime(*t)
	return &s
}

func parsePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" { return nil, nil }
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil { return nil, err }
	t = t.UTC()
	return &t, nil
}

func (s *State) MarshalJSON() ([]byte, error) {
	w := wireState{
		LastIngestedTime: fmtPtr(s.LastIngestedTime),
		LastWindowMinute: fmtPtr(s.LastWindowMinute),
		DomainFirstSeen:  make(map[string]map[string]string, len(s.DomainFirstSeen)),
		FirstSeenCutoff:  fmtPtr(s.FirstSeenCutoff),
	}
	for dev, m := range s.DomainFirstSeen {
		out := make(map[string]string, len(m))
		for dom, ts := range m { out[dom] = util.FormatTime(ts) }
		w.DomainFirstSeen[dev] = out
	}
	return json.Marshal(w)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var w wireState
	if err := json.Unmarshal(b, &w); err != nil { return err }
	var err error
	if s.LastIngestedTime, err = parsePtr(w.LastIngestedTime); err != nil {
		return fmt.Errorf("last_ingested_time: %w", err)
	}
	if s.LastWindowMinute, err = parsePtr(w.LastWindowMinute); err != nil {
		return fmt.Errorf("last_window_minute: %w", err)
	}
	if s.FirstSeenCutoff, err = parsePtr(w.FirstSeenCutoff); err != nil {
		return fmt.Errorf("first_seen_cutoff: %w", err)
	}
	s.DomainFirstSeen = make(map[string]map[string]time.Time, len(w.DomainFirstSeen))
	for dev, m := range w.DomainFirstSeen {
		in := make(map[string]time.Time, len(m))
		for dom, raw := range m {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil { return fmt.Errorf("domain_first_seen[%s][%s]: %w", dev, dom, err) }
			in[dom] = ts.UTC()
		}
		s.DomainFirstSeen[dev] = in
	}
	return nil
}

// FileStore keeps the state as one JSON document on local disk.
type FileStore struct {
	path string
	log  *logger.Logger
}

func NewFileStore(path string, log *logger.Logger) *FileStore {
	return &FileStore{path: path, log: log}
}

// Load never fails: a missing or unreadable file yields an empty state, which
// makes the next build run in batch mode.
func (f *FileStore) Load() *State {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.log.Warn().Err(err).Str("path", f.path).Msg("state unreadable, starting fresh")
		}
		return New()
	}
	st := New()
	if err := json.Unmarshal(b, st); err != nil {
		f.log.Warn().Err(err).Str("path", f.path).Msg("state corrupt, starting fresh")
		return New()
	}
	return st
}

// Save writes to a temp file in the same directory and renames it over the old one.
func (f *FileStore) Save(st *State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil { return err }
	return util.WriteFileAtomic(f.path, b)
}
