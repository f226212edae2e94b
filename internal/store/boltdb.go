package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/util"
)

var (
	bEvents = []byte("events")   // key=ts(fixed width):seq, val=json
	bRuns   = []byte("runs")     // key=ts(fixed width), val=json
	bSent   = []byte("notified") // key=device, val=ts of the last notified window
)

type Store struct{ db *bolt.DB }

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil { return nil, err }
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bEvents); e != nil { return e }
		if _, e := tx.CreateBucketIfNotExists(bRuns); e != nil { return e }
		if _, e := tx.CreateBucketIfNotExists(bSent); e != nil { return e }
		return nil
	})
	if err != nil { _ = db.Close(); return nil, err }
	return &Store{db: db}, nil
}
func (s *Store) Close() error { return s.db.Close() }

// -------- Raw query events --------

// PutEvents appends a batch in a single transaction.
func (s *Store) PutEvents(evs []model.Event) error {
	if len(evs) == 0 { return nil }
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bEvents)
		for _, ev := range evs {
			seq, err := b.NextSequence()
			if err != nil { return err }
			j, err := json.Marshal(ev)
			if err != nil { return err }
			if err := b.Put(eventKey(ev.Time, seq), j); err != nil { return err }
		}
		return nil
	})
}

// eventKey sorts by time first; the sequence keeps same-instant events apart.
func eventKey(ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", util.FormatTime(ts), seq))
}

// IterateEvents walks events oldest first until fn returns false.
func (s *Store) IterateEvents(fn func(ev model.Event) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev model.Event
			if json.Unmarshal(v, &ev) != nil { continue }
			if !fn(ev) { break }
		}
		return nil
	})
}

// Events loads the whole event history.
func (s *Store) Events() ([]model.Event, error) {
	var out []model.Event
	err := s.IterateEvents(func(ev model.Event) bool {
		out = append(out, ev)
		return true
	})
	return out, err
}

func (s *Store) CountEvents() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// PruneEventsBefore deletes events strictly older than cut and returns how many went.
func (s *Store) PruneEventsBefore(cut time.Time) (int, error) {
	limit := []byte(util.FormatTime(cut))
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bEvents)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil { return err }
		}
		n = len(stale)
		return nil
	})
	return n, err
}

// -------- Refresh runs --------

// Run is the outcome of one refresh cycle.
type Run struct {
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	PulledBytes  int64     `json:"pulledBytes"`
	Parsed       int       `json:"parsed"`
	Excluded     int       `json:"excluded"`
	EventsAdded  int       `json:"eventsAdded"`
	RowsAppended int       `json:"rowsAppended"`
	Devices      int       `json:"devices"`
	Skipped      int       `json:"skipped"`
	TopDevice    string    `json:"topDevice,omitempty"`
	TopScore     float64   `json:"topScore"`
	Error        string    `json:"error,omitempty"`
}

func (s *Store) PutRun(r Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, err := json.Marshal(r)
		if err != nil { return err }
		b := tx.Bucket(bRuns)
		seq, err := b.NextSequence()
		if err != nil { return err }
		return b.Put([]byte(fmt.Sprintf("%s:%020d", util.FormatTime(r.Started), seq)), j)
	})
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	out := []Run{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Run
			if json.Unmarshal(v, &r) == nil {
				out = append(out, r)
				if limit > 0 && len(out) >= limit { break }
			}
		}
		return nil
	})
	return out, err
}

// LastRun reports the most recent refresh, if any.
func (s *Store) LastRun() (Run, bool, error) {
	rs, err := s.ListRuns(1)
	if err != nil || len(rs) == 0 { return Run{}, false, err }
	return rs[0], true, nil
}

// NewestEventTime is the timestamp of the last stored event.
func (s *Store) NewestEventTime() (time.Time, bool, error) {
	var (
		ts    time.Time
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bEvents).Cursor().Last()
		if k == nil { return nil }
		var ev model.Event
		if err := json.Unmarshal(v, &ev); err != nil { return err }
		ts, found = ev.Time, true
		return nil
	})
	return ts, found, err
}

// -------- Notifications --------

// LastNotified is the newest window already sent for device.
func (s *Store) LastNotified(device string) (time.Time, bool, error) {
	var (
		ts    time.Time
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bSent).Get([]byte(device))
		if v == nil { return nil }
		t, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil { return fmt.Errorf("notified[%s]: %w", device, err) }
		ts, found = t.UTC(), true
		return nil
	})
	return ts, found, err
}

// MarkNotified records minute as sent for device.
func (s *Store) MarkNotified(device string, minute time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bSent).Put([]byte(device), []byte(util.FormatTime(minute)))
	})
}
