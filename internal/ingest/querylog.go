package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/metrics"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/rules"
)

// Stats summarizes one parse call.
type Stats struct {
	Lines    int
	Parsed   int
	Dropped  int // malformed or incomplete
	Excluded int // matched an exclusion rule
}

// Parser turns router query logs into canonical events.
type Parser struct {
	exclude *rules.Set
}

func NewParser(exclude *rules.Set) *Parser { return &Parser{exclude: exclude} }

// querylogLine is one AdGuard Home querylog.json record. Only the fields we use.
type querylogLine struct {
	T  string `json:"T"`
	IP string `json:"IP"`
	QH string `json:"QH"`
	QT string `json:"QT"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" { return time.Time{}, false }
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseFile picks the format by extension: .csv is the canonical export
// (time,client_ip,domain,qtype), anything else is NDJSON querylog.
func (p *Parser) ParseFile(path string) ([]model.Event, Stats, error) {
	f, err := os.Open(path)
	if err != nil { return nil, Stats{}, err }
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return p.ParseCSV(f)
	}
	return p.Parse(f)
}

// Parse reads NDJSON querylog records. Bad lines are counted and skipped.
func (p *Parser) Parse(r io.Reader) ([]model.Event, Stats, error) {
	var (
		out []model.Event
		st  Stats
	)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(strings.TrimSpace(line)) > 0 {
			st.Lines++
			var q querylogLine
			if json.Unmarshal([]byte(line), &q) != nil {
				st.Dropped++
			} else {
				p.add(&out, &st, q.T, q.IP, q.QH, q.QT)
			}
		}
		if errors.Is(err, io.EOF) { break }
		if err != nil { return out, st, fmt.Errorf("read querylog: %w", err) }
	}
	p.observe(st)
	return out, st, nil
}

// ParseCSV reads the canonical CSV written by tools/export_events_csv.go.
func (p *Parser) ParseCSV(r io.Reader) ([]model.Event, Stats, error) {
	var (
		out []model.Event
		st  Stats
	)
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) { return nil, st, nil }
	if err != nil { return nil, st, fmt.Errorf("read csv header: %w", err) }
	col := map[string]int{}
	for i, h := range header { col[strings.TrimSpace(h)] = i }
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) { return rec[i] }
		return ""
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) { break }
		st.Lines++
		if err != nil { st.Dropped++; continue }
		p.add(&out, &st, get(rec, "time"), get(rec, "client_ip"), get(rec, "domain"), get(rec, "qtype"))
	}
	p.observe(st)
	return out, st, nil
}

func (p *Parser) add(out *[]model.Event, st *Stats, ts, ip, domain, qtype string) {
	t, ok := parseTime(ts)
	ev := model.Event{Time: t, ClientIP: strings.TrimSpace(ip), Domain: normalizeDomain(domain), QType: qtype}
	if !ok || !ev.Valid() {
		st.Dropped++
		return
	}
	if hit, _ := p.exclude.Match(ev.Domain); hit {
		st.Excluded++
		return
	}
	st.Parsed++
	*out = append(*out, ev)
}

func (p *Parser) observe(st Stats) {
	metrics.LinesParsed.Add(float64(st.Parsed))
	metrics.LinesDropped.WithLabelValues("malformed").Add(float64(st.Dropped))
	metrics.LinesDropped.WithLabelValues("excluded").Add(float64(st.Excluded))
}

// normalizeDomain lowercases and strips the trailing root dot so "Example.com." and
// "example.com" count as the same name.
func normalizeDomain(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}
