// Package table reads and writes the feature, history and alert tables as CSV
// with a header row.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/util"
)

var FeatureHeader = []string{
	"client_ip", "minute", "qpm", "uniq", "avg_len", "len_std",
	"top_domain_ratio", "shannon_entropy", "new_domain_ratio", "KL_divergence",
}

var ScoredHeader = append(append([]string{}, FeatureHeader...),
	"score", "Mahalanobis", "norm_score", "norm_Mahalanobis", "combined_score", "pc1", "pc2",
)

func ff(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func featureRecord(r model.FeatureRow) []string {
	return []string{
		r.ClientIP, r.Minute.UTC().Format(time.RFC3339),
		strconv.Itoa(r.QPM), strconv.Itoa(r.Uniq),
		ff(r.AvgLen), ff(r.LenStd), ff(r.TopDomainRatio),
		ff(r.ShannonEntropy), ff(r.NewDomainRatio), ff(r.KLDivergence),
	}
}

func scoredRecord(r model.ScoredRow) []string {
	return append(featureRecord(r.FeatureRow),
		ff(r.Score), ff(r.Mahalanobis), ff(r.NormScore), ff(r.NormMahalanobis),
		ff(r.CombinedScore), ff(r.PC1), ff(r.PC2),
	)
}

// WriteFeatures writes rows, with the header when header is true.
func WriteFeatures(w io.Writer, rows []model.FeatureRow, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(FeatureHeader); err != nil { return err }
	}
	for _, r := range rows {
		if err := cw.Write(featureRecord(r)); err != nil { return err }
	}
	cw.Flush()
	return cw.Error()
}

func WriteScored(w io.Writer, rows []model.ScoredRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ScoredHeader); err != nil { return err }
	for _, r := range rows {
		if err := cw.Write(scoredRecord(r)); err != nil { return err }
	}
	cw.Flush()
	return cw.Error()
}

// RewriteFeatures replaces the whole feature table.
func RewriteFeatures(path string, rows []model.FeatureRow) error {
	return util.WriteAtomic(path, func(w io.Writer) error { return WriteFeatures(w, rows, true) })
}

// AppendFeatures adds rows at the end of the table, creating it with a header
// when it does not exist yet.
func AppendFeatures(path string, rows []model.FeatureRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { return err }
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil { return err }
	st, err := f.Stat()
	if err != nil { _ = f.Close(); return err }
	if err := WriteFeatures(f, rows, st.Size() == 0); err != nil { _ = f.Close(); return err }
	if err := f.Sync(); err != nil { _ = f.Close(); return err }
	return f.Close()
}

// WriteScoredFile replaces a history or alert table. An empty slice still
// produces a header-only file.
func WriteScoredFile(path string, rows []model.ScoredRow) error {
	return util.WriteAtomic(path, func(w io.Writer) error { return WriteScored(w, rows) })
}

type columns map[string]int

func (c columns) str(rec []string, name string) string {
	if i, ok := c[name]; ok && i < len(rec) { return rec[i] }
	return ""
}

func (c columns) num(rec []string, name string) (float64, error) {
	v := c.str(rec, name)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil { return 0, fmt.Errorf("%s: %w", name, err) }
	return f, nil
}

func readAll(path string, each func(c columns, rec []string) error) (skipped int, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) { return 0, nil }
	if err != nil { return 0, err }
	defer f.Close()
	return readRecords(f, path, each)
}

// readRecords skips malformed CSV lines and rows each rejects; any other read
// error ends the scan.
func readRecords(r io.Reader, name string, each func(c columns, rec []string) error) (skipped int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) { return 0, nil }
	if err != nil { return 0, fmt.Errorf("read header %s: %w", name, err) }
	c := columns{}
	for i, h := range header { c[h] = i }
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) { return skipped, nil }
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			skipped++
			continue
		}
		if err != nil { return skipped, fmt.Errorf("read %s: %w", name, err) }
		if err := each(c, rec); err != nil { skipped++ }
	}
}

func parseFeature(c columns, rec []string) (model.FeatureRow, error) {
	var r model.FeatureRow
	r.ClientIP = c.str(rec, "client_ip")
	if r.ClientIP == "" { return r, errors.New("client_ip: empty") }
	m, err := time.Parse(time.RFC3339Nano, c.str(rec, "minute"))
	if err != nil { return r, fmt.Errorf("minute: %w", err) }
	r.Minute = m.UTC()
	vals := make([]float64, model.NumFeatures)
	for i, name := range FeatureHeader[2:] {
		if vals[i], err = c.num(rec, name); err != nil { return r, err }
	}
	r.QPM, r.Uniq = int(vals[0]), int(vals[1])
	r.AvgLen, r.LenStd, r.TopDomainRatio = vals[2], vals[3], vals[4]
	r.ShannonEntropy, r.NewDomainRatio, r.KLDivergence = vals[5], vals[6], vals[7]
	return r, nil
}

// ReadFeatures loads the feature table. A missing file is an empty table;
// rows that fail to parse are counted in skipped.
func ReadFeatures(path string) (rows []model.FeatureRow, skipped int, err error) {
	skipped, err = readAll(path, func(c columns, rec []string) error {
		r, err := parseFeature(c, rec)
		if err != nil { return err }
		rows = append(rows, r)
		return nil
	})
	return rows, skipped, err
}

// ReadScored loads a history or alert table.
func ReadScored(path string) (rows []model.ScoredRow, err error) {
	_, err = readAll(path, func(c columns, rec []string) error {
		fr, err := parseFeature(c, rec)
		if err != nil { return err }
		r := model.ScoredRow{FeatureRow: fr}
		dst := []*float64{&r.Score, &r.Mahalanobis, &r.NormScore, &r.NormMahalanobis, &r.CombinedScore, &r.PC1, &r.PC2}
		for i, name := range ScoredHeader[len(FeatureHeader):] {
			if *dst[i], err = c.num(rec, name); err != nil { return err }
		}
		rows = append(rows, r)
		return nil
	})
	return rows, err
}
