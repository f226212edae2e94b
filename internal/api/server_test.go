package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/config"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/pipeline"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
)

var t0 = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

type staticPuller struct{ body string }

func (p staticPuller) Pull(_ context.Context, dst string) (int64, error) {
	return int64(len(p.body)), os.WriteFile(dst, []byte(p.body), 0o644)
}

func querylog(dev string, qpm ...int) string {
	var sb strings.Builder
	for m, n := range qpm {
		for i := 0; i < n; i++ {
			ts := t0.Add(time.Duration(m)*time.Minute + time.Duration(i)*time.Second)
			fmt.Fprintf(&sb, `{"T":%q,"IP":%q,"QH":"svc%d.example.org","QT":"AAAA"}`+"\n", ts.Format(time.RFC3339Nano), dev, i%3)
		}
	}
	return sb.String()
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	cfg.Data.Querylog = filepath.Join(dir, "querylog.json")
	cfg.Data.State = filepath.Join(dir, "state.json")
	cfg.Data.Features = filepath.Join(dir, "features.csv")
	cfg.Data.History = filepath.Join(dir, "history.csv")
	cfg.Data.Alerts = filepath.Join(dir, "alerts.csv")
	cfg.Detector.Trees = 10

	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	body := querylog("192.168.1.10", 4, 5, 6, 30) + querylog("192.168.1.11", 2)
	p, err := pipeline.New(cfg, logger.Nop(), db, pipeline.WithPuller(staticPuller{body: body}))
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(Deps{Log: logger.Nop(), Pipeline: p}, Config{}).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEmptyTablesBeforeRefresh(t *testing.T) {
	srv := newTestServer(t)

	var alerts struct{ Alerts []model.ScoredRow }
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/alerts", &alerts))
	require.Empty(t, alerts.Alerts)

	var devs struct{ Devices []string }
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/devices", &devs))
	require.Empty(t, devs.Devices)

	var st statusResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/status", &st))
	require.Zero(t, st.NumFeatureRows)
	require.Nil(t, st.LastRefresh)
}

func TestRefreshThenRead(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/refresh", "application/json", nil)
	require.NoError(t, err)
	var out struct {
		Status string
		Run    store.Run
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", out.Status)
	require.Equal(t, 4+5+6+30+2, out.Run.EventsAdded)

	var alerts struct{ Alerts []model.ScoredRow }
	getJSON(t, srv.URL+"/v1/alerts", &alerts)
	require.Len(t, alerts.Alerts, 1, "the single-window device is not scored")
	require.Equal(t, "192.168.1.10", alerts.Alerts[0].ClientIP)

	var devs struct{ Devices []string }
	getJSON(t, srv.URL+"/v1/devices", &devs)
	require.Equal(t, []string{"192.168.1.10", "192.168.1.11"}, devs.Devices)

	var hist struct {
		IP      string
		History []model.FeatureRow
	}
	getJSON(t, srv.URL+"/v1/devices/192.168.1.10/history?since=2m", &hist)
	require.Equal(t, "192.168.1.10", hist.IP)
	require.Len(t, hist.History, 3, "minutes 1..3, measured back from the newest window")
	require.True(t, hist.History[0].Minute.Equal(t0.Add(time.Minute)))

	getJSON(t, srv.URL+"/v1/devices/192.168.1.10/history", &hist)
	require.Len(t, hist.History, 4)

	var scored struct{ History []model.ScoredRow }
	getJSON(t, srv.URL+"/v1/history?ip=192.168.1.10", &scored)
	require.Len(t, scored.History, 4)

	var st statusResponse
	getJSON(t, srv.URL+"/v1/status", &st)
	require.Equal(t, 2, st.NumDevices)
	require.Equal(t, 5, st.NumFeatureRows)
	require.Equal(t, 1, st.NumAlertRows)
	require.NotNil(t, st.LastRefresh)
	require.True(t, st.LastFeatureTime.Equal(t0.Add(3*time.Minute)))
	require.Equal(t, 4+5+6+30+2, st.Pipeline.Events)

	var runs struct{ Runs []store.Run }
	getJSON(t, srv.URL+"/v1/runs", &runs)
	require.Len(t, runs.Runs, 1)
}

func TestDeviceHistoryBadSince(t *testing.T) {
	srv := newTestServer(t)
	var e map[string]string
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/devices/1.2.3.4/history?since=soon", &e))
	require.NotEmpty(t, e["error"])
}

func TestDeviceHistoryCutoff(t *testing.T) {
	rows := []model.FeatureRow{
		{ClientIP: "a", Minute: t0.Add(3 * time.Minute)},
		{ClientIP: "b", Minute: t0},
		{ClientIP: "a", Minute: t0},
		{ClientIP: "a", Minute: t0.Add(2 * time.Minute)},
	}
	require.Len(t, deviceHistory(rows, "a", 0), 3)
	got := deviceHistory(rows, "a", time.Minute)
	require.Len(t, got, 2)
	require.True(t, got[0].Minute.Equal(t0.Add(2*time.Minute)))
	require.Empty(t, deviceHistory(rows, "zzz", time.Hour))
}
