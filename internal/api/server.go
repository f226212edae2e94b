package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/metrics"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/pipeline"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/table"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/util"
)

var tracer = otel.Tracer("api")

type Deps struct {
	Log      *logger.Logger
	Pipeline *pipeline.Pipeline
}
type Config struct{ Addr string }
type Server struct {
	d Deps
	c Config
}

func NewServer(d Deps, c Config) *Server { return &Server{d: d, c: c} }

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.d.Log.HTTPLogger)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	r.Route("/v1", func(r chi.Router) {
		r.Get("/alerts", s.handleAlerts)
		r.Get("/history", s.handleHistory)
		r.Get("/features", s.handleFeatures)
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/{ip}/history", s.handleDeviceHistory)
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleRuns)
		r.Post("/refresh", s.handleRefresh)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.c.Addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.d.Log.Info().Str("addr", s.c.Addr).Msg("api listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) { return nil }
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) features(w http.ResponseWriter) ([]model.FeatureRow, bool) {
	rows, _, err := table.ReadFeatures(s.d.Pipeline.Config().Data.Features)
	if err != nil {
		s.d.Log.Error().Err(err).Msg("read feature table")
		writeErr(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if rows == nil { rows = []model.FeatureRow{} }
	return rows, true
}

func (s *Server) scored(w http.ResponseWriter, path string) ([]model.ScoredRow, bool) {
	rows, err := table.ReadScored(path)
	if err != nil {
		s.d.Log.Error().Err(err).Str("path", path).Msg("read scored table")
		writeErr(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if rows == nil { rows = []model.ScoredRow{} }
	return rows, true
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /v1/alerts")
	defer span.End()

	rows, ok := s.scored(w, s.d.Pipeline.Config().Data.Alerts)
	if !ok { return }
	if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && lim >= 0 && lim < len(rows) {
		rows = rows[:lim]
	}
	span.SetAttributes(attribute.Int("alerts", len(rows)))
	writeJSON(w, http.StatusOK, map[string]any{"alerts": rows})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /v1/history")
	defer span.End()

	rows, ok := s.scored(w, s.d.Pipeline.Config().Data.History)
	if !ok { return }
	if ip := r.URL.Query().Get("ip"); ip != "" {
		kept := rows[:0]
		for _, h := range rows {
			if h.ClientIP == ip { kept = append(kept, h) }
		}
		rows = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /v1/features")
	defer span.End()

	rows, ok := s.features(w)
	if !ok { return }
	span.SetAttributes(attribute.Int("rows", len(rows)))
	writeJSON(w, http.StatusOK, map[string]any{"features": rows})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /v1/devices")
	defer span.End()

	rows, ok := s.features(w)
	if !ok { return }
	writeJSON(w, http.StatusOK, map[string]any{"devices": deviceList(rows)})
}

func deviceList(rows []model.FeatureRow) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, r := range rows {
		if !seen[r.ClientIP] {
			seen[r.ClientIP] = true
			out = append(out, r.ClientIP)
		}
	}
	sort.Strings(out)
	return out
}

// handleDeviceHistory returns one device's feature rows in time order. since
// is measured back from the device's newest window, not from the wall clock,
// so a stale log still shows its last stretch of activity.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	_, span := tracer.Start(r.Context(), "GET /v1/devices/{ip}/history")
	defer span.End()
	span.SetAttributes(attribute.String("ip", ip))

	var since time.Duration
	if q := r.URL.Query().Get("since"); q != "" {
		d, err := util.ParseSince(q)
		if err != nil { writeErr(w, http.StatusBadRequest, err); return }
		since = d
	}
	rows, ok := s.features(w)
	if !ok { return }
	writeJSON(w, http.StatusOK, map[string]any{"ip": ip, "history": deviceHistory(rows, ip, since)})
}

func deviceHistory(rows []model.FeatureRow, ip string, since time.Duration) []model.FeatureRow {
	out := []model.FeatureRow{}
	for _, r := range rows {
		if r.ClientIP == ip { out = append(out, r) }
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	if since <= 0 || len(out) == 0 { return out }
	cut := out[len(out)-1].Minute.Add(-since)
	i := sort.Search(len(out), func(i int) bool { return !out[i].Minute.Before(cut) })
	return out[i:]
}

type statusResponse struct {
	NumDevices      int             `json:"num_devices"`
	NumFeatureRows  int             `json:"num_feature_rows"`
	NumAlertRows    int             `json:"num_alert_rows"`
	LastFeatureTime *time.Time      `json:"last_feature_time"`
	LastAlertTime   *time.Time      `json:"last_alert_time"`
	LastRefresh     *time.Time      `json:"last_refresh_timestamp"`
	HighestScore    float64         `json:"highest_anomaly_score"`
	Pipeline        pipeline.Status `json:"pipeline"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /v1/status")
	defer span.End()

	feats, ok := s.features(w)
	if !ok { return }
	alerts, ok := s.scored(w, s.d.Pipeline.Config().Data.Alerts)
	if !ok { return }
	ps, err := s.d.Pipeline.Status()
	if err != nil { writeErr(w, http.StatusInternalServerError, err); return }

	out := statusResponse{
		NumDevices:     len(deviceList(feats)),
		NumFeatureRows: len(feats),
		NumAlertRows:   len(alerts),
		Pipeline:       ps,
	}
	for i := range feats {
		if out.LastFeatureTime == nil || feats[i].Minute.After(*out.LastFeatureTime) {
			out.LastFeatureTime = &feats[i].Minute
		}
	}
	for i := range alerts {
		if out.LastAlertTime == nil || alerts[i].Minute.After(*out.LastAlertTime) {
			out.LastAlertTime = &alerts[i].Minute
		}
		if alerts[i].CombinedScore > out.HighestScore { out.HighestScore = alerts[i].CombinedScore }
	}
	if ps.LastRun != nil { out.LastRefresh = &ps.LastRun.Finished }
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 { limit = v }
	runs, err := s.d.Pipeline.Runs(limit)
	if err != nil { writeErr(w, http.StatusInternalServerError, err); return }
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "POST /v1/refresh", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	// the cycle outlives a client that hangs up; other callers may be sharing it
	run, err := s.d.Pipeline.Refresh(context.WithoutCancel(ctx))
	if err != nil {
		span.RecordError(err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "error", "error": err.Error(), "run": run})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "run": run})
}
