package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinesParsed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dnsad_querylog_lines_parsed_total", Help: "Query log records turned into events"},
	)
	LinesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dnsad_querylog_lines_dropped_total", Help: "Query log records dropped"},
		[]string{"reason"},
	)
	EventsStored = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dnsad_events_stored_total", Help: "Events appended to the event store"},
	)
	WindowsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dnsad_feature_windows_appended_total", Help: "Feature rows written"},
		[]string{"mode"},
	)
	DevicesScored = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dnsad_devices_scored", Help: "Devices scored in the last detection run"},
	)
	DevicesSkipped = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dnsad_devices_skipped", Help: "Devices below the minimum history in the last run"},
	)
	TopCombinedScore = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dnsad_top_combined_score", Help: "Highest combined score in the alert table"},
	)
	Refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dnsad_refresh_total", Help: "Refresh runs by outcome"},
		[]string{"result"},
	)
	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dnsad_refresh_duration_seconds", Help: "Refresh wall time", Buckets: prometheus.DefBuckets},
	)
)

func MustRegister() {
	prometheus.MustRegister(LinesParsed, LinesDropped, EventsStored, WindowsAppended,
		DevicesScored, DevicesSkipped, TopCombinedScore, Refreshes, RefreshDuration)
}
func Handler() http.Handler { return promhttp.Handler() }
