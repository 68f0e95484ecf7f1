// Package metrics exposes Prometheus collectors for the pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors shared by the ingestion and forecast paths.
type Metrics struct {
	BarsIngested     *prometheus.CounterVec
	FetchFailures    *prometheus.CounterVec
	ChunksSkipped    *prometheus.CounterVec
	BackfilledPoints *prometheus.CounterVec
	Forecasts        *prometheus.CounterVec
	ForecastDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_bars_ingested_total",
			Help: "OHLCV bars accepted by the ingestion pipeline.",
		}, []string{"instrument", "source"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_fetch_failures_total",
			Help: "External fetch failures after retries.",
		}, []string{"source"}),
		ChunksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_chunks_skipped_total",
			Help: "Ingestion chunks skipped due to fetch or validation failure.",
		}, []string{"instrument"}),
		BackfilledPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_master_data_backfilled_total",
			Help: "Master data records computed by the back-fill pipeline.",
		}, []string{"instrument"}),
		Forecasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_runs_total",
			Help: "Forecast computations by terminal status.",
		}, []string{"instrument", "status"}),
		ForecastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forecast_duration_seconds",
			Help:    "Wall time of forecast computations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"instrument"}),
	}

	reg.MustRegister(
		m.BarsIngested,
		m.FetchFailures,
		m.ChunksSkipped,
		m.BackfilledPoints,
		m.Forecasts,
		m.ForecastDuration,
	)

	return m
}

// NewNop returns metrics registered on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
