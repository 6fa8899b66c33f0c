package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UploadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeplane_uploads_total",
			Help: "Upload batches by outcome.",
		},
		[]string{"outcome"},
	)
	RecordCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeplane_ingest_records_total",
			Help: "Ingested snapshot records by result.",
		},
		[]string{"result"},
	)
	CommandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeplane_commands_total",
			Help: "Command lifecycle transitions.",
		},
		[]string{"transition"},
	)
	RollupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeplane_rollup_runs_total",
			Help: "Rollup and cleanup job runs by job and outcome.",
		},
		[]string{"job", "outcome"},
	)
	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgeplane_ingest_duration_seconds",
			Help:    "Upload batch processing time.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(UploadCounter, RecordCounter, CommandCounter, RollupRuns, IngestDuration)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
