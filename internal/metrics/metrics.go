// Package metrics provides Prometheus collectors for the stream
// resolution engine and its supporting services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CatalogFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_catalog_fetch_total",
		Help: "Total upstream catalog fetches, by audio track and result.",
	}, []string{"track", "result"})

	AttemptOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_attempt_outcome_total",
		Help: "Total playback attempt outcomes reported by clients.",
	}, []string{"result"})

	SessionsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_sessions_exhausted_total",
		Help: "Total sessions that ran out of servers on both tracks.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamcore_active_sessions",
		Help: "Current number of open playback sessions.",
	})

	CueBlocksDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_cue_blocks_dropped_total",
		Help: "Total malformed subtitle cue blocks skipped during parsing.",
	})

	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_proxy_requests_total",
		Help: "Total proxy relay requests, by result.",
	}, []string{"result"})

	DownloadJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_download_jobs_total",
		Help: "Total download queue transitions, by status.",
	}, []string{"status"})
)
