package monitoring

import (
	"time"

	"streamview/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ViewerMetrics exposes the viewer's operational counters.
type ViewerMetrics struct {
	statusPollsTotal   *prometheus.CounterVec
	tokenRefreshes     *prometheus.CounterVec
	sessionChanges     *prometheus.CounterVec
	reconnectsTotal    prometheus.Counter
	connectionState    *prometheus.GaugeVec
	firstMediaDuration prometheus.Histogram
	apiRequestDuration *prometheus.HistogramVec
}

// NewViewerMetrics registers the viewer metrics on the default
// registry. Call once per process.
func NewViewerMetrics() *ViewerMetrics {
	return &ViewerMetrics{
		statusPollsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamview_status_polls_total",
			Help: "Status polls issued, by outcome",
		}, []string{"outcome"}),
		tokenRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamview_token_refreshes_total",
			Help: "Access token refreshes, by outcome",
		}, []string{"outcome"}),
		sessionChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamview_session_changes_total",
			Help: "Session notifications broadcast, by kind",
		}, []string{"kind"}),
		reconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamview_media_reconnects_total",
			Help: "Media connections re-established after a loss",
		}),
		connectionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamview_connection_active",
			Help: "Whether a media connection of the given kind is active",
		}, []string{"kind"}),
		firstMediaDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamview_first_media_seconds",
			Help:    "Time from connect to first media payload",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		apiRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamview_api_request_seconds",
			Help:    "Backend request latency by path",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}
}

func (m *ViewerMetrics) RecordPoll(outcome string) {
	m.statusPollsTotal.WithLabelValues(outcome).Inc()
}

func (m *ViewerMetrics) RecordRefresh(outcome string) {
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *ViewerMetrics) RecordSessionChange(kind domain.NotificationKind) {
	m.sessionChanges.WithLabelValues(string(kind)).Inc()
}

func (m *ViewerMetrics) RecordReconnect() {
	m.reconnectsTotal.Inc()
}

func (m *ViewerMetrics) SetConnectionActive(kind domain.ConnectionKind, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.connectionState.WithLabelValues(kind.String()).Set(v)
}

func (m *ViewerMetrics) RecordFirstMedia(sinceConnect time.Duration) {
	m.firstMediaDuration.Observe(sinceConnect.Seconds())
}

func (m *ViewerMetrics) RecordAPIRequest(path string, duration time.Duration) {
	m.apiRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}
