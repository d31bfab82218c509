package monitoring

import (
	"sync"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
)

// MetricsObserver decorates a ViewObserver with metric recording, so
// the session layer stays free of instrumentation concerns.
type MetricsObserver struct {
	next    ports.ViewObserver
	metrics *ViewerMetrics

	mu         sync.Mutex
	waitingAt  time.Time
	activeKind domain.ConnectionKind
	wasLost    bool
	playedOnce bool
}

// NewMetricsObserver wraps next with metric recording. A nil next
// falls back to a no-op observer.
func NewMetricsObserver(next ports.ViewObserver, metrics *ViewerMetrics) *MetricsObserver {
	if next == nil {
		next = ports.NopViewObserver{}
	}
	return &MetricsObserver{next: next, metrics: metrics}
}

func (o *MetricsObserver) OnWaiting(status domain.Status) {
	o.mu.Lock()
	if o.activeKind != domain.ConnectionNone {
		o.metrics.SetConnectionActive(o.activeKind, false)
		o.activeKind = domain.ConnectionNone
	}
	o.waitingAt = time.Now()
	if status == domain.StatusConnectionLost {
		o.wasLost = true
	}
	o.mu.Unlock()

	o.next.OnWaiting(status)
}

func (o *MetricsObserver) OnPlaying(kind domain.ConnectionKind) {
	o.mu.Lock()
	o.metrics.SetConnectionActive(kind, true)
	o.activeKind = kind
	if !o.waitingAt.IsZero() && !o.playedOnce {
		o.metrics.RecordFirstMedia(time.Since(o.waitingAt))
	}
	o.playedOnce = true
	if o.wasLost {
		o.metrics.RecordReconnect()
		o.wasLost = false
	}
	o.mu.Unlock()

	o.next.OnPlaying(kind)
}

func (o *MetricsObserver) OnStreamInfoChanged(info *domain.StreamInfo, changed []string) {
	o.next.OnStreamInfoChanged(info, changed)
}

func (o *MetricsObserver) OnAdvisory(message string) {
	o.next.OnAdvisory(message)
}

func (o *MetricsObserver) OnAuthRequired() {
	o.next.OnAuthRequired()
}

func (o *MetricsObserver) OnTerminated(reason error) {
	o.mu.Lock()
	if o.activeKind != domain.ConnectionNone {
		o.metrics.SetConnectionActive(o.activeKind, false)
		o.activeKind = domain.ConnectionNone
	}
	o.mu.Unlock()

	o.next.OnTerminated(reason)
}
