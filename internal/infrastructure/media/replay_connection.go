package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
	apperrors "streamview/pkg/errors"
	"streamview/pkg/tracing"

	"go.uber.org/zap"
)

// ReplayConfig tunes file-based replay playback.
type ReplayConfig struct {
	// BaseURL is the root the replay files are served under.
	BaseURL string
	// Qualities is the preference order, highest first.
	Qualities []string
	// RequestTimeout bounds the probe request, not the download.
	RequestTimeout time.Duration
}

func (c ReplayConfig) withDefaults() ReplayConfig {
	if len(c.Qualities) == 0 {
		c.Qualities = []string{"1080p", "720p", "480p"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// ReplayConnection plays a finished stream from its recorded files.
// It starts at the highest available quality and downgrades one step
// on a playback failure; a second failure gives up. Single use.
type ReplayConnection struct {
	cfg    ReplayConfig
	client *http.Client
	logger *zap.SugaredLogger

	mu        sync.Mutex
	callbacks ports.ConnectionCallbacks
	stream    domain.StreamCode
	quality   string
	cancel    context.CancelFunc

	firstMedia sync.Once
	lostOnce   sync.Once
	closeOnce  sync.Once
}

// NewReplayConnection builds an unconnected replay transport. A nil
// client falls back to a default one.
func NewReplayConnection(cfg ReplayConfig, client *http.Client, logger *zap.SugaredLogger) *ReplayConnection {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ReplayConnection{cfg: cfg.withDefaults(), client: client, logger: logger}
}

func (r *ReplayConnection) Kind() domain.ConnectionKind { return domain.ConnectionReplay }

// fileURL builds the replay file location for a quality tier.
func (r *ReplayConnection) fileURL(code domain.StreamCode, quality string) string {
	return fmt.Sprintf("%s/streams/%s/%s.%s.mp4", r.cfg.BaseURL, code, code, quality)
}

// Connect probes the quality ladder top-down and starts playing the
// first tier that exists. Missing tiers are skipped without counting
// against the downgrade budget; probe and playback failures share a
// single downgrade between them.
func (r *ReplayConnection) Connect(ctx context.Context, params ports.ConnectParams) error {
	ctx, span := tracing.TraceConnection(ctx, "replay", string(params.StreamCode))
	defer span.End()

	playCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.callbacks = params.Callbacks
	r.stream = params.StreamCode
	r.cancel = cancel
	r.mu.Unlock()

	start := -1
	downgrades := 0
	for i, quality := range r.cfg.Qualities {
		ok, err := r.probe(ctx, params.StreamCode, quality)
		if err != nil {
			// A failing probe spends the single downgrade; missing
			// tiers below are still skipped for free.
			if downgrades == 0 && i+1 < len(r.cfg.Qualities) {
				downgrades++
				r.logger.Warnw("replay probe failed, downgrading",
					"stream_code", params.StreamCode,
					"quality", quality,
					"error", err,
				)
				continue
			}
			cancel()
			tracing.RecordError(ctx, err)
			return err
		}
		if ok {
			start = i
			break
		}
		r.logger.Debugw("replay quality unavailable", "stream_code", params.StreamCode, "quality", quality)
	}
	if start < 0 {
		cancel()
		return domain.ErrNoPlayableSource
	}

	r.setQuality(r.cfg.Qualities[start])
	span.SetAttributes(tracing.QualityKey.String(r.cfg.Qualities[start]))
	if cb := params.Callbacks.OnEstablished; cb != nil {
		cb()
	}

	go r.play(playCtx, start, downgrades)

	r.logger.Infow("replay playback starting",
		"stream_code", params.StreamCode,
		"quality", r.cfg.Qualities[start],
	)
	return nil
}

// probe checks whether a quality tier exists without downloading it.
func (r *ReplayConnection) probe(ctx context.Context, code domain.StreamCode, quality string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, r.fileURL(code, quality), nil)
	if err != nil {
		return false, apperrors.NewInternalError(err.Error())
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeTransient, "replay probe failed", 0)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500:
		return false, apperrors.FromStatus(resp.StatusCode, "replay probe failed")
	default:
		return false, nil
	}
}

// play streams the file at the ladder index. Together with the probe
// phase at most one downgrade happens over the connection's lifetime.
func (r *ReplayConnection) play(ctx context.Context, index, downgrades int) {
	for {
		quality := r.cfg.Qualities[index]
		r.setQuality(quality)

		err := r.stream1(ctx, quality)
		if err == nil || ctx.Err() != nil {
			return
		}

		if downgrades >= 1 || index+1 >= len(r.cfg.Qualities) {
			r.logger.Warnw("replay playback failed", "quality", quality, "error", err)
			r.reportLost()
			return
		}

		downgrades++
		index++
		r.logger.Warnw("replay downgrading",
			"from", quality,
			"to", r.cfg.Qualities[index],
			"error", err,
		)
		if cb := r.cbs().OnInterrupted; cb != nil {
			cb()
		}
	}
}

// stream1 downloads one quality tier to completion.
func (r *ReplayConnection) stream1(ctx context.Context, quality string) error {
	r.mu.Lock()
	code := r.stream
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.fileURL(code, quality), nil)
	if err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return apperrors.FromStatus(resp.StatusCode, "replay fetch failed")
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			r.firstMedia.Do(func() {
				if cb := r.cbs().OnFirstMedia; cb != nil {
					cb()
				}
			})
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *ReplayConnection) setQuality(quality string) {
	r.mu.Lock()
	r.quality = quality
	r.mu.Unlock()
}

// CurrentQuality returns the tier currently playing.
func (r *ReplayConnection) CurrentQuality() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quality
}

func (r *ReplayConnection) cbs() ports.ConnectionCallbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callbacks
}

func (r *ReplayConnection) reportLost() {
	r.lostOnce.Do(func() {
		if cb := r.cbs().OnConnectionLost; cb != nil {
			cb()
		}
	})
}

// Disconnect stops playback. Safe to call more than once.
func (r *ReplayConnection) Disconnect() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.cancel = nil
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}
