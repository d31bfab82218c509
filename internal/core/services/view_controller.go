package services

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
	apperrors "streamview/pkg/errors"
	"streamview/pkg/logger"
	"streamview/pkg/retry"
	"streamview/pkg/validation"

	"go.uber.org/zap"
)

// ViewConfig contains view-session tuning. Every duration is
// injectable so tests run against short intervals.
type ViewConfig struct {
	StatusPollInterval time.Duration
	RetryBackoff       time.Duration
	SettleDelay        time.Duration

	// PollHook observes each poll outcome ("success", "auth_required",
	// "transient" or "error"). Optional; nil disables it.
	PollHook func(outcome string)
}

// DefaultViewConfig returns the production tuning.
func DefaultViewConfig() ViewConfig {
	return ViewConfig{
		StatusPollInterval: 3 * time.Second,
		RetryBackoff:       3 * time.Second,
		SettleDelay:        500 * time.Millisecond,
	}
}

func (c ViewConfig) withDefaults() ViewConfig {
	def := DefaultViewConfig()
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = def.StatusPollInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = def.SettleDelay
	}
	return c
}

// ViewController drives a single stream view session: it validates the
// stream code, long-polls the view endpoint, binds the visitor id,
// keeps at most one media connection alive matching the reported
// status, and reconciles the whole session when the viewer identity
// changes underneath it.
type ViewController struct {
	session  ports.SessionAPI
	factory  ports.ConnectionFactory
	observer ports.ViewObserver
	cfg      ViewConfig
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	streamCode  domain.StreamCode
	visitorID   domain.VisitorID
	identity    domain.UserID
	lastInfo    *domain.StreamInfo
	conn        ports.ConnectionHandle
	connKind    domain.ConnectionKind
	loopCancel  context.CancelFunc
	unsubscribe func()
	closed      bool
	terminated  bool
}

// NewViewController creates a controller over the given session and
// connection factory. The observer receives all user-facing state
// transitions; pass ports.NopViewObserver{} to ignore them.
func NewViewController(session ports.SessionAPI, factory ports.ConnectionFactory, observer ports.ViewObserver, cfg ViewConfig, logger *zap.SugaredLogger) *ViewController {
	if observer == nil {
		observer = ports.NopViewObserver{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ViewController{
		session:  session,
		factory:  factory,
		observer: observer,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Open validates the stream code and starts the status poll loop. A
// malformed code fails immediately without any network activity.
func (c *ViewController) Open(ctx context.Context, streamCode string) error {
	if err := validation.ValidateStreamCode(streamCode); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrSessionClosed
	}
	if c.loopCancel != nil {
		return apperrors.NewInvalidInputError("view session already open")
	}

	c.streamCode = domain.StreamCode(streamCode)
	c.identity = c.session.CurrentUserID()
	c.unsubscribe = c.session.Subscribe(c.onSessionChanged)
	c.startLoopLocked(ctx)

	c.logger.Infow("view session opened", "stream_code", streamCode)
	return nil
}

// startLoopLocked launches the poll loop goroutine. Caller holds mu.
func (c *ViewController) startLoopLocked(parent context.Context) {
	loopCtx, cancel := context.WithCancel(parent)
	c.loopCancel = cancel
	go c.pollLoop(loopCtx)
}

// pollLoop polls immediately, then reschedules itself after each
// completed poll. The next tick is never armed while a poll is in
// flight, so polls cannot overlap.
func (c *ViewController) pollLoop(ctx context.Context) {
	for {
		delay := c.cfg.StatusPollInterval

		terminal, err := c.pollOnce(ctx)
		c.recordPoll(err)
		if terminal {
			return
		}
		if err != nil {
			switch {
			case apperrors.IsAuthError(err):
				// Keep polling anonymously; the stream may still be
				// publicly viewable.
				c.observer.OnAuthRequired()
			case apperrors.IsTransient(err):
				c.logger.Warnw("status poll failed, backing off", "error", err)
				delay = c.cfg.RetryBackoff
			default:
				c.logger.Warnw("status poll failed", "error", err)
				delay = c.cfg.RetryBackoff
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *ViewController) recordPoll(err error) {
	if c.cfg.PollHook == nil {
		return
	}
	switch {
	case err == nil:
		c.cfg.PollHook("success")
	case apperrors.IsAuthError(err):
		c.cfg.PollHook("auth_required")
	case apperrors.IsTransient(err):
		c.cfg.PollHook("transient")
	default:
		c.cfg.PollHook("error")
	}
}

// pollOnce issues one view-stream request and reconciles the media
// connection with the reported status.
func (c *ViewController) pollOnce(ctx context.Context) (terminal bool, err error) {
	c.mu.Lock()
	code := c.streamCode
	visitor := c.visitorID
	c.mu.Unlock()

	query := url.Values{"stream_code": {string(code)}}
	if visitor != "" {
		query.Set("visitor_id", string(visitor))
	}

	ctx = logger.WithRequestScope(ctx, string(visitor), string(code))
	resp, err := c.session.Request(ctx, http.MethodPost, "/api/view-stream", query, nil, ports.RequestOptions{RequiresAuth: true})
	if err != nil {
		return false, err
	}

	var view domain.ViewResponse
	if err := resp.DecodeJSON(&view); err != nil {
		return false, err
	}

	if view.IsExit() {
		c.logger.Infow("server requested exit", "stream_code", code)
		c.terminate(nil)
		return true, nil
	}

	if view.VisitorID != "" {
		// The server may rotate the binding; always adopt the latest.
		c.mu.Lock()
		c.visitorID = view.VisitorID
		c.mu.Unlock()
	}

	if view.StreamInfo != nil {
		c.mu.Lock()
		changed := view.StreamInfo.Diff(c.lastInfo)
		c.lastInfo = view.StreamInfo
		c.mu.Unlock()
		if len(changed) > 0 {
			c.observer.OnStreamInfoChanged(view.StreamInfo, changed)
		}
	}

	status := domain.StatusUnknown
	if view.StreamInfo != nil {
		status = view.StreamInfo.Status
	}

	if status == domain.StatusEnded {
		c.terminate(nil)
		return true, nil
	}

	if err := c.reconcileConnection(ctx, status); err != nil {
		return false, err
	}
	return false, nil
}

// reconcileConnection tears down and establishes media connections so
// that exactly the connection kind implied by the status is active.
func (c *ViewController) reconcileConnection(ctx context.Context, status domain.Status) error {
	want := status.Connection()

	c.mu.Lock()
	have := c.connKind
	current := c.conn
	code := c.streamCode
	c.mu.Unlock()

	if want == domain.ConnectionNone {
		// Transient statuses do not tear an active connection down;
		// the waiting indication only applies when nothing plays.
		if have == domain.ConnectionNone {
			c.observer.OnWaiting(status)
		}
		return nil
	}

	if want == have {
		return nil
	}

	if current != nil {
		current.Disconnect()
		c.setConn(nil, domain.ConnectionNone)
	}

	handle, err := c.factory.NewConnection(want)
	if err != nil {
		return err
	}

	c.observer.OnWaiting(domain.StatusPreparing)
	params := ports.ConnectParams{
		StreamCode: code,
		Callbacks:  c.connectionCallbacks(want),
	}
	if err := handle.Connect(ctx, params); err != nil {
		return err
	}

	c.setConn(handle, want)
	c.logger.Infow("media connection established", "stream_code", code, "kind", want)
	return nil
}

func (c *ViewController) setConn(handle ports.ConnectionHandle, kind domain.ConnectionKind) {
	c.mu.Lock()
	c.conn = handle
	c.connKind = kind
	c.mu.Unlock()
}

func (c *ViewController) connectionCallbacks(kind domain.ConnectionKind) ports.ConnectionCallbacks {
	return ports.ConnectionCallbacks{
		OnEstablished: func() {},
		OnFirstMedia: func() {
			c.observer.OnPlaying(kind)
		},
		OnInterrupted: func() {
			c.observer.OnWaiting(domain.StatusReconnecting)
		},
		OnResumed: func() {
			c.observer.OnPlaying(kind)
		},
		OnConnectionLost: func() {
			// Drop the handle so the next poll re-establishes it.
			c.mu.Lock()
			handle := c.conn
			c.conn = nil
			c.connKind = domain.ConnectionNone
			c.mu.Unlock()
			if handle != nil {
				handle.Disconnect()
			}
			c.observer.OnWaiting(domain.StatusConnectionLost)
		},
		OnAdvisory: func(message string) {
			c.observer.OnAdvisory(message)
		},
	}
}

// onSessionChanged reacts to identity changes. Notifications for the
// identity already bound to the session are ignored.
func (c *ViewController) onSessionChanged(n domain.Notification) {
	c.mu.Lock()
	if c.closed || c.loopCancel == nil {
		c.mu.Unlock()
		return
	}
	old := c.identity
	c.mu.Unlock()

	if n.UserID() == old {
		return
	}
	go c.reconcileIdentity(n.UserID())
}

// reconcileIdentity runs the full identity-change sequence: tear down
// media, tell the server the old visitor left, stop the loop, discard
// the visitor binding and baseline, record the new identity, wait for
// the backend session to settle, then restart polling. A failed
// sequence is retried as a whole.
func (c *ViewController) reconcileIdentity(newIdentity domain.UserID) {
	ctx := context.Background()
	cfg := retry.FixedConfig(3, c.cfg.RetryBackoff)
	err := retry.Do(ctx, cfg, func() error {
		return c.runIdentitySwitch(ctx, newIdentity)
	})
	if err != nil {
		c.logger.Errorw("identity reconciliation failed", "error", err)
		c.terminate(err)
	}
}

func (c *ViewController) runIdentitySwitch(ctx context.Context, newIdentity domain.UserID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.connKind = domain.ConnectionNone
	oldVisitor := c.visitorID
	code := c.streamCode
	cancel := c.loopCancel
	c.loopCancel = nil
	c.mu.Unlock()

	// Stop the loop before anything else so a racing poll cannot
	// re-establish the connection being torn down.
	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.Disconnect()
	}

	if oldVisitor != "" {
		if err := c.notifyExit(ctx, code, oldVisitor); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.visitorID = ""
	c.lastInfo = nil
	c.identity = newIdentity
	c.mu.Unlock()

	// Give the backend time to finish its own session switch before
	// the first poll under the new identity.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.SettleDelay):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.startLoopLocked(context.Background())
	c.logger.Infow("view session rebound", "stream_code", code, "user_id", newIdentity)
	return nil
}

// notifyExit tells the server a visitor left the stream.
func (c *ViewController) notifyExit(ctx context.Context, code domain.StreamCode, visitor domain.VisitorID) error {
	query := url.Values{
		"stream_code": {string(code)},
		"visitor_id":  {string(visitor)},
		"exit":        {"true"},
	}
	ctx = logger.WithRequestScope(ctx, string(visitor), string(code))
	_, err := c.session.Request(ctx, http.MethodPost, "/api/view-stream", query, nil, ports.RequestOptions{RequiresAuth: true})
	return err
}

// terminate ends the view session permanently.
func (c *ViewController) terminate(cause error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	conn := c.conn
	c.conn = nil
	c.connKind = domain.ConnectionNone
	cancel := c.loopCancel
	c.loopCancel = nil
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	c.observer.OnTerminated(cause)
}

// Close tears the session down: media disconnected, exit reported for
// a bound visitor, loop stopped, subscription dropped.
func (c *ViewController) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	visitor := c.visitorID
	code := c.streamCode
	c.mu.Unlock()

	if visitor != "" {
		if err := c.notifyExit(ctx, code, visitor); err != nil {
			c.logger.Warnw("exit notification failed", "error", err)
		}
	}
	c.terminate(nil)
}
