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
	"streamview/pkg/poller"
	"streamview/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ProfileTaskID is the polling-registry id of the profile refresh task.
const ProfileTaskID = "profile"

// AuthConfig contains session tuning.
type AuthConfig struct {
	// ProfileRefreshInterval is the cadence of the profile keep-warm
	// task started on login.
	ProfileRefreshInterval time.Duration

	// RefreshHook observes each refresh outcome ("success" or
	// "failure"). Optional; nil disables it.
	RefreshHook func(outcome string)
}

// DefaultAuthConfig returns the default session tuning.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{ProfileRefreshInterval: 10 * time.Second}
}

type wirePair struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

type credentialsResponse struct {
	Success     bool      `json:"success"`
	AccessPair  *wirePair `json:"accessPair"`
	RefreshPair *wirePair `json:"refreshPair,omitempty"`
}

type loginRequest struct {
	UsernameOrEmail        string `json:"usernameOrEmail"`
	Secret                 string `json:"secret"`
	RememberAcrossRestarts bool   `json:"rememberAcrossRestarts"`
}

type refreshRequest struct {
	AccessSessionID string `json:"accessSessionId,omitempty"`
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// AuthSession owns the credential pairs, wraps outbound requests with
// credential attachment and an at-most-one refresh-and-retry, caches
// the profile and avatars, and publishes session-changed notifications
// to an explicit subscriber list. It is constructed and injected, not
// a package-level singleton.
type AuthSession struct {
	api    ports.APIClient
	tasks  *poller.Registry
	cfg    AuthConfig
	logger *zap.SugaredLogger

	mu           sync.Mutex
	access       domain.CredentialPair
	refresh      domain.CredentialPair
	profile      *domain.Profile
	accessExpiry time.Time

	sfMu     sync.Mutex
	inflight *refreshCall

	avatarMu sync.Mutex
	avatars  map[domain.UserID]string

	obsMu     sync.Mutex
	observers map[int]func(domain.Notification)
	nextObs   int
}

// NewAuthSession creates a session manager over the given transport
// and task registry.
func NewAuthSession(api ports.APIClient, tasks *poller.Registry, cfg AuthConfig, logger *zap.SugaredLogger) *AuthSession {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ProfileRefreshInterval <= 0 {
		cfg.ProfileRefreshInterval = DefaultAuthConfig().ProfileRefreshInterval
	}
	return &AuthSession{
		api:       api,
		tasks:     tasks,
		cfg:       cfg,
		logger:    logger,
		avatars:   make(map[domain.UserID]string),
		observers: make(map[int]func(domain.Notification)),
	}
}

// IsAuthenticated reports whether both access-pair fields are present.
func (s *AuthSession) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access.Valid()
}

// CurrentUserID returns the bound user id, empty when anonymous.
func (s *AuthSession) CurrentUserID() domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return ""
	}
	return s.profile.UserID
}

// Profile returns the cached profile, nil when anonymous.
func (s *AuthSession) Profile() *domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// AccessTokenExpiry returns the unverified exp claim of the access
// token, when one was parseable. Advisory only; 401 handling is the
// authoritative refresh trigger.
func (s *AuthSession) AccessTokenExpiry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessExpiry, !s.accessExpiry.IsZero()
}

// Subscribe registers an observer for session-changed notifications
// and returns its unsubscribe function.
func (s *AuthSession) Subscribe(fn func(domain.Notification)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *AuthSession) broadcast(n domain.Notification) {
	s.obsMu.Lock()
	fns := make([]func(domain.Notification), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Request issues a backend request, attaching the credential header
// when opts.RequiresAuth and a pair exists. On an authorization
// failure it performs exactly one transparent refresh then retries
// the original request once; a second authorization failure clears
// the session exactly once.
func (s *AuthSession) Request(ctx context.Context, method, path string, query url.Values, body any, opts ports.RequestOptions) (*ports.APIResponse, error) {
	const maxAttempts = 2

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var creds *domain.CredentialPair
		if opts.RequiresAuth {
			if pair, ok := s.currentAccess(); ok {
				creds = &pair
			}
		}

		resp, err := s.api.Do(ctx, method, path, query, body, creds)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !opts.RequiresAuth || !apperrors.IsAuthError(err) {
			return resp, err
		}
		if attempt > 0 {
			// Retry already occurred; the refreshed credentials were
			// rejected too.
			s.clearAndNotify(err)
			return resp, err
		}

		if refreshErr := s.refreshAccess(ctx); refreshErr != nil {
			s.logger.Warnw("token refresh failed", "error", refreshErr)
			s.clearAndNotify(err)
			s.dropServerCookies()
			return resp, err
		}
	}
	return nil, lastErr
}

func (s *AuthSession) currentAccess() (domain.CredentialPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access, s.access.Valid()
}

// refreshAccess mints a new access pair. Concurrent callers share a
// single in-flight refresh rather than each issuing their own.
func (s *AuthSession) refreshAccess(ctx context.Context) error {
	s.sfMu.Lock()
	if call := s.inflight; call != nil {
		s.sfMu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.sfMu.Unlock()

	call.err = s.doRefresh(ctx)
	if s.cfg.RefreshHook != nil {
		outcome := "success"
		if call.err != nil {
			outcome = "failure"
		}
		s.cfg.RefreshHook(outcome)
	}
	close(call.done)

	s.sfMu.Lock()
	s.inflight = nil
	s.sfMu.Unlock()

	return call.err
}

func (s *AuthSession) doRefresh(ctx context.Context) error {
	s.mu.Lock()
	signing := s.refresh
	if !signing.Valid() {
		signing = s.access
	}
	body := refreshRequest{AccessSessionID: s.access.SessionID}
	s.mu.Unlock()

	var creds *domain.CredentialPair
	if signing.Valid() {
		creds = &signing
	}

	resp, err := s.api.Do(ctx, http.MethodPost, "/api/refresh", nil, body, creds)
	if err != nil {
		return err
	}

	var parsed credentialsResponse
	if err := resp.DecodeJSON(&parsed); err != nil {
		return err
	}
	if !parsed.Success || parsed.AccessPair == nil {
		return apperrors.NewUnauthorizedError("refresh rejected")
	}

	s.storePairs(parsed.AccessPair, parsed.RefreshPair, true)
	return nil
}

// storePairs replaces the access pair atomically. The refresh pair is
// kept only when keepRefresh is set; refresh responses keep whatever
// retention the login decided.
func (s *AuthSession) storePairs(access, refresh *wirePair, keepRefresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = domain.CredentialPair{Token: access.Token, SessionID: access.SessionID}
	s.accessExpiry = tokenExpiry(access.Token)
	if refresh != nil && keepRefresh {
		s.refresh = domain.CredentialPair{Token: refresh.Token, SessionID: refresh.SessionID}
	}
}

// tokenExpiry extracts the exp claim without verifying the signature;
// the backend remains the authority on token validity.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// clearAndNotify clears all session state and broadcasts a single
// unauthenticated notification. Clearing an already-empty session is
// a no-op, so repeated failures cannot storm observers.
func (s *AuthSession) clearAndNotify(cause error) {
	s.mu.Lock()
	hadState := s.access.Valid() || s.refresh.Valid() || s.profile != nil
	s.access = domain.CredentialPair{}
	s.refresh = domain.CredentialPair{}
	s.profile = nil
	s.accessExpiry = time.Time{}
	s.mu.Unlock()

	if hadState {
		s.broadcast(domain.NewUnauthenticated(cause))
	}
}

// dropServerCookies asks the backend to discard any stale session
// cookie. Best-effort, fire-and-forget.
func (s *AuthSession) dropServerCookies() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.api.Do(ctx, http.MethodPost, "/api/clean-cookies", nil, nil, nil); err != nil {
			s.logger.Debugw("clean-cookies request failed", "error", err)
		}
	}()
}

// Login authenticates the viewer. The refresh pair is held in memory
// only when the caller opted out of long-lived persistence
// (rememberAcrossRestarts=false); long-lived sessions rely on an
// external persistent mechanism.
func (s *AuthSession) Login(ctx context.Context, identifier, secret string, rememberAcrossRestarts bool) error {
	if err := validation.ValidateIdentifier(identifier); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateSecret(secret); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	body := loginRequest{
		UsernameOrEmail:        identifier,
		Secret:                 secret,
		RememberAcrossRestarts: rememberAcrossRestarts,
	}

	// Login never attaches the credential header.
	resp, err := s.api.Do(ctx, http.MethodPost, "/api/login", nil, body, nil)
	if err != nil {
		s.broadcast(domain.NewUnauthenticated(err))
		return err
	}

	var parsed credentialsResponse
	if err := resp.DecodeJSON(&parsed); err != nil {
		s.broadcast(domain.NewUnauthenticated(err))
		return err
	}
	if !parsed.Success || parsed.AccessPair == nil {
		err := apperrors.NewUnauthorizedError("login rejected")
		s.broadcast(domain.NewUnauthenticated(err))
		return err
	}

	s.storePairs(parsed.AccessPair, parsed.RefreshPair, !rememberAcrossRestarts)

	if err := s.GetProfile(ctx); err != nil {
		return err
	}

	s.tasks.Start(ProfileTaskID, func(taskCtx context.Context) error {
		return s.GetProfile(taskCtx)
	}, s.cfg.ProfileRefreshInterval, poller.DefaultOptions())

	s.logger.Infow("login succeeded", "remember", rememberAcrossRestarts)
	return nil
}

// Logout invalidates the session server-side (best effort), stops all
// polling tasks and clears session state.
func (s *AuthSession) Logout(ctx context.Context, allDevices bool) {
	path := "/api/logout"
	if allDevices {
		path = "/api/logout-all"
	}

	if _, err := s.Request(ctx, http.MethodPost, path, nil, nil, ports.RequestOptions{RequiresAuth: true}); err != nil {
		s.logger.Warnw("server-side logout failed", "path", path, "error", err)
	}

	s.tasks.StopAll()
	s.clearAndNotify(nil)
}

// GetProfile fetches the profile, warms the avatar cache for its user
// id and broadcasts the resulting session state. Avatar failures are
// non-fatal; profile failures clear the session.
func (s *AuthSession) GetProfile(ctx context.Context) error {
	resp, err := s.Request(ctx, http.MethodGet, "/api/profile", nil, nil, ports.RequestOptions{RequiresAuth: true})
	if err != nil {
		s.clearAndNotify(err)
		return err
	}

	var profile domain.Profile
	if err := resp.DecodeJSON(&profile); err != nil {
		s.clearAndNotify(err)
		return err
	}

	s.mu.Lock()
	s.profile = &profile
	expiry := s.accessExpiry
	s.mu.Unlock()

	if !expiry.IsZero() && time.Until(expiry) < time.Minute {
		s.logger.Debugw("access token expires soon", "expires_at", expiry)
	}

	if err := s.ensureAvatar(ctx, profile.UserID); err != nil {
		s.logger.Warnw("avatar fetch failed", "user_id", profile.UserID, "error", err)
	}

	s.broadcast(domain.NewAuthenticated(&profile))
	return nil
}

// ensureAvatar fetches and caches the rendered avatar for a user id
// unless one is cached already. Entries are never evicted, not even on
// logout: the cache trades memory for instant re-display, an accepted
// tradeoff.
func (s *AuthSession) ensureAvatar(ctx context.Context, userID domain.UserID) error {
	if userID == "" {
		return nil
	}

	s.avatarMu.Lock()
	_, cached := s.avatars[userID]
	s.avatarMu.Unlock()
	if cached {
		return nil
	}

	query := url.Values{"name": {string(userID)}}
	resp, err := s.Request(ctx, http.MethodGet, "/avatar/beam", query, nil, ports.RequestOptions{})
	if err != nil {
		return err
	}

	// Avatars arrive as raw SVG text, not JSON.
	s.avatarMu.Lock()
	s.avatars[userID] = resp.Text()
	s.avatarMu.Unlock()
	return nil
}

// CachedAvatar returns the cached avatar payload for a user id.
func (s *AuthSession) CachedAvatar(userID domain.UserID) (string, bool) {
	s.avatarMu.Lock()
	defer s.avatarMu.Unlock()
	avatar, ok := s.avatars[userID]
	return avatar, ok
}

// HasRefreshPair reports whether a refresh pair is held in memory.
func (s *AuthSession) HasRefreshPair() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh.Valid()
}
