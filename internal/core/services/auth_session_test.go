package services

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
	apperrors "streamview/pkg/errors"
	"streamview/pkg/poller"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	method string
	path   string
	query  url.Values
	body   any
	creds  *domain.CredentialPair
}

// scriptedAPI routes calls to per-path handlers and records every call.
type scriptedAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	handlers map[string]func(call apiCall) (*ports.APIResponse, error)
}

func newScriptedAPI() *scriptedAPI {
	return &scriptedAPI{handlers: make(map[string]func(apiCall) (*ports.APIResponse, error))}
}

func (f *scriptedAPI) handle(path string, fn func(apiCall) (*ports.APIResponse, error)) {
	f.handlers[path] = fn
}

func (f *scriptedAPI) Do(_ context.Context, method, path string, query url.Values, body any, creds *domain.CredentialPair) (*ports.APIResponse, error) {
	call := apiCall{method: method, path: path, query: query, body: body, creds: creds}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.handlers[path]
	f.mu.Unlock()

	if fn == nil {
		return nil, apperrors.NewNotFoundError(path)
	}
	return fn(call)
}

func (f *scriptedAPI) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.path == path {
			n++
		}
	}
	return n
}

func (f *scriptedAPI) callsTo(path string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.path == path {
			out = append(out, c)
		}
	}
	return out
}

func jsonResponse(t *testing.T, v any) *ports.APIResponse {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &ports.APIResponse{StatusCode: 200, ContentType: "application/json", Body: data}
}

func textResponse(body string) *ports.APIResponse {
	return &ports.APIResponse{StatusCode: 200, ContentType: "image/svg+xml", Body: []byte(body)}
}

func newTestSession(t *testing.T, api ports.APIClient) *AuthSession {
	t.Helper()
	tasks := poller.NewRegistry(nil)
	t.Cleanup(tasks.StopAll)
	return NewAuthSession(api, tasks, AuthConfig{ProfileRefreshInterval: time.Hour}, nil)
}

func seedAccess(s *AuthSession, token, sessionID string) {
	s.mu.Lock()
	s.access = domain.CredentialPair{Token: token, SessionID: sessionID}
	s.mu.Unlock()
}

func testProfile(id string) domain.Profile {
	return domain.Profile{UserID: domain.UserID(id), Username: "viewer-" + id}
}

func TestRequestRefreshesAndRetriesOnce(t *testing.T) {
	api := newScriptedAPI()
	s := newTestSession(t, api)
	seedAccess(s, "stale-token", "sess-1")

	api.handle("/api/profile", func(call apiCall) (*ports.APIResponse, error) {
		if call.creds == nil || call.creds.Token == "stale-token" {
			return nil, apperrors.NewUnauthorizedError("token expired")
		}
		return jsonResponse(t, testProfile("u1")), nil
	})
	api.handle("/api/refresh", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, credentialsResponse{
			Success:    true,
			AccessPair: &wirePair{Token: "fresh-token", SessionID: "sess-2"},
		}), nil
	})

	resp, err := s.Request(context.Background(), "GET", "/api/profile", nil, nil, ports.RequestOptions{RequiresAuth: true})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, 2, api.callCount("/api/profile"))
	assert.Equal(t, 1, api.callCount("/api/refresh"))
	assert.True(t, s.IsAuthenticated())

	retried := api.callsTo("/api/profile")[1]
	require.NotNil(t, retried.creds)
	assert.Equal(t, "fresh-token", retried.creds.Token)
	assert.Equal(t, "sess-2", retried.creds.SessionID)
}

func TestSecondAuthFailureClearsSessionOnce(t *testing.T) {
	api := newScriptedAPI()
	s := newTestSession(t, api)
	seedAccess(s, "stale-token", "sess-1")

	api.handle("/api/profile", func(apiCall) (*ports.APIResponse, error) {
		return nil, apperrors.NewUnauthorizedError("nope")
	})
	api.handle("/api/refresh", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, credentialsResponse{
			Success:    true,
			AccessPair: &wirePair{Token: "fresh-token", SessionID: "sess-2"},
		}), nil
	})

	var notifications []domain.Notification
	var mu sync.Mutex
	s.Subscribe(func(n domain.Notification) {
		mu.Lock()
		notifications = append(notifications, n)
		mu.Unlock()
	})

	_, err := s.Request(context.Background(), "GET", "/api/profile", nil, nil, ports.RequestOptions{RequiresAuth: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))

	// Original attempt, one refresh, one retry. Nothing more.
	assert.Equal(t, 2, api.callCount("/api/profile"))
	assert.Equal(t, 1, api.callCount("/api/refresh"))

	assert.False(t, s.IsAuthenticated())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notifications, 1)
	assert.Equal(t, domain.KindUnauthenticated, notifications[0].Kind)
	assert.False(t, notifications[0].IsAuthenticated())
}

func TestFailedRefreshClearsAndDropsCookies(t *testing.T) {
	api := newScriptedAPI()
	s := newTestSession(t, api)
	seedAccess(s, "stale-token", "sess-1")

	api.handle("/api/profile", func(apiCall) (*ports.APIResponse, error) {
		return nil, apperrors.NewUnauthorizedError("nope")
	})
	api.handle("/api/refresh", func(apiCall) (*ports.APIResponse, error) {
		return nil, apperrors.NewUnauthorizedError("refresh token revoked")
	})
	api.handle("/api/clean-cookies", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, map[string]bool{"success": true}), nil
	})

	var count int
	var mu sync.Mutex
	s.Subscribe(func(domain.Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, err := s.Request(context.Background(), "GET", "/api/profile", nil, nil, ports.RequestOptions{RequiresAuth: true})
	require.Error(t, err)
	assert.False(t, s.IsAuthenticated())

	// No retry of the original request after a failed refresh.
	assert.Equal(t, 1, api.callCount("/api/profile"))

	// Cookie cleanup is fire-and-forget.
	assert.Eventually(t, func() bool {
		return api.callCount("/api/clean-cookies") == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestConcurrentAuthFailuresShareOneRefresh(t *testing.T) {
	api := newScriptedAPI()
	s := newTestSession(t, api)
	seedAccess(s, "stale-token", "sess-1")

	api.handle("/api/profile", func(call apiCall) (*ports.APIResponse, error) {
		if call.creds != nil && call.creds.Token == "fresh-token" {
			return jsonResponse(t, testProfile("u1")), nil
		}
		return nil, apperrors.NewUnauthorizedError("token expired")
	})
	api.handle("/api/refresh", func(apiCall) (*ports.APIResponse, error) {
		time.Sleep(50 * time.Millisecond)
		return jsonResponse(t, credentialsResponse{
			Success:    true,
			AccessPair: &wirePair{Token: "fresh-token", SessionID: "sess-2"},
		}), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Request(context.Background(), "GET", "/api/profile", nil, nil, ports.RequestOptions{RequiresAuth: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, api.callCount("/api/refresh"))
}

func loginHandlers(t *testing.T, api *scriptedAPI, userID string) {
	t.Helper()
	api.handle("/api/login", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, credentialsResponse{
			Success:     true,
			AccessPair:  &wirePair{Token: "access-token", SessionID: "sess-a"},
			RefreshPair: &wirePair{Token: "refresh-token", SessionID: "sess-r"},
		}), nil
	})
	api.handle("/api/profile", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, testProfile(userID)), nil
	})
	api.handle("/avatar/beam", func(call apiCall) (*ports.APIResponse, error) {
		return textResponse("<svg>" + call.query.Get("name") + "</svg>"), nil
	})
}

func TestLoginKeepsRefreshPairOnlyForEphemeralSessions(t *testing.T) {
	t.Run("ephemeral keeps pair in memory", func(t *testing.T) {
		api := newScriptedAPI()
		loginHandlers(t, api, "u1")
		s := newTestSession(t, api)

		require.NoError(t, s.Login(context.Background(), "viewer@example.com", "secret", false))
		assert.True(t, s.HasRefreshPair())
		assert.True(t, s.IsAuthenticated())
		assert.Equal(t, domain.UserID("u1"), s.CurrentUserID())
	})

	t.Run("remembered discards in-memory pair", func(t *testing.T) {
		api := newScriptedAPI()
		loginHandlers(t, api, "u1")
		s := newTestSession(t, api)

		require.NoError(t, s.Login(context.Background(), "viewer@example.com", "secret", true))
		assert.False(t, s.HasRefreshPair())
		assert.True(t, s.IsAuthenticated())
	})
}

func TestLoginRejectsEmptyInputs(t *testing.T) {
	api := newScriptedAPI()
	s := newTestSession(t, api)

	require.Error(t, s.Login(context.Background(), "", "secret", false))
	require.Error(t, s.Login(context.Background(), "viewer", "", false))
	assert.Zero(t, len(api.calls))
}

func TestAvatarCachedOncePerIdentity(t *testing.T) {
	api := newScriptedAPI()
	loginHandlers(t, api, "u1")
	s := newTestSession(t, api)

	require.NoError(t, s.Login(context.Background(), "viewer@example.com", "secret", false))
	require.NoError(t, s.GetProfile(context.Background()))
	require.NoError(t, s.GetProfile(context.Background()))

	// One fetch, however many profile reads.
	assert.Equal(t, 1, api.callCount("/avatar/beam"))

	avatar, ok := s.CachedAvatar("u1")
	require.True(t, ok)
	assert.Equal(t, "<svg>u1</svg>", avatar)

	// The cache outlives logout.
	s.Logout(context.Background(), false)
	avatar, ok = s.CachedAvatar("u1")
	require.True(t, ok)
	assert.Equal(t, "<svg>u1</svg>", avatar)

	// A different identity gets its own fetch.
	api.handle("/api/profile", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, testProfile("u2")), nil
	})
	require.NoError(t, s.Login(context.Background(), "other@example.com", "secret", false))
	assert.Equal(t, 2, api.callCount("/avatar/beam"))
	_, ok = s.CachedAvatar("u2")
	assert.True(t, ok)
}

func TestLogoutStopsTasksAndBroadcasts(t *testing.T) {
	api := newScriptedAPI()
	loginHandlers(t, api, "u1")
	api.handle("/api/logout", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, map[string]bool{"success": true}), nil
	})
	api.handle("/api/logout-all", func(apiCall) (*ports.APIResponse, error) {
		return jsonResponse(t, map[string]bool{"success": true}), nil
	})

	tasks := poller.NewRegistry(nil)
	t.Cleanup(tasks.StopAll)
	s := NewAuthSession(api, tasks, AuthConfig{ProfileRefreshInterval: time.Hour}, nil)

	require.NoError(t, s.Login(context.Background(), "viewer@example.com", "secret", false))
	assert.True(t, tasks.Status(ProfileTaskID).Running)

	var last domain.Notification
	var mu sync.Mutex
	s.Subscribe(func(n domain.Notification) {
		mu.Lock()
		last = n
		mu.Unlock()
	})

	s.Logout(context.Background(), true)
	assert.Equal(t, 1, api.callCount("/api/logout-all"))
	assert.False(t, s.IsAuthenticated())
	assert.False(t, tasks.Status(ProfileTaskID).Running)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.KindUnauthenticated, last.Kind)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	api := newScriptedAPI()
	s := newTestSession(t, api)

	var count int
	unsub := s.Subscribe(func(domain.Notification) { count++ })

	s.broadcast(domain.NewUnauthenticated(nil))
	assert.Equal(t, 1, count)

	unsub()
	s.broadcast(domain.NewUnauthenticated(nil))
	assert.Equal(t, 1, count)
}

func TestAccessTokenExpiryHint(t *testing.T) {
	api := newScriptedAPI()
	s := newTestSession(t, api)

	// Static token with exp=4102444800 (2100-01-01), unsigned alg none
	// is rejected by the parser, so use an HS256-shaped one. Signature
	// is not verified.
	const token = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
		"eyJleHAiOjQxMDI0NDQ4MDB9." +
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

	s.storePairs(&wirePair{Token: token, SessionID: "sess"}, nil, false)

	expiry, ok := s.AccessTokenExpiry()
	require.True(t, ok)
	assert.Equal(t, int64(4102444800), expiry.Unix())

	s.storePairs(&wirePair{Token: "not-a-jwt", SessionID: "sess"}, nil, false)
	_, ok = s.AccessTokenExpiry()
	assert.False(t, ok)
}

func TestRefreshHookObservesOutcomes(t *testing.T) {
	newHookedSession := func(t *testing.T, api ports.APIClient, outcomes *[]string, mu *sync.Mutex) *AuthSession {
		t.Helper()
		tasks := poller.NewRegistry(nil)
		t.Cleanup(tasks.StopAll)
		return NewAuthSession(api, tasks, AuthConfig{
			ProfileRefreshInterval: time.Hour,
			RefreshHook: func(outcome string) {
				mu.Lock()
				*outcomes = append(*outcomes, outcome)
				mu.Unlock()
			},
		}, nil)
	}

	t.Run("successful refresh", func(t *testing.T) {
		api := newScriptedAPI()
		var mu sync.Mutex
		var outcomes []string
		s := newHookedSession(t, api, &outcomes, &mu)
		seedAccess(s, "stale-token", "sess-1")

		api.handle("/api/profile", func(call apiCall) (*ports.APIResponse, error) {
			if call.creds == nil || call.creds.Token == "stale-token" {
				return nil, apperrors.NewUnauthorizedError("token expired")
			}
			return jsonResponse(t, testProfile("u1")), nil
		})
		api.handle("/api/refresh", func(apiCall) (*ports.APIResponse, error) {
			return jsonResponse(t, credentialsResponse{
				Success:    true,
				AccessPair: &wirePair{Token: "fresh-token", SessionID: "sess-2"},
			}), nil
		})

		_, err := s.Request(context.Background(), "GET", "/api/profile", nil, nil, ports.RequestOptions{RequiresAuth: true})
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"success"}, outcomes)
	})

	t.Run("failed refresh", func(t *testing.T) {
		api := newScriptedAPI()
		var mu sync.Mutex
		var outcomes []string
		s := newHookedSession(t, api, &outcomes, &mu)
		seedAccess(s, "stale-token", "sess-1")

		api.handle("/api/profile", func(apiCall) (*ports.APIResponse, error) {
			return nil, apperrors.NewUnauthorizedError("token expired")
		})
		api.handle("/api/refresh", func(apiCall) (*ports.APIResponse, error) {
			return nil, apperrors.NewUnauthorizedError("refresh rejected")
		})

		_, err := s.Request(context.Background(), "GET", "/api/profile", nil, nil, ports.RequestOptions{RequiresAuth: true})
		require.Error(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"failure"}, outcomes)
	})
}
