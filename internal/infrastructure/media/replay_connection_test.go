package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replayFixture serves mp4 paths with per-quality behavior.
type replayFixture struct {
	mu sync.Mutex
	// missing qualities 404, broken ones 500, truncated ones advertise
	// more bytes than they send, everything else plays to completion.
	missing   map[string]bool
	broken    map[string]bool
	truncated map[string]bool
	heads     []string
	gets      []string
}

func newReplayFixture() *replayFixture {
	return &replayFixture{
		missing:   make(map[string]bool),
		broken:    make(map[string]bool),
		truncated: make(map[string]bool),
	}
}

func (f *replayFixture) quality(path string) string {
	parts := strings.Split(path, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

func (f *replayFixture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	quality := f.quality(r.URL.Path)

	f.mu.Lock()
	missing := f.missing[quality]
	broken := f.broken[quality]
	truncated := f.truncated[quality]
	if r.Method == http.MethodHead {
		f.heads = append(f.heads, quality)
	} else {
		f.gets = append(f.gets, quality)
	}
	f.mu.Unlock()

	if missing {
		http.NotFound(w, r)
		return
	}

	if broken {
		http.Error(w, "storage backend unavailable", http.StatusInternalServerError)
		return
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if truncated {
		w.Header().Set("Content-Length", "4096")
		w.Write([]byte("partial-payload"))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		// Returning short of Content-Length aborts the response body.
		return
	}

	fmt.Fprintf(w, "mp4-payload-%s", quality)
}

func (f *replayFixture) getsFor(quality string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.gets {
		if q == quality {
			n++
		}
	}
	return n
}

// replayEvents collects callback firings.
type replayEvents struct {
	mu          sync.Mutex
	firstMedia  int
	interrupted int
	lost        int
	established int
}

func (e *replayEvents) callbacks() ports.ConnectionCallbacks {
	return ports.ConnectionCallbacks{
		OnEstablished: func() { e.mu.Lock(); e.established++; e.mu.Unlock() },
		OnFirstMedia:  func() { e.mu.Lock(); e.firstMedia++; e.mu.Unlock() },
		OnInterrupted: func() { e.mu.Lock(); e.interrupted++; e.mu.Unlock() },
		OnConnectionLost: func() {
			e.mu.Lock()
			e.lost++
			e.mu.Unlock()
		},
	}
}

func (e *replayEvents) counts() (firstMedia, interrupted, lost int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstMedia, e.interrupted, e.lost
}

func newTestReplay(t *testing.T, baseURL string) *ReplayConnection {
	t.Helper()
	conn := NewReplayConnection(ReplayConfig{
		BaseURL:   baseURL,
		Qualities: []string{"1080p", "720p", "480p"},
	}, nil, nil)
	t.Cleanup(conn.Disconnect)
	return conn
}

func TestReplaySkipsMissingQualities(t *testing.T) {
	fixture := newReplayFixture()
	fixture.missing["1080p"] = true
	server := httptest.NewServer(fixture)
	defer server.Close()

	events := &replayEvents{}
	conn := newTestReplay(t, server.URL)

	err := conn.Connect(context.Background(), ports.ConnectParams{
		StreamCode: "demo-stream",
		Callbacks:  events.callbacks(),
	})
	require.NoError(t, err)
	assert.Equal(t, "720p", conn.CurrentQuality())

	require.Eventually(t, func() bool {
		firstMedia, _, _ := events.counts()
		return firstMedia == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, interrupted, lost := events.counts()
	assert.Zero(t, interrupted)
	assert.Zero(t, lost)
	// The missing tier never gets a download attempt.
	assert.Zero(t, fixture.getsFor("1080p"))
}

func TestReplayDowngradesOnceOnPlaybackFailure(t *testing.T) {
	fixture := newReplayFixture()
	fixture.truncated["1080p"] = true
	server := httptest.NewServer(fixture)
	defer server.Close()

	events := &replayEvents{}
	conn := newTestReplay(t, server.URL)

	err := conn.Connect(context.Background(), ports.ConnectParams{
		StreamCode: "demo-stream",
		Callbacks:  events.callbacks(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fixture.getsFor("720p") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, interrupted, _ := events.counts()
		return interrupted == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "720p", conn.CurrentQuality())
	_, _, lost := events.counts()
	assert.Zero(t, lost)
}

func TestReplayGivesUpAfterSecondFailure(t *testing.T) {
	fixture := newReplayFixture()
	fixture.truncated["1080p"] = true
	fixture.truncated["720p"] = true
	server := httptest.NewServer(fixture)
	defer server.Close()

	events := &replayEvents{}
	conn := newTestReplay(t, server.URL)

	err := conn.Connect(context.Background(), ports.ConnectParams{
		StreamCode: "demo-stream",
		Callbacks:  events.callbacks(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, lost := events.counts()
		return lost == 1
	}, 2*time.Second, 5*time.Millisecond)

	// One downgrade only; the bottom tier is never attempted.
	_, interrupted, _ := events.counts()
	assert.Equal(t, 1, interrupted)
	assert.Zero(t, fixture.getsFor("480p"))
}

func TestReplayProbeFailureDowngrades(t *testing.T) {
	fixture := newReplayFixture()
	fixture.broken["1080p"] = true
	server := httptest.NewServer(fixture)
	defer server.Close()

	events := &replayEvents{}
	conn := newTestReplay(t, server.URL)

	err := conn.Connect(context.Background(), ports.ConnectParams{
		StreamCode: "demo-stream",
		Callbacks:  events.callbacks(),
	})
	require.NoError(t, err)
	assert.Equal(t, "720p", conn.CurrentQuality())

	require.Eventually(t, func() bool {
		firstMedia, _, _ := events.counts()
		return firstMedia == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, fixture.getsFor("1080p"))
}

func TestReplayProbeFailureSpendsTheDowngrade(t *testing.T) {
	fixture := newReplayFixture()
	fixture.broken["1080p"] = true
	fixture.broken["720p"] = true
	server := httptest.NewServer(fixture)
	defer server.Close()

	conn := newTestReplay(t, server.URL)
	err := conn.Connect(context.Background(), ports.ConnectParams{StreamCode: "demo-stream"})
	require.Error(t, err)
	// 480p stays untouched, the single downgrade is already spent.
	assert.NotContains(t, fixture.heads, "480p")
}

func TestReplayNoPlayableSource(t *testing.T) {
	fixture := newReplayFixture()
	fixture.missing["1080p"] = true
	fixture.missing["720p"] = true
	fixture.missing["480p"] = true
	server := httptest.NewServer(fixture)
	defer server.Close()

	conn := newTestReplay(t, server.URL)
	err := conn.Connect(context.Background(), ports.ConnectParams{StreamCode: "demo-stream"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoPlayableSource))
}

func TestFactoryDispatch(t *testing.T) {
	factory := NewFactory(LiveConfig{SignalURL: "ws://edge.local/ws"}, ReplayConfig{BaseURL: "http://files.local"}, nil, nil)

	live, err := factory.NewConnection(domain.ConnectionLive)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionLive, live.Kind())

	replay, err := factory.NewConnection(domain.ConnectionReplay)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionReplay, replay.Kind())

	_, err = factory.NewConnection(domain.ConnectionNone)
	require.Error(t, err)
}

func TestLiveSignalURL(t *testing.T) {
	conn := NewLiveConnection(LiveConfig{SignalURL: "wss://edge.example.com/ws"}, nil)
	u, err := conn.buildSignalURL("demo-stream")
	require.NoError(t, err)
	assert.Equal(t, "wss://edge.example.com/ws?app=live&stream=demo-stream", u)
}
