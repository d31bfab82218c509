package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"streamview/internal/core/domain"
)

// APIResponse is a decoded backend response. JSON bodies are kept as
// raw bytes for the caller to unmarshal; non-JSON bodies (rendered
// avatars) are kept as-is.
type APIResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsJSON reports whether the response declared a JSON media type.
func (r *APIResponse) IsJSON() bool {
	return strings.Contains(r.ContentType, "application/json")
}

// DecodeJSON unmarshals a JSON body into target.
func (r *APIResponse) DecodeJSON(target any) error {
	if !r.IsJSON() {
		return fmt.Errorf("response is %q, not JSON", r.ContentType)
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Text returns the body as raw text, used for non-JSON payloads.
func (r *APIResponse) Text() string {
	return string(r.Body)
}

// APIClient is the raw HTTP transport under the session layer. Do
// returns an error for transport failures and non-success statuses,
// classified into the application error taxonomy; the response is
// returned alongside the error when one was received.
type APIClient interface {
	Do(ctx context.Context, method, path string, query url.Values, body any, creds *domain.CredentialPair) (*APIResponse, error)
}

// RequestOptions controls credential attachment for one request.
type RequestOptions struct {
	// RequiresAuth attaches the credential header when a pair exists
	// and arms the refresh-and-retry path on authorization failures.
	RequiresAuth bool
}

// SessionAPI is the surface the viewing-session controller consumes
// from the authenticated session.
type SessionAPI interface {
	// Request issues a backend request through the session's signing
	// and refresh-and-retry wrapper.
	Request(ctx context.Context, method, path string, query url.Values, body any, opts RequestOptions) (*APIResponse, error)

	// Subscribe registers an observer for session-changed
	// notifications and returns an unsubscribe function.
	Subscribe(fn func(domain.Notification)) func()

	// CurrentUserID returns the bound user id, empty when anonymous.
	CurrentUserID() domain.UserID
}

// ConnectionCallbacks are the lifecycle hooks a playback transport
// invokes. Nil callbacks are skipped.
type ConnectionCallbacks struct {
	// OnEstablished fires when the transport session is negotiated.
	OnEstablished func()
	// OnFirstMedia fires on the first media payload; flips the UI
	// from loading to playing.
	OnFirstMedia func()
	// OnInterrupted fires when media has stalled beyond the stall
	// threshold. The connection stays up.
	OnInterrupted func()
	// OnResumed fires when media arrives again after an interruption.
	OnResumed func()
	// OnConnectionLost fires when an interruption exceeds the loss
	// threshold without recovery. The controller escalates to a fresh
	// poll cycle.
	OnConnectionLost func()
	// OnAdvisory surfaces one-time playback notices (e.g. muted
	// autoplay) to the collaborating UI.
	OnAdvisory func(message string)
}

// ConnectParams parameterizes a transport connection attempt.
type ConnectParams struct {
	StreamCode domain.StreamCode
	Callbacks  ConnectionCallbacks
}

// ConnectionHandle is one playback transport: live real-time delivery
// or file-based replay. Exactly one handle may be active per viewing
// session; establishing a new one is preceded by tearing down the old
// one.
type ConnectionHandle interface {
	Connect(ctx context.Context, params ConnectParams) error
	Disconnect()
	Kind() domain.ConnectionKind
}

// ConnectionFactory builds a fresh handle for a transport kind.
// Handles are single-use: one Connect, one Disconnect.
type ConnectionFactory interface {
	NewConnection(kind domain.ConnectionKind) (ConnectionHandle, error)
}

// ViewObserver receives viewing-session state changes. All methods
// are optional courtesies to the UI layer; implementations must not
// block.
type ViewObserver interface {
	// OnWaiting indicates no playback transport is active and why.
	OnWaiting(status domain.Status)
	// OnPlaying indicates a transport delivered first media.
	OnPlaying(kind domain.ConnectionKind)
	// OnStreamInfoChanged reports a field-level diff of the polled
	// stream info.
	OnStreamInfoChanged(info *domain.StreamInfo, changed []string)
	// OnAdvisory surfaces one-time playback notices.
	OnAdvisory(message string)
	// OnAuthRequired indicates the stream demands a signed-in viewer.
	OnAuthRequired()
	// OnTerminated indicates the viewing session ended.
	OnTerminated(reason error)
}

// NopViewObserver is a ViewObserver that ignores everything.
type NopViewObserver struct{}

func (NopViewObserver) OnWaiting(domain.Status)                      {}
func (NopViewObserver) OnPlaying(domain.ConnectionKind)              {}
func (NopViewObserver) OnStreamInfoChanged(*domain.StreamInfo, []string) {}
func (NopViewObserver) OnAdvisory(string)                            {}
func (NopViewObserver) OnAuthRequired()                              {}
func (NopViewObserver) OnTerminated(error)                           {}
