package media

import (
	"fmt"
	"net/http"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
	apperrors "streamview/pkg/errors"

	"go.uber.org/zap"
)

// Factory builds single-use connection handles for the transport kind
// the stream status demands.
type Factory struct {
	live   LiveConfig
	replay ReplayConfig
	client *http.Client
	logger *zap.SugaredLogger
}

// NewFactory creates a connection factory. The http client is shared
// by all replay handles; nil falls back to a default one.
func NewFactory(live LiveConfig, replay ReplayConfig, client *http.Client, logger *zap.SugaredLogger) *Factory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Factory{live: live, replay: replay, client: client, logger: logger}
}

func (f *Factory) NewConnection(kind domain.ConnectionKind) (ports.ConnectionHandle, error) {
	switch kind {
	case domain.ConnectionLive:
		return NewLiveConnection(f.live, f.logger), nil
	case domain.ConnectionReplay:
		return NewReplayConnection(f.replay, f.client, f.logger), nil
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("no transport for kind %s", kind))
	}
}
