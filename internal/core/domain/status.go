package domain

import (
	"encoding/json"
	"fmt"
)

// Status is the stream status reported by the backend, plus the
// connection-local transients a live transport can surface.
type Status int

const (
	StatusUnknown Status = iota

	// Server-authoritative statuses.
	StatusPlanned
	StatusStreaming
	StatusPausing
	StatusReplay
	StatusEnded

	// Connection-local transients. These never come from the status
	// poll as authoritative state; they are surfaced while a live
	// connection exists and has stalled, or before first media.
	StatusPreparing
	StatusWaiting
	StatusReconnecting
	StatusConnectionLost
)

var statusNames = map[Status]string{
	StatusUnknown:        "unknown",
	StatusPlanned:        "planned",
	StatusStreaming:      "streaming",
	StatusPausing:        "pausing",
	StatusReplay:         "replay",
	StatusEnded:          "ended",
	StatusPreparing:      "preparing",
	StatusWaiting:        "waiting",
	StatusReconnecting:   "reconnecting",
	StatusConnectionLost: "connection_lost",
}

var statusValues = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for s, name := range statusNames {
		m[name] = s
	}
	return m
}()

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a wire value to a Status. Unrecognized values map
// to StatusUnknown rather than failing the poll.
func ParseStatus(value string) Status {
	if s, ok := statusValues[value]; ok {
		return s
	}
	return StatusUnknown
}

// Authoritative reports whether the status is server-authoritative.
func (s Status) Authoritative() bool {
	switch s {
	case StatusPlanned, StatusStreaming, StatusPausing, StatusReplay, StatusEnded:
		return true
	}
	return false
}

// Transient reports whether the status is a connection-local
// transient value.
func (s Status) Transient() bool {
	switch s {
	case StatusPreparing, StatusWaiting, StatusReconnecting, StatusConnectionLost:
		return true
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	*s = ParseStatus(value)
	return nil
}

// ConnectionKind identifies the playback transport a status demands.
type ConnectionKind int

const (
	ConnectionNone ConnectionKind = iota
	ConnectionLive
	ConnectionReplay
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectionLive:
		return "live"
	case ConnectionReplay:
		return "replay"
	default:
		return "none"
	}
}

// connectionFor is the status-to-transport dispatch table: exactly one
// transport per status, so simultaneous live and replay connections
// are unrepresentable.
var connectionFor = map[Status]ConnectionKind{
	StatusStreaming: ConnectionLive,
	StatusReplay:    ConnectionReplay,
}

// Connection returns the transport the status demands, or
// ConnectionNone for waiting states.
func (s Status) Connection() ConnectionKind {
	return connectionFor[s]
}
