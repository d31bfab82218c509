package domain

import "errors"

var (
	ErrInvalidStreamCode = errors.New("invalid stream code")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrAuthRequired      = errors.New("authentication required to view this stream")
	ErrStreamEnded       = errors.New("stream has ended")
	ErrSessionClosed     = errors.New("viewing session closed")
	ErrConnectionLost    = errors.New("live connection lost")
	ErrNoPlayableSource  = errors.New("no playable replay source")
)
