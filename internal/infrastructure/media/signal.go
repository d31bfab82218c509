package media

import (
	"encoding/json"

	"streamview/internal/core/domain"
)

// Signal message types exchanged with the streaming edge.
const (
	msgTypeOffer        = "offer"
	msgTypeAnswer       = "answer"
	msgTypeICECandidate = "ice_candidate"
	msgTypeError        = "error"
)

// SignalMessage is the envelope on the signaling socket.
type SignalMessage struct {
	Type    string            `json:"type"`
	Stream  domain.StreamCode `json:"stream_id,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type ICECandidatePayload struct {
	Candidate string `json:"candidate"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func newSignalMessage(msgType string, stream domain.StreamCode, payload any) (SignalMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, err
	}
	return SignalMessage{Type: msgType, Stream: stream, Payload: raw}, nil
}
