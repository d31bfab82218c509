package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
	apperrors "streamview/pkg/errors"
	"streamview/pkg/tracing"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// LiveConfig tunes the real-time transport.
type LiveConfig struct {
	// SignalURL is the websocket endpoint of the streaming edge,
	// e.g. "wss://edge.example.com/ws".
	SignalURL string
	// ICEServers are STUN/TURN urls for the peer connection.
	ICEServers []string
	// StallThreshold is how long media may be absent before the
	// connection reports an interruption.
	StallThreshold time.Duration
	// LossThreshold is how long a stall may last before the
	// connection gives up entirely.
	LossThreshold time.Duration
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.StallThreshold <= 0 {
		c.StallThreshold = 3 * time.Second
	}
	if c.LossThreshold <= 0 {
		c.LossThreshold = 4 * c.StallThreshold
	}
	return c
}

// LiveConnection is a receive-only real-time transport: it negotiates
// a peer connection over the signaling socket, consumes the remote
// tracks and watches for media stalls. Single use: one Connect, one
// Disconnect.
type LiveConnection struct {
	cfg    LiveConfig
	logger *zap.SugaredLogger

	mu        sync.Mutex
	ws        *websocket.Conn
	pc        *webrtc.PeerConnection
	cancel    context.CancelFunc
	callbacks ports.ConnectionCallbacks
	stream    domain.StreamCode
	videoSSRC uint32

	lastMediaNanos atomic.Int64
	bytesReceived  atomic.Int64
	firstMedia     sync.Once
	advisoryOnce   sync.Once
	lostOnce       sync.Once
	closeOnce      sync.Once
	stalled        atomic.Bool

	wsWriteMu sync.Mutex
}

// NewLiveConnection builds an unconnected live transport.
func NewLiveConnection(cfg LiveConfig, logger *zap.SugaredLogger) *LiveConnection {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LiveConnection{cfg: cfg.withDefaults(), logger: logger}
}

func (l *LiveConnection) Kind() domain.ConnectionKind { return domain.ConnectionLive }

// Connect dials the signaling socket, negotiates the peer connection
// and starts the media watchdog. It returns once the offer is sent;
// establishment and first media are reported through callbacks.
func (l *LiveConnection) Connect(ctx context.Context, params ports.ConnectParams) error {
	ctx, span := tracing.TraceConnection(ctx, "live", string(params.StreamCode))
	defer span.End()

	signalURL, err := l.buildSignalURL(params.StreamCode)
	if err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("bad signal url: %v", err))
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, signalURL, nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.WrapError(err, apperrors.ErrCodeTransient, "signal dial failed", 0)
	}

	pc, err := l.buildPeerConnection()
	if err != nil {
		ws.Close()
		tracing.RecordError(ctx, err)
		return apperrors.WrapError(err, apperrors.ErrCodeMedia, "peer connection setup failed", 0)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.ws = ws
	l.pc = pc
	l.cancel = cancel
	l.callbacks = params.Callbacks
	l.stream = params.StreamCode
	l.mu.Unlock()

	l.wireHandlers(pc)

	// Receive-only: one audio and one video transceiver.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			l.teardown()
			return apperrors.WrapError(err, apperrors.ErrCodeMedia, "transceiver setup failed", 0)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		l.teardown()
		return apperrors.WrapError(err, apperrors.ErrCodeMedia, "offer creation failed", 0)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		l.teardown()
		return apperrors.WrapError(err, apperrors.ErrCodeMedia, "local description failed", 0)
	}

	msg, err := newSignalMessage(msgTypeOffer, params.StreamCode, OfferPayload{SDP: offer.SDP})
	if err != nil {
		l.teardown()
		return err
	}
	if err := l.writeSignal(msg); err != nil {
		l.teardown()
		return apperrors.WrapError(err, apperrors.ErrCodeTransient, "offer send failed", 0)
	}

	go l.readSignals(connCtx, ws)
	go l.watchdog(connCtx)

	l.logger.Infow("live connection negotiating", "stream_code", params.StreamCode)
	return nil
}

func (l *LiveConnection) buildSignalURL(code domain.StreamCode) (string, error) {
	u, err := url.Parse(l.cfg.SignalURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("app", "live")
	q.Set("stream", string(code))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (l *LiveConnection) buildPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}
	if len(l.cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: l.cfg.ICEServers}}
	}

	settingEngine := webrtc.SettingEngine{}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (l *LiveConnection) wireHandlers(pc *webrtc.PeerConnection) {
	pc.OnTrack(l.handleTrack)

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		msg, err := newSignalMessage(msgTypeICECandidate, l.stream, ICECandidatePayload{
			Candidate: candidate.ToJSON().Candidate,
		})
		if err != nil {
			return
		}
		if err := l.writeSignal(msg); err != nil {
			l.logger.Debugw("ice candidate send failed", "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cb := l.cbs().OnEstablished; cb != nil {
				cb()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.reportLost()
		}
	})
}

func (l *LiveConnection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	l.logger.Infow("remote track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
		"kind", track.Kind().String(),
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		l.mu.Lock()
		l.videoSSRC = uint32(track.SSRC())
		l.mu.Unlock()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		l.recordMedia(track.Kind(), pkt)
	}
}

func (l *LiveConnection) recordMedia(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	l.lastMediaNanos.Store(time.Now().UnixNano())
	l.bytesReceived.Add(int64(len(pkt.Payload)))

	if l.stalled.CompareAndSwap(true, false) {
		if cb := l.cbs().OnResumed; cb != nil {
			cb()
		}
	}

	l.firstMedia.Do(func() {
		if cb := l.cbs().OnFirstMedia; cb != nil {
			cb()
		}
	})

	if kind == webrtc.RTPCodecTypeAudio {
		l.advisoryOnce.Do(func() {
			if cb := l.cbs().OnAdvisory; cb != nil {
				cb("audio starts muted until explicitly enabled")
			}
		})
	}
}

// watchdog flags a stall when no media arrived for the stall
// threshold, requests a keyframe, and escalates to connection-lost
// when the stall outlives the loss threshold.
func (l *LiveConnection) watchdog(ctx context.Context) {
	interval := l.cfg.StallThreshold / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := l.lastMediaNanos.Load()
		if last == 0 {
			// Nothing received yet; first-media latency is the
			// controller's concern, not a stall.
			continue
		}

		silence := time.Since(time.Unix(0, last))
		switch {
		case silence >= l.cfg.LossThreshold:
			l.reportLost()
			return
		case silence >= l.cfg.StallThreshold:
			if l.stalled.CompareAndSwap(false, true) {
				l.logger.Warnw("media stalled", "silence", silence)
				if cb := l.cbs().OnInterrupted; cb != nil {
					cb()
				}
			}
			l.requestKeyframe()
		}
	}
}

// requestKeyframe sends a picture loss indication so the sender
// refreshes the video as soon as packets flow again.
func (l *LiveConnection) requestKeyframe() {
	l.mu.Lock()
	pc := l.pc
	ssrc := l.videoSSRC
	l.mu.Unlock()

	if pc == nil || ssrc == 0 {
		return
	}
	err := pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
	if err != nil {
		l.logger.Debugw("keyframe request failed", "error", err)
	}
}

func (l *LiveConnection) readSignals(ctx context.Context, ws *websocket.Conn) {
	for {
		var msg SignalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				l.logger.Warnw("signal socket closed", "error", err)
				l.reportLost()
			}
			return
		}

		switch msg.Type {
		case msgTypeAnswer:
			var payload AnswerPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				l.logger.Warnw("malformed answer payload", "error", err)
				continue
			}
			l.applyAnswer(payload.SDP)
		case msgTypeICECandidate:
			var payload ICECandidatePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				l.logger.Warnw("malformed candidate payload", "error", err)
				continue
			}
			l.addCandidate(payload.Candidate)
		case msgTypeError:
			var payload ErrorPayload
			_ = json.Unmarshal(msg.Payload, &payload)
			l.logger.Warnw("signal error from edge", "message", payload.Message)
			l.reportLost()
			return
		default:
			l.logger.Debugw("ignoring signal message", "type", msg.Type)
		}
	}
}

func (l *LiveConnection) applyAnswer(sdp string) {
	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()
	if pc == nil {
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		l.logger.Errorw("remote description failed", "error", err)
		l.reportLost()
	}
}

func (l *LiveConnection) addCandidate(candidate string) {
	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		l.logger.Debugw("ice candidate rejected", "error", err)
	}
}

func (l *LiveConnection) writeSignal(msg SignalMessage) error {
	l.mu.Lock()
	ws := l.ws
	l.mu.Unlock()
	if ws == nil {
		return domain.ErrConnectionLost
	}

	l.wsWriteMu.Lock()
	defer l.wsWriteMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(msg)
}

// BytesReceived reports total media payload bytes consumed so far.
func (l *LiveConnection) BytesReceived() int64 {
	return l.bytesReceived.Load()
}

func (l *LiveConnection) cbs() ports.ConnectionCallbacks {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callbacks
}

func (l *LiveConnection) reportLost() {
	l.lostOnce.Do(func() {
		cb := l.cbs().OnConnectionLost
		l.teardown()
		if cb != nil {
			cb()
		}
	})
}

// Disconnect tears the transport down. Safe to call more than once.
func (l *LiveConnection) Disconnect() {
	l.teardown()
}

func (l *LiveConnection) teardown() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		ws := l.ws
		pc := l.pc
		cancel := l.cancel
		l.ws = nil
		l.pc = nil
		l.cancel = nil
		l.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if ws != nil {
			ws.Close()
		}
		if pc != nil {
			pc.Close()
		}
	})
}
