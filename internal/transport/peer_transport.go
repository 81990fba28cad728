// Package transport implements the Peer Transport (spec component B): a
// thin wrapper around one pion/webrtc PeerConnection tagged with its role,
// ICE candidate buffering ahead of setRemoteDescription, and debounced
// renegotiation. Construction follows the teacher's
// channel/webrtc/streamer.go createPeerConnection — MediaEngine +
// interceptor registry built explicitly rather than via the package-level
// defaults, since the publisher carries the media tracks added by
// engine.PublishMediaTrack as well as the data channels.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/rtcsdk/core/internal/logging"
	"github.com/rtcsdk/core/internal/rtcerrors"
)

// NegotiationFrequency throttles back-to-back Negotiate calls into one
// eventual offer (spec.md §4.2).
const NegotiationFrequency = 150 * time.Millisecond

// OfferHandler receives a freshly created local offer to forward on the
// signal connection.
type OfferHandler func(webrtc.SessionDescription)

// ICECandidateHandler receives a local ICE candidate to forward on the
// signal connection.
type ICECandidateHandler func(webrtc.ICECandidateInit)

// ConnectionStateHandler is notified of ICE connection state transitions.
type ConnectionStateHandler func(webrtc.ICEConnectionState)

// PeerTransport wraps one PeerConnection tagged Publisher or Subscriber.
type PeerTransport struct {
	logger logging.Logger
	role   Role

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	pendingCandidates []webrtc.ICECandidateInit
	hasRemoteDesc     bool
	restartingICE     bool

	state          signalingState
	renegotiate    bool
	negotiateTimer *time.Timer
	pendingRestart bool

	onOffer        OfferHandler
	onICECandidate ICECandidateHandler
	onStateChange  ConnectionStateHandler

	closed bool
}

// New builds a PeerTransport for the given role with the supplied ICE
// servers (taken from the Join response, per spec.md §4.3).
func New(logger logging.Logger, role Role, iceServers []webrtc.ICEServer) (*PeerTransport, error) {
	if logger == nil {
		logger = logging.Noop()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("transport: registering default codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("transport: registering interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("transport: creating peer connection: %w", err)
	}

	t := &PeerTransport{
		logger: logger.With("role", role.String()),
		role:   role,
		pc:     pc,
		state:  stateStable,
	}
	t.setupEventHandlers()
	return t, nil
}

func (t *PeerTransport) setupEventHandlers() {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		handler := t.onICECandidate
		t.mu.Unlock()
		if handler != nil {
			handler(c.ToJSON())
		}
	})

	t.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Infow("ice connection state changed", "state", state)
		t.mu.Lock()
		handler := t.onStateChange
		t.mu.Unlock()
		if handler != nil {
			handler(state)
		}
	})

	t.pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if state == webrtc.SignalingStateStable {
			t.handleReturnToStable()
		}
	})
}

// PeerConnection exposes the underlying connection so the Engine can create
// data channels and attach OnDataChannel handlers on it.
func (t *PeerTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

// Role reports which side of the two-peer-connection architecture this
// transport plays.
func (t *PeerTransport) Role() Role { return t.role }

// OnOffer registers the handler invoked whenever this transport produces a
// fresh local offer to forward on the signal connection.
func (t *PeerTransport) OnOffer(h OfferHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOffer = h
}

// OnICECandidate registers the handler invoked for every local ICE
// candidate gathered.
func (t *PeerTransport) OnICECandidate(h ICECandidateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICECandidate = h
}

// OnConnectionStateChange registers the handler invoked on every ICE
// connection state transition.
func (t *PeerTransport) OnConnectionStateChange(h ConnectionStateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = h
}

// AddICECandidate forwards a remote candidate immediately once a remote
// description is set and no ICE restart is in progress; otherwise it is
// buffered until SetRemoteDescription drains the queue.
func (t *PeerTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.hasRemoteDesc || t.restartingICE {
		t.pendingCandidates = append(t.pendingCandidates, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(candidate); err != nil {
		return rtcerrors.Wrap(rtcerrors.KindSDP, rtcerrors.ReasonNone, "adding ice candidate", err)
	}
	return nil
}

// SetRemoteDescription applies sdp, drains any buffered ICE candidates, and
// clears the restarting-ICE flag.
func (t *PeerTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return rtcerrors.Wrap(rtcerrors.KindSDP, rtcerrors.ReasonNone, "setting remote description", err)
	}

	t.mu.Lock()
	t.hasRemoteDesc = true
	t.restartingICE = false
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Warnw("failed to drain buffered ice candidate", "err", err)
		}
	}

	if sdp.Type == webrtc.SDPTypeAnswer {
		t.handleReturnToStable()
	}
	return nil
}

// Negotiate schedules a debounced renegotiation: calls arriving within
// NegotiationFrequency of each other collapse into a single eventual offer.
// If the transport is currently in HaveLocalOffer, the request is deferred
// via the renegotiate flag and re-fires automatically once the pending
// answer returns the transport to Stable.
func (t *PeerTransport) Negotiate(iceRestart bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if iceRestart {
		t.pendingRestart = true
	}

	if t.state == stateHaveLocalOffer {
		t.renegotiate = true
		return
	}

	if t.negotiateTimer != nil {
		t.negotiateTimer.Stop()
	}
	t.negotiateTimer = time.AfterFunc(NegotiationFrequency, func() {
		if err := t.createAndSendOffer(); err != nil {
			t.logger.Errorw("failed to create and send offer", "err", err)
		}
	})
}

func (t *PeerTransport) handleReturnToStable() {
	t.mu.Lock()
	if t.state != stateHaveLocalOffer {
		t.mu.Unlock()
		return
	}
	t.state = stateStable
	shouldRenegotiate := t.renegotiate
	t.renegotiate = false
	t.mu.Unlock()

	if shouldRenegotiate {
		if err := t.createAndSendOffer(); err != nil {
			t.logger.Errorw("failed to create automatic renegotiation offer", "err", err)
		}
	}
}

// createAndSendOffer is the non-debounced offer creation described in
// spec.md §4.2: on an ICE restart requested while already HaveLocalOffer
// with no known remote description, it logs and proceeds anyway; it always
// calls the registered OnOffer handler with the freshly created offer.
func (t *PeerTransport) createAndSendOffer() error {
	t.mu.Lock()
	iceRestart := t.pendingRestart
	t.pendingRestart = false
	hasRemote := t.hasRemoteDesc
	alreadyHaveLocalOffer := t.state == stateHaveLocalOffer
	t.mu.Unlock()

	if iceRestart && alreadyHaveLocalOffer && !hasRemote {
		t.logger.Errorw("ice restart requested while already negotiating with no known remote description, proceeding anyway")
	}

	opts := &webrtc.OfferOptions{ICERestart: iceRestart}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return rtcerrors.Wrap(rtcerrors.KindSDP, rtcerrors.ReasonNone, "creating offer", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return rtcerrors.Wrap(rtcerrors.KindSDP, rtcerrors.ReasonNone, "setting local description", err)
	}

	t.mu.Lock()
	t.state = stateHaveLocalOffer
	handler := t.onOffer
	t.mu.Unlock()

	if handler != nil {
		handler(offer)
	}
	return nil
}

// CreateAnswer answers a remote offer after applying it as the remote
// description.
func (t *PeerTransport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, rtcerrors.Wrap(rtcerrors.KindSDP, rtcerrors.ReasonNone, "creating answer", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, rtcerrors.Wrap(rtcerrors.KindSDP, rtcerrors.ReasonNone, "setting local description", err)
	}
	return answer, nil
}

// Close tears down the underlying peer connection. Idempotent.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.negotiateTimer != nil {
		t.negotiateTimer.Stop()
	}
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		return rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "closing peer connection", err)
	}
	return nil
}
