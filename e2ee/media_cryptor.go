package e2ee

import (
	"github.com/pion/rtp"
)

// MediaFrameCryptor is the "external per-sender/per-receiver cryptor"
// spec.md §4.7 describes: the actual RTP-frame encrypt/decrypt
// implementation belongs to the WebRTC collaborator (insertable-streams
// support is not something pion/webrtc exposes at the API level this
// module wraps, the same way SRTP itself is out of scope per spec.md §1),
// so this module only defines the seam an external cryptor plugs into and
// drives its state machine.
type MediaFrameCryptor interface {
	// EncryptRTP transforms an outbound RTP packet's payload in place for
	// the given participant identity and track SSRC.
	EncryptRTP(identity string, ssrc uint32, pkt *rtp.Packet) error
	// DecryptRTP transforms an inbound RTP packet's payload in place.
	DecryptRTP(identity string, ssrc uint32, pkt *rtp.Packet) error
}

// MediaCryptorBinding tracks one participant's media cryptor attachment:
// which track SSRCs it has been wired to and its last reported state, so
// transition only emits an event when the state actually changes.
type MediaCryptorBinding struct {
	Identity string
	SSRCs    []uint32
	state    FrameCryptorState
}

// MediaCryptorManager wires a MediaFrameCryptor implementation to the RTP
// senders/receivers of a peer connection's tracks and republishes every
// state transition through the owning e2ee Manager's event stream, per
// spec.md §4.7's {New, Ok, EncryptionFailed, DecryptionFailed, MissingKey,
// KeyRatcheted, InternalError} state set.
type MediaCryptorManager struct {
	mgr     *Manager
	cryptor MediaFrameCryptor

	bindings map[string]*MediaCryptorBinding
}

// NewMediaCryptorManager builds a manager around an e2ee Manager (for
// event emission) and an external MediaFrameCryptor implementation.
func NewMediaCryptorManager(mgr *Manager, cryptor MediaFrameCryptor) *MediaCryptorManager {
	return &MediaCryptorManager{
		mgr:      mgr,
		cryptor:  cryptor,
		bindings: make(map[string]*MediaCryptorBinding),
	}
}

// Attach registers a participant's track SSRC for encryption/decryption
// and emits the initial New state.
func (m *MediaCryptorManager) Attach(identity string, ssrc uint32) {
	b, ok := m.bindings[identity]
	if !ok {
		b = &MediaCryptorBinding{Identity: identity, state: StateNew}
		m.bindings[identity] = b
		m.mgr.emit(identity, StateNew)
	}
	for _, existing := range b.SSRCs {
		if existing == ssrc {
			return
		}
	}
	b.SSRCs = append(b.SSRCs, ssrc)
}

// Detach removes a participant's binding entirely, e.g. on
// ParticipantDisconnected.
func (m *MediaCryptorManager) Detach(identity string) {
	delete(m.bindings, identity)
}

// EncryptOutbound runs the cryptor over an outbound RTP packet for a
// locally published track, surfacing EncryptionFailed on error.
func (m *MediaCryptorManager) EncryptOutbound(identity string, ssrc uint32, pkt *rtp.Packet) error {
	if err := m.cryptor.EncryptRTP(identity, ssrc, pkt); err != nil {
		m.transition(identity, StateEncryptionFailed)
		return err
	}
	m.transition(identity, StateOk)
	return nil
}

// DecryptInbound runs the cryptor over an inbound RTP packet for a
// subscribed remote track, surfacing DecryptionFailed or MissingKey
// depending on the KeyProvider's verdict.
func (m *MediaCryptorManager) DecryptInbound(identity string, ssrc uint32, pkt *rtp.Packet) error {
	err := m.cryptor.DecryptRTP(identity, ssrc, pkt)
	missing := m.mgr.keys != nil && !m.mgr.keys.HasKey(identity)
	m.mgr.NotifyDecryptResult(identity, err, missing && err != nil)
	if err != nil {
		return err
	}
	m.transition(identity, StateOk)
	return nil
}

func (m *MediaCryptorManager) transition(identity string, state FrameCryptorState) {
	b, ok := m.bindings[identity]
	if !ok || b.state == state {
		if ok {
			b.state = state
		}
		return
	}
	b.state = state
	m.mgr.emit(identity, state)
}
