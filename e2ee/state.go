package e2ee

// FrameCryptorState is the per-participant media-cryptor state surfaced on
// the Room event stream (spec.md §4.7).
type FrameCryptorState int

const (
	StateNew FrameCryptorState = iota
	StateOk
	StateEncryptionFailed
	StateDecryptionFailed
	StateMissingKey
	StateKeyRatcheted
	StateInternalError
)

func (s FrameCryptorState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateOk:
		return "Ok"
	case StateEncryptionFailed:
		return "EncryptionFailed"
	case StateDecryptionFailed:
		return "DecryptionFailed"
	case StateMissingKey:
		return "MissingKey"
	case StateKeyRatcheted:
		return "KeyRatcheted"
	case StateInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// StateChangeEvent pairs a participant identity with its new frame-cryptor
// state, the payload of Room's E2eeStateChanged event.
type StateChangeEvent struct {
	ParticipantIdentity string
	State               FrameCryptorState
}

// Manager is the application-facing entry point: Room.e2ee_manager() in
// spec.md §6 ("Global E2EE toggle").
type Manager struct {
	enabled bool
	keys    *KeyProvider
	cryptor *DataTrackCryptor
	events  chan StateChangeEvent
}

// NewManager builds an E2EE manager around a KeyProvider, disabled by
// default.
func NewManager(keys *KeyProvider) *Manager {
	return &Manager{
		keys:    keys,
		cryptor: NewDataTrackCryptor(keys),
		events:  make(chan StateChangeEvent, 32),
	}
}

// SetEnabled is the global E2EE toggle.
func (m *Manager) SetEnabled(enabled bool) { m.enabled = enabled }

// Enabled reports the current toggle state.
func (m *Manager) Enabled() bool { return m.enabled }

// KeyProvider exposes the underlying key provider for SetKey/Ratchet calls.
func (m *Manager) KeyProvider() *KeyProvider { return m.keys }

// DataTrackCryptor exposes the AES-GCM encrypt/decrypt helper bound to this
// manager's KeyProvider.
func (m *Manager) DataTrackCryptor() *DataTrackCryptor { return m.cryptor }

// Events returns the state-change event stream fed into Room's event fan-out.
func (m *Manager) Events() <-chan StateChangeEvent { return m.events }

func (m *Manager) emit(identity string, state FrameCryptorState) {
	select {
	case m.events <- StateChangeEvent{ParticipantIdentity: identity, State: state}:
	default:
	}
}

// NotifyDecryptResult records a decrypt outcome with the KeyProvider's
// failure-tolerance tracking and emits the corresponding state-change
// event, escalating to MissingKey when the key was absent rather than a
// tag mismatch.
func (m *Manager) NotifyDecryptResult(identity string, err error, missingKey bool) {
	if err == nil {
		m.keys.RecordDecryptSuccess(identity)
		m.emit(identity, StateOk)
		return
	}
	if missingKey {
		m.emit(identity, StateMissingKey)
		return
	}
	m.keys.RecordDecryptFailure(identity)
	m.emit(identity, StateDecryptionFailed)
}

// NotifyRatchet emits KeyRatcheted after a successful Ratchet call.
func (m *Manager) NotifyRatchet(identity string) {
	m.emit(identity, StateKeyRatcheted)
}
