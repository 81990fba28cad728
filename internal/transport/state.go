package transport

// Role tags which side of the two-peer-connection architecture a
// PeerTransport plays (spec.md §4.2).
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "subscriber"
}

// signalingState is the transport's own simplified negotiation state
// machine, independent of (but driven by) pion's SignalingState:
// Stable -> (negotiate) -> HaveLocalOffer -> (remote answer) -> Stable.
// Concurrent negotiate calls received while HaveLocalOffer set renegotiate
// and are re-fired once the transport returns to Stable.
type signalingState int

const (
	stateStable signalingState = iota
	stateHaveLocalOffer
)
