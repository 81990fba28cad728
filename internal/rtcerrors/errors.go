// Package rtcerrors implements the error taxonomy described for this
// module: connection, timeout, protocol, SDP, publish, subscribe,
// data-frame-publish, stream, and crypto failures. Recoverable network
// errors never surface this way — they drive the reconnection state
// machine instead (see internal/engine); an *Error only ever reaches the
// application on an awaited call or through a Room event.
package rtcerrors

import "fmt"

// Kind classifies an Error so callers can branch with errors.As + a type
// switch, or compare with errors.Is against one of the Sentinel values.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindProtocol
	KindSDP
	KindPublish
	KindSubscribe
	KindDataFramePublish
	KindStream
	KindCrypto
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindSDP:
		return "sdp"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindDataFramePublish:
		return "data_frame_publish"
	case KindStream:
		return "stream"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Reason is a fine-grained sub-classification within a Kind, e.g.
// "NotAllowed" within KindPublish or "MissedChunk" within KindStream.
type Reason string

const (
	ReasonNone Reason = ""

	// Publish
	ReasonNotAllowed    Reason = "NotAllowed"
	ReasonDuplicateName Reason = "DuplicateName"
	ReasonLimitReached  Reason = "LimitReached"
	ReasonDisconnected  Reason = "Disconnected"

	// Subscribe
	ReasonUnknownTrack  Reason = "UnknownTrack"
	ReasonNotPermitted  Reason = "NotPermitted"

	// Data-frame publish
	ReasonTrackUnpublished Reason = "TrackUnpublished"
	ReasonDropped          Reason = "Dropped"
	ReasonTooLarge         Reason = "TooLarge"

	// Stream
	ReasonAlreadyOpened            Reason = "AlreadyOpened"
	ReasonAbnormalEnd              Reason = "AbnormalEnd"
	ReasonMissedChunk               Reason = "MissedChunk"
	ReasonLengthExceeded             Reason = "LengthExceeded"
	ReasonIncomplete                Reason = "Incomplete"
	ReasonHandlerAlreadyRegistered   Reason = "HandlerAlreadyRegistered"

	// Crypto
	ReasonEncryptionFailed Reason = "EncryptionFailed"
	ReasonDecryptionFailed Reason = "DecryptionFailed"
	ReasonMissingKey       Reason = "MissingKey"

	// Connection
	ReasonRegionExhausted Reason = "RegionExhausted"
	ReasonServerRefused   Reason = "ServerRefused"
	ReasonCantReconnect   Reason = "CantReconnect"
)

// Error is the concrete error type returned across this module's public
// API. It wraps an optional cause and never discards it.
type Error struct {
	Kind   Kind
	Reason Reason
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason != ReasonNone {
		if e.Cause != nil {
			return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Reason, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Reason, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rtcerrors.New(KindPublish, ReasonNotAllowed, ""))
// match on Kind+Reason alone, ignoring Msg/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == ReasonNone || e.Reason == t.Reason)
}

func New(kind Kind, reason Reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: msg}
}

func Wrap(kind Kind, reason Reason, msg string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: msg, Cause: cause}
}

// Disconnected is the sentinel compared against after Room.Close: any
// operation attempted afterward must fail with this exact shape.
func Disconnected() *Error {
	return New(KindPublish, ReasonDisconnected, "room is disconnected")
}
