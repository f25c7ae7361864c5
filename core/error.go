package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnreachable is returned when the REST API or the socket cannot be reached.
	// Callers keep rendering cached state and show a "showing cached data" banner.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrNotConnected is returned when a frame is emitted while no socket is open.
	ErrNotConnected = fmt.Errorf("socket not connected: %w", ErrNetworkUnreachable)
	// ErrMalformedTimestamp marks a timestamp that fell back to the current time.
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	// ErrDuplicateMessage marks an ingestion that was absorbed as a no-op.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrDuplicateReaction marks a reaction update that changed nothing.
	ErrDuplicateReaction = errors.New("duplicate reaction")
	// ErrSignalingProtocol is returned for signaling frames that do not fit the call state,
	// e.g. a second offer or an answer without a matching offer.
	ErrSignalingProtocol = errors.New("signaling protocol error")
	// ErrPermissionDenied is returned by a MediaProvider when the user refuses media access.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrServerReset is reported when a full resync comes back empty and the cache was cleared.
	ErrServerReset = errors.New("server reset")
	// ErrCallInProgress is returned when a call operation does not apply to the current call state.
	ErrCallInProgress = errors.New("call state does not allow operation")
	// ErrUnknownMessage is returned when an id does not resolve to a message in the room.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrForcedLogout is surfaced when the server rejects the session token.
	ErrForcedLogout = errors.New("forced logout")
)

// Error is an error raised inside the core.
type Error struct {
	kind error
	msg  string
	// Surface is a flag to indicate if the error should be shown to the user.
	// Only call protocol errors and permission denials are surfaced, everything
	// else is absorbed by the component that can recover from it.
	Surface bool
}

func NewError(kind error, msg string, surface bool) *Error {
	return &Error{kind: kind, msg: msg, Surface: surface}
}

func NewErrorf(kind error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), Surface: isSurfaced(kind)}
}

func NewSurfacedError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg, Surface: true}
}

func NewAbsorbedError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg, Surface: false}
}

func (e *Error) Error() string {
	if e.kind == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.kind
}

// IsSurfaced reports whether err should be shown to the user.
func IsSurfaced(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Surface
	}
	return isSurfaced(err)
}

func isSurfaced(kind error) bool {
	return errors.Is(kind, ErrSignalingProtocol) || errors.Is(kind, ErrPermissionDenied) ||
		errors.Is(kind, ErrForcedLogout)
}
