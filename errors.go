package mooncake

import (
	"errors"
	"fmt"

	"github.com/mooncakelabs/transfer-engine/internal/transport"
)

// Error is a structured engine error carrying enough context to diagnose a
// failed selection, handshake, or fabric operation without string-matching.
type Error struct {
	Op        string  // operation that failed, e.g. "submitTransfer"
	Code      ErrCode // high-level error category
	SegmentID int64   // segment involved, 0 if not applicable
	BatchID   uint64  // batch involved, 0 or InvalidBatchID if not applicable
	Msg       string  // human-readable message
	Inner     error   // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.SegmentID != 0 {
		parts = append(parts, fmt.Sprintf("segment=%d", e.SegmentID))
	}
	if e.BatchID != 0 && e.BatchID != InvalidBatchID {
		parts = append(parts, fmt.Sprintf("batch=%d", e.BatchID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("mooncake: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("mooncake: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is compares by error code; only another *Error target can match.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrCode is the taxonomy from SPEC_FULL.md §7.
type ErrCode string

const (
	ErrInvalidArg       ErrCode = "invalid argument"
	ErrNoLocalNIC       ErrCode = "no local nic available"
	ErrNoRemoteNIC      ErrCode = "no remote nic available"
	ErrBadRange         ErrCode = "range not covered by any registered buffer"
	ErrHandshakeFailed  ErrCode = "handshake failed"
	ErrFabricError      ErrCode = "fabric error"
	ErrContextInactive  ErrCode = "context inactive"
	ErrBusy             ErrCode = "busy"
)

// NewError creates a new structured error.
func NewError(op string, code ErrCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewSegmentError creates a segment-scoped error.
func NewSegmentError(op string, segmentID int64, code ErrCode, msg string) *Error {
	return &Error{Op: op, SegmentID: segmentID, Code: code, Msg: msg}
}

// NewBatchError creates a batch-scoped error.
func NewBatchError(op string, batchID uint64, code ErrCode, msg string) *Error {
	return &Error{Op: op, BatchID: batchID, Code: code, Msg: msg}
}

// NewSelectionError builds a NO_LOCAL_NIC/NO_REMOTE_NIC error for the
// device-selection paths in SPEC_FULL.md §4.3.
func NewSelectionError(op string, local bool, msg string) *Error {
	code := ErrNoRemoteNIC
	if local {
		code = ErrNoLocalNIC
	}
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewFabricError wraps a completion-time or post-send failure.
func NewFabricError(op string, inner error) *Error {
	return WrapError(op, ErrFabricError, inner)
}

// transportSentinelCodes maps a Capability's plain sentinel errors to their
// own ErrCode, so WrapError can report the transport's actual condition
// instead of whatever fallback code happened to be passed in at the call
// site that noticed the failure.
var transportSentinelCodes = map[error]ErrCode{
	transport.ErrNoLocalNIC:   ErrNoLocalNIC,
	transport.ErrNoRemoteNIC:  ErrNoRemoteNIC,
	transport.ErrBadRange:     ErrBadRange,
	transport.ErrInvalidArg:   ErrInvalidArg,
	transport.ErrBusy:         ErrBusy,
	transport.ErrUnknownBatch: ErrInvalidArg,
	transport.ErrOverlap:      ErrInvalidArg,
}

// WrapError wraps an existing error with engine context, preserving a nested
// *Error's fields when possible, and preserving a plain transport sentinel's
// real category instead of trusting code when inner already identifies one.
func WrapError(op string, code ErrCode, inner error) *Error {
	if inner == nil {
		return &Error{Op: op, Code: code}
	}
	if e, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			Code:      e.Code,
			SegmentID: e.SegmentID,
			BatchID:   e.BatchID,
			Msg:       e.Msg,
			Inner:     e.Inner,
		}
	}
	for sentinel, sentinelCode := range transportSentinelCodes {
		if errors.Is(inner, sentinel) {
			return &Error{Op: op, Code: sentinelCode, Msg: inner.Error(), Inner: inner}
		}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks whether err is a *Error carrying the given code.
func IsCode(err error, code ErrCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
