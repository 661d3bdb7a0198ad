package gatt

import (
	"errors"
	"fmt"

	"github.com/srg/bledrive/internal/gatt/att"
)

// ReadFunc receives the completion of a read operation. value is only valid
// for the duration of the callback when code is att.Success.
type ReadFunc func(code att.ErrorCode, value []byte)

// WriteFunc receives the completion of a write or execute operation.
type WriteFunc func(code att.ErrorCode)

// LongWriteFunc receives the completion of a long write. verifyPending
// reports the intermediate "reliable write not verified" condition; the
// transport must follow any verifyPending signal with a final invocation
// carrying a concrete status code.
type LongWriteFunc func(code att.ErrorCode, verifyPending bool)

// NotifyFunc receives an unsolicited value change for a subscribed handle.
type NotifyFunc func(handle uint16, value []byte)

// Transport is the collaborator contract: a callback-driven attribute
// protocol session owned by an external Bluetooth stack. Request methods
// return a dispatch error when the request could not even be submitted;
// otherwise the supplied callback is invoked exactly once from the
// transport's event-processing goroutine.
//
// Delivery of notifications is asynchronous and unordered with respect to
// any concurrent read or write on the same handle.
type Transport interface {
	ReadValue(handle uint16, fn ReadFunc) error
	ReadLongValue(handle, offset uint16, fn ReadFunc) error
	ReadMultiple(handles []uint16, fn ReadFunc) error

	WriteValue(handle uint16, value []byte, fn WriteFunc) error
	// WriteWithoutResponse is fire-and-forget: no completion follows, and
	// only dispatch failures are reported.
	WriteWithoutResponse(handle uint16, signed bool, value []byte) error
	WriteLongValue(reliable bool, handle, offset uint16, value []byte, fn LongWriteFunc) error

	// PrepareWrite stages value for the given reliable write session and
	// returns the session id (a fresh one when sessionID is 0). Staging is
	// local to the session until ExecuteWrite or CancelWrite.
	PrepareWrite(sessionID uint32, handle, offset uint16, value []byte) (uint32, error)
	ExecuteWrite(sessionID uint32, fn WriteFunc) error
	CancelWrite(sessionID uint32) error

	// Subscribe registers for value changes on handle. registered is invoked
	// once the peer acknowledges the subscription; notify is invoked for
	// every subsequent value change.
	Subscribe(handle uint16, registered WriteFunc, notify NotifyFunc) (uint32, error)
	Unsubscribe(id uint32) error

	SetSecurity(level int) error
	Security() int

	// SetSignKey installs the CSRK used for signed write commands. counter
	// must return a strictly increasing sign counter per invocation.
	SetSignKey(key [16]byte, counter func() uint32) error

	// Close stops the event-processing goroutine, waits for it to exit, and
	// releases the underlying connection, in that order.
	Close() error
}

// Dispatch and local validation errors, as opposed to ATT status codes
// carried in completions.
var (
	ErrDisconnected         = errors.New("transport disconnected")
	ErrUnsupported          = errors.New("operation not supported by transport")
	ErrInvalidSecurityLevel = errors.New("security level must be between 1 and 3")
)

// DispatchError wraps a transport-level failure to submit a request. It is
// distinct from an att.ErrorCode, which is a protocol status returned by the
// peer on completion.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: dispatch failed: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// SessionError reports a reliable write session id mismatch detected
// locally, without contacting the transport.
type SessionError struct {
	Got  uint32
	Open uint32
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("reliable write session mismatch: got %d, open session is %d", e.Got, e.Open)
}
