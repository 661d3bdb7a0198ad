// Package gatt exposes synchronous attribute operations over a
// callback-driven Bluetooth stack collaborator. Every blocking operation
// allocates a single-use completion slot, submits the request, and blocks
// until the collaborator's callback fulfills the slot from its
// event-processing goroutine. Concurrent outstanding operations on
// different handles are independent.
package gatt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledrive/internal/gatt/att"
)

// ValueFunc receives notification payloads for a registered subscription.
// The payload is only valid for the duration of the call.
type ValueFunc func(handle uint16, value []byte)

type subscription struct {
	Handle uint16
	fn     ValueFunc
}

// Client is the GATT operation façade. It owns no protocol state beyond the
// reliable write session id and the notify subscription registry; the
// attribute database and discovery state machine belong to the Transport.
type Client struct {
	transport Transport
	logger    *logrus.Logger

	sessionMu sync.Mutex
	session   uint32 // open reliable write session, 0 = none

	subs        *hashmap.Map[uint32, *subscription]
	signCounter atomic.Uint32
}

// NewClient wraps a connected Transport.
func NewClient(t Transport, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		transport: t,
		logger:    logger,
		subs:      hashmap.New[uint32, *subscription](),
	}
}

type readResult struct {
	code  att.ErrorCode
	value []byte
}

// read issues one read-shaped request and blocks until its completion.
func (c *Client) read(ctx context.Context, op string, issue func(ReadFunc) error) ([]byte, error) {
	comp := newCompletion[readResult]()
	fn := func(code att.ErrorCode, value []byte) {
		// The transport may reuse the value buffer after the callback returns.
		v := make([]byte, len(value))
		copy(v, value)
		if err := comp.fulfill(readResult{code: code, value: v}); err != nil {
			c.logger.WithFields(logrus.Fields{"op": op, "error": err}).
				Error("Transport fulfilled a completion more than once")
		}
	}
	if err := issue(fn); err != nil {
		return nil, &DispatchError{Op: op, Err: err}
	}
	res, err := comp.waitContext(ctx)
	if err != nil {
		return nil, err
	}
	if res.code != att.Success {
		return nil, res.code
	}
	return res.value, nil
}

// writeFn builds the WriteFunc that fulfills comp exactly once.
func (c *Client) writeFn(op string, comp *completion[att.ErrorCode]) WriteFunc {
	return func(code att.ErrorCode) {
		if err := comp.fulfill(code); err != nil {
			c.logger.WithFields(logrus.Fields{"op": op, "error": err}).
				Error("Transport fulfilled a completion more than once")
		}
	}
}

// ReadValue reads the value of the attribute at handle.
func (c *Client) ReadValue(ctx context.Context, handle uint16) ([]byte, error) {
	return c.read(ctx, "read value", func(fn ReadFunc) error {
		return c.transport.ReadValue(handle, fn)
	})
}

// ReadLongValue reads the attribute at handle starting from offset, using
// blob reads as needed for values longer than a single MTU.
func (c *Client) ReadLongValue(ctx context.Context, handle, offset uint16) ([]byte, error) {
	return c.read(ctx, "read long value", func(fn ReadFunc) error {
		return c.transport.ReadLongValue(handle, offset, fn)
	})
}

// ReadMultiple reads a set of handles in one request. The result is the
// concatenation of the attribute values in request order.
func (c *Client) ReadMultiple(ctx context.Context, handles []uint16) ([]byte, error) {
	if len(handles) == 0 {
		return nil, &DispatchError{Op: "read multiple", Err: fmt.Errorf("no handles given")}
	}
	return c.read(ctx, "read multiple", func(fn ReadFunc) error {
		return c.transport.ReadMultiple(handles, fn)
	})
}

// WriteValue writes value to handle. With withoutResponse the call is
// fire-and-forget: only a dispatch failure is reported, and signedWrite
// selects the signed write command. Otherwise the call blocks until the
// peer's completion and surfaces its status code.
func (c *Client) WriteValue(ctx context.Context, handle uint16, value []byte, withoutResponse, signedWrite bool) error {
	if withoutResponse {
		if err := c.transport.WriteWithoutResponse(handle, signedWrite, value); err != nil {
			return &DispatchError{Op: "write without response", Err: err}
		}
		return nil
	}

	comp := newCompletion[att.ErrorCode]()
	if err := c.transport.WriteValue(handle, value, c.writeFn("write value", comp)); err != nil {
		return &DispatchError{Op: "write value", Err: err}
	}
	code, err := comp.waitContext(ctx)
	if err != nil {
		return err
	}
	if code != att.Success {
		return code
	}
	return nil
}

// WriteLongValue writes value to handle at offset. When reliable is set the
// transport verifies each staged chunk; a "reliable write not verified"
// signal is an intermediate condition and never completes the operation —
// the transport owes a final status after it. Retry policy on verification
// failure is left to the caller.
func (c *Client) WriteLongValue(ctx context.Context, reliable bool, handle, offset uint16, value []byte) error {
	comp := newCompletion[att.ErrorCode]()
	fn := func(code att.ErrorCode, verifyPending bool) {
		if verifyPending {
			c.logger.WithField("handle", fmt.Sprintf("0x%04x", handle)).
				Warn("Reliable write not verified; awaiting final completion")
			return
		}
		if err := comp.fulfill(code); err != nil {
			c.logger.WithFields(logrus.Fields{"op": "write long value", "error": err}).
				Error("Transport fulfilled a completion more than once")
		}
	}
	if err := c.transport.WriteLongValue(reliable, handle, offset, value, fn); err != nil {
		return &DispatchError{Op: "write long value", Err: err}
	}
	code, err := comp.waitContext(ctx)
	if err != nil {
		return err
	}
	if code != att.Success {
		return code
	}
	return nil
}

// PrepareWrite stages value against the open reliable write session and
// returns the session id to present on subsequent calls. sessionID 0 opens a
// new session. A stale id fails fast with a SessionError, without contacting
// the transport.
func (c *Client) PrepareWrite(sessionID uint32, handle, offset uint16, value []byte) (uint32, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if sessionID != c.session {
		return 0, &SessionError{Got: sessionID, Open: c.session}
	}

	id, err := c.transport.PrepareWrite(sessionID, handle, offset, value)
	if err != nil {
		return 0, &DispatchError{Op: "prepare write", Err: err}
	}
	c.session = id
	c.logger.WithFields(logrus.Fields{
		"session": id,
		"handle":  fmt.Sprintf("0x%04x", handle),
		"offset":  offset,
		"length":  len(value),
	}).Debug("Prepared write staged")
	return id, nil
}

// ExecuteWrite commits (commit=true) or cancels (commit=false) the reliable
// write session. The open session id is reset to 0 on either path,
// regardless of outcome.
func (c *Client) ExecuteWrite(ctx context.Context, sessionID uint32, commit bool) error {
	defer func() {
		c.sessionMu.Lock()
		c.session = 0
		c.sessionMu.Unlock()
	}()

	if !commit {
		if err := c.transport.CancelWrite(sessionID); err != nil {
			return &DispatchError{Op: "cancel write", Err: err}
		}
		return nil
	}

	comp := newCompletion[att.ErrorCode]()
	if err := c.transport.ExecuteWrite(sessionID, c.writeFn("execute write", comp)); err != nil {
		return &DispatchError{Op: "execute write", Err: err}
	}
	code, err := comp.waitContext(ctx)
	if err != nil {
		return err
	}
	if code != att.Success {
		return code
	}
	return nil
}

// Session returns the currently open reliable write session id, 0 if none.
func (c *Client) Session() uint32 {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

// RegisterNotify subscribes to value changes on handle and blocks until the
// peer acknowledges the subscription. fn is invoked from the transport's
// event-processing goroutine; delivery is unordered with respect to
// concurrent reads and writes on the same handle.
func (c *Client) RegisterNotify(ctx context.Context, handle uint16, fn ValueFunc) (uint32, error) {
	if fn == nil {
		return 0, &DispatchError{Op: "register notify", Err: fmt.Errorf("nil callback")}
	}

	comp := newCompletion[att.ErrorCode]()
	id, err := c.transport.Subscribe(handle, c.writeFn("register notify", comp), NotifyFunc(fn))
	if err != nil {
		return 0, &DispatchError{Op: "register notify", Err: err}
	}
	code, err := comp.waitContext(ctx)
	if err != nil {
		return 0, err
	}
	if code != att.Success {
		return 0, code
	}

	c.subs.Set(id, &subscription{Handle: handle, fn: fn})
	c.logger.WithFields(logrus.Fields{
		"handle":       fmt.Sprintf("0x%04x", handle),
		"subscription": id,
	}).Info("Registered notify handler")
	return id, nil
}

// UnregisterNotify removes a notify subscription previously returned by
// RegisterNotify.
func (c *Client) UnregisterNotify(id uint32) error {
	if _, ok := c.subs.Get(id); !ok {
		return &DispatchError{Op: "unregister notify", Err: fmt.Errorf("unknown subscription id %d", id)}
	}
	if err := c.transport.Unsubscribe(id); err != nil {
		return &DispatchError{Op: "unregister notify", Err: err}
	}
	c.subs.Del(id)
	return nil
}

// Subscriptions returns the handles of all active notify subscriptions.
func (c *Client) Subscriptions() map[uint32]uint16 {
	out := make(map[uint32]uint16)
	c.subs.Range(func(id uint32, s *subscription) bool {
		out[id] = s.Handle
		return true
	})
	return out
}

// SetSecurityLevel raises or lowers the link security level. Levels outside
// 1..3 are rejected locally without contacting the transport.
func (c *Client) SetSecurityLevel(level int) error {
	if level < 1 || level > 3 {
		return ErrInvalidSecurityLevel
	}
	if err := c.transport.SetSecurity(level); err != nil {
		return &DispatchError{Op: "set security", Err: err}
	}
	return nil
}

// SecurityLevel reports the current link security level.
func (c *Client) SecurityLevel() int {
	return c.transport.Security()
}

// SetSignKey installs the signing key for signed write commands. The local
// sign counter starts at 0 and increases by one per signed operation.
func (c *Client) SetSignKey(key [16]byte) error {
	counter := func() uint32 {
		return c.signCounter.Add(1) - 1
	}
	if err := c.transport.SetSignKey(key, counter); err != nil {
		return &DispatchError{Op: "set sign key", Err: err}
	}
	return nil
}

// Close unregisters all notify subscriptions and shuts the transport down.
// Any operation issued after Close fails with a dispatch error.
func (c *Client) Close() error {
	c.subs.Range(func(id uint32, s *subscription) bool {
		if err := c.transport.Unsubscribe(id); err != nil {
			c.logger.WithFields(logrus.Fields{
				"subscription": id,
				"error":        err,
			}).Warn("Failed to unsubscribe during close")
		}
		c.subs.Del(id)
		return true
	})
	return c.transport.Close()
}
