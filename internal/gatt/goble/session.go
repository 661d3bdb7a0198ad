package goble

import (
	"fmt"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/att"
)

// PrepareWrite stages value for a reliable write session without touching
// the peer. ATT-level prepare/execute is not exposed by go-ble, so staging
// is local and the whole session is committed on ExecuteWrite.
func (t *Transport) PrepareWrite(sessionID uint32, handle, offset uint16, value []byte) (uint32, error) {
	char, _, err := t.lookup(handle)
	if err != nil {
		return 0, err
	}
	if char == nil {
		return 0, fmt.Errorf("handle 0x%04x is not a characteristic", handle)
	}

	t.sessMu.Lock()
	defer t.sessMu.Unlock()

	if sessionID == 0 {
		t.nextSession++
		sessionID = t.nextSession
		t.staged[sessionID] = nil
	} else if _, ok := t.staged[sessionID]; !ok {
		return 0, fmt.Errorf("unknown reliable write session %d", sessionID)
	}

	v := make([]byte, len(value))
	copy(v, value)
	t.staged[sessionID] = append(t.staged[sessionID], stagedChunk{handle: handle, offset: offset, value: v})
	return sessionID, nil
}

// ExecuteWrite commits every staged chunk of the session, coalescing chunks
// per handle in prepare order, and completes fn with the first failure or
// success. The session is consumed either way.
func (t *Transport) ExecuteWrite(sessionID uint32, fn gatt.WriteFunc) error {
	t.sessMu.Lock()
	chunks, ok := t.staged[sessionID]
	delete(t.staged, sessionID)
	t.sessMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown reliable write session %d", sessionID)
	}

	// Group by handle, preserving first-appearance order.
	var order []uint16
	grouped := make(map[uint16][]stagedChunk)
	for _, c := range chunks {
		if _, seen := grouped[c.handle]; !seen {
			order = append(order, c.handle)
		}
		grouped[c.handle] = append(grouped[c.handle], c)
	}

	return t.dispatch(func() {
		for _, handle := range order {
			char, _, _ := t.lookup(handle)
			var full []byte
			needsBase := false
			for _, c := range grouped[handle] {
				if c.offset > 0 {
					needsBase = true
				}
			}
			if needsBase {
				current, rerr := t.client.ReadLongCharacteristic(char)
				if rerr != nil {
					fn(attCode(rerr))
					return
				}
				full = current
			}
			for _, c := range grouped[handle] {
				full = overlay(full, c.offset, c.value)
			}
			if werr := t.client.WriteCharacteristic(char, full, false); werr != nil {
				fn(attCode(werr))
				return
			}
		}
		fn(att.Success)
	}, func() {
		fn(att.Unlikely)
	})
}

// CancelWrite discards all staged chunks of the session.
func (t *Transport) CancelWrite(sessionID uint32) error {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	if _, ok := t.staged[sessionID]; !ok {
		return fmt.Errorf("unknown reliable write session %d", sessionID)
	}
	delete(t.staged, sessionID)
	return nil
}
