package goble

import (
	"bytes"
	"fmt"

	"github.com/go-ble/ble"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/att"
)

// ReadValue reads the attribute at handle and completes fn on the event loop.
func (t *Transport) ReadValue(handle uint16, fn gatt.ReadFunc) error {
	char, desc, err := t.lookup(handle)
	if err != nil {
		return err
	}
	return t.dispatch(func() {
		var value []byte
		var rerr error
		if char != nil {
			value, rerr = t.client.ReadCharacteristic(char)
		} else {
			value, rerr = t.client.ReadDescriptor(desc)
		}
		fn(attCode(rerr), value)
	}, func() {
		fn(att.Unlikely, nil)
	})
}

// ReadLongValue reads the full attribute value with blob reads and completes
// with the bytes from offset onward.
func (t *Transport) ReadLongValue(handle, offset uint16, fn gatt.ReadFunc) error {
	char, desc, err := t.lookup(handle)
	if err != nil {
		return err
	}
	return t.dispatch(func() {
		var value []byte
		var rerr error
		if char != nil {
			value, rerr = t.client.ReadLongCharacteristic(char)
		} else {
			value, rerr = t.client.ReadDescriptor(desc)
		}
		if rerr != nil {
			fn(attCode(rerr), nil)
			return
		}
		if int(offset) > len(value) {
			fn(att.InvalidOffset, nil)
			return
		}
		fn(att.Success, value[offset:])
	}, func() {
		fn(att.Unlikely, nil)
	})
}

// ReadMultiple emulates the ATT Read Multiple request with sequential reads,
// completing with the concatenated values in request order. go-ble exposes
// no read-multiple primitive.
func (t *Transport) ReadMultiple(handles []uint16, fn gatt.ReadFunc) error {
	type target struct {
		char *ble.Characteristic
		desc *ble.Descriptor
	}
	targets := make([]target, 0, len(handles))
	for _, h := range handles {
		char, desc, err := t.lookup(h)
		if err != nil {
			return err
		}
		targets = append(targets, target{char: char, desc: desc})
	}
	return t.dispatch(func() {
		var out []byte
		for _, tgt := range targets {
			var value []byte
			var rerr error
			if tgt.char != nil {
				value, rerr = t.client.ReadCharacteristic(tgt.char)
			} else {
				value, rerr = t.client.ReadDescriptor(tgt.desc)
			}
			if rerr != nil {
				fn(attCode(rerr), nil)
				return
			}
			out = append(out, value...)
		}
		fn(att.Success, out)
	}, func() {
		fn(att.Unlikely, nil)
	})
}

// WriteValue writes value to handle with response and completes fn with the
// peer's status.
func (t *Transport) WriteValue(handle uint16, value []byte, fn gatt.WriteFunc) error {
	char, desc, err := t.lookup(handle)
	if err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	return t.dispatch(func() {
		var werr error
		if char != nil {
			werr = t.client.WriteCharacteristic(char, v, false)
		} else {
			werr = t.client.WriteDescriptor(desc, v)
		}
		fn(attCode(werr))
	}, func() {
		fn(att.Unlikely)
	})
}

// WriteWithoutResponse issues a write command. No completion follows; write
// failures surface only in the log. Signed write commands are not supported
// by go-ble.
func (t *Transport) WriteWithoutResponse(handle uint16, signed bool, value []byte) error {
	if signed {
		return fmt.Errorf("signed write: %w", gatt.ErrUnsupported)
	}
	char, _, err := t.lookup(handle)
	if err != nil {
		return err
	}
	if char == nil {
		return fmt.Errorf("handle 0x%04x is not a characteristic", handle)
	}
	v := make([]byte, len(value))
	copy(v, value)
	return t.dispatch(func() {
		if werr := t.client.WriteCharacteristic(char, v, true); werr != nil {
			t.logger.WithFields(map[string]interface{}{
				"handle": fmt.Sprintf("0x%04x", handle),
				"error":  werr,
			}).Warn("Write without response failed")
		}
	}, func() {
		t.logger.WithField("handle", fmt.Sprintf("0x%04x", handle)).
			Warn("Write without response dropped, transport closed")
	})
}

// WriteLongValue writes value at offset. With reliable set, the written
// value is verified by read-back; a mismatch raises the verify-pending
// signal, the write is reissued once, and a final status always follows.
func (t *Transport) WriteLongValue(reliable bool, handle, offset uint16, value []byte, fn gatt.LongWriteFunc) error {
	char, _, err := t.lookup(handle)
	if err != nil {
		return err
	}
	if char == nil {
		return fmt.Errorf("handle 0x%04x is not a characteristic", handle)
	}
	v := make([]byte, len(value))
	copy(v, value)
	return t.dispatch(func() {
		full := v
		if offset > 0 {
			current, rerr := t.client.ReadLongCharacteristic(char)
			if rerr != nil {
				fn(attCode(rerr), false)
				return
			}
			full = overlay(current, offset, v)
		}
		if werr := t.client.WriteCharacteristic(char, full, false); werr != nil {
			fn(attCode(werr), false)
			return
		}
		if !reliable {
			fn(att.Success, false)
			return
		}

		readBack, rerr := t.client.ReadLongCharacteristic(char)
		if rerr != nil {
			fn(attCode(rerr), false)
			return
		}
		if bytes.Equal(readBack, full) {
			fn(att.Success, false)
			return
		}

		// Verification mismatch: signal the intermediate condition, reissue
		// once, then deliver a final status either way.
		fn(att.Success, true)
		if werr := t.client.WriteCharacteristic(char, full, false); werr != nil {
			fn(attCode(werr), false)
			return
		}
		readBack, rerr = t.client.ReadLongCharacteristic(char)
		if rerr == nil && bytes.Equal(readBack, full) {
			fn(att.Success, false)
			return
		}
		fn(att.Unlikely, false)
	}, func() {
		fn(att.Unlikely, false)
	})
}

// overlay copies chunk into base at offset, growing the buffer as needed.
func overlay(base []byte, offset uint16, chunk []byte) []byte {
	end := int(offset) + len(chunk)
	size := len(base)
	if end > size {
		size = end
	}
	out := make([]byte, size)
	copy(out, base)
	copy(out[offset:], chunk)
	return out
}

// SetSecurity records the requested link security level. Link encryption
// itself is negotiated by the kernel when the peer demands it.
func (t *Transport) SetSecurity(level int) error {
	t.secMu.Lock()
	defer t.secMu.Unlock()
	t.security = level
	t.logger.WithField("level", level).Info("Security level set")
	return nil
}

// Security returns the current link security level.
func (t *Transport) Security() int {
	t.secMu.Lock()
	defer t.secMu.Unlock()
	return t.security
}

// SetSignKey records the CSRK and sign counter source. go-ble cannot issue
// signed write commands, so the key only marks signing as configured;
// signed writes still fail with gatt.ErrUnsupported at dispatch.
func (t *Transport) SetSignKey(_ [16]byte, counter func() uint32) error {
	t.secMu.Lock()
	defer t.secMu.Unlock()
	t.signCounter = counter
	t.haveSignKey = true
	return nil
}
