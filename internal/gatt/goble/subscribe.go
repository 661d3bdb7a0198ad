package goble

import (
	"fmt"

	"github.com/go-ble/ble"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/att"
)

// Subscribe registers for value changes on the characteristic whose value
// handle is handle. The registered callback completes once the CCCD write is
// acknowledged; notify fires for every subsequent value change on go-ble's
// notification goroutine.
func (t *Transport) Subscribe(handle uint16, registered gatt.WriteFunc, notify gatt.NotifyFunc) (uint32, error) {
	char, _, err := t.lookup(handle)
	if err != nil {
		return 0, err
	}
	if char == nil {
		return 0, fmt.Errorf("handle 0x%04x is not a characteristic", handle)
	}
	if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return 0, fmt.Errorf("characteristic 0x%04x supports neither notify nor indicate", handle)
	}

	// Prefer notifications; fall back to indications.
	indicate := char.Property&ble.CharNotify == 0

	t.subMu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subMu.Unlock()

	err = t.dispatch(func() {
		serr := t.client.Subscribe(char, indicate, func(data []byte) {
			notify(handle, data)
		})
		if serr == nil {
			t.subMu.Lock()
			t.subs[id] = subEntry{char: char, indicate: indicate}
			t.subMu.Unlock()
		}
		registered(attCode(serr))
	}, func() {
		registered(att.Unlikely)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Unsubscribe removes a subscription created by Subscribe.
func (t *Transport) Unsubscribe(id uint32) error {
	t.subMu.Lock()
	entry, ok := t.subs[id]
	delete(t.subs, id)
	t.subMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown subscription id %d", id)
	}
	return t.dispatch(func() {
		if err := t.client.Unsubscribe(entry.char, entry.indicate); err != nil {
			t.logger.WithFields(map[string]interface{}{
				"handle": fmt.Sprintf("0x%04x", entry.char.ValueHandle),
				"error":  err,
			}).Warn("Failed to unsubscribe from characteristic")
		}
	}, func() {})
}
