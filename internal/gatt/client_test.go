package gatt_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/att"
)

// mockTransport is a scriptable Transport. Each method delegates to the
// corresponding function field; unset fields report success immediately.
type mockTransport struct {
	readValue            func(handle uint16, fn gatt.ReadFunc) error
	readLongValue        func(handle, offset uint16, fn gatt.ReadFunc) error
	readMultiple         func(handles []uint16, fn gatt.ReadFunc) error
	writeValue           func(handle uint16, value []byte, fn gatt.WriteFunc) error
	writeWithoutResponse func(handle uint16, signed bool, value []byte) error
	writeLongValue       func(reliable bool, handle, offset uint16, value []byte, fn gatt.LongWriteFunc) error
	prepareWrite         func(sessionID uint32, handle, offset uint16, value []byte) (uint32, error)
	executeWrite         func(sessionID uint32, fn gatt.WriteFunc) error
	cancelWrite          func(sessionID uint32) error
	subscribe            func(handle uint16, registered gatt.WriteFunc, notify gatt.NotifyFunc) (uint32, error)
	unsubscribe          func(id uint32) error
	setSecurity          func(level int) error
	security             func() int
	setSignKey           func(key [16]byte, counter func() uint32) error
	closeFn              func() error

	calls []string
}

func (m *mockTransport) record(name string) { m.calls = append(m.calls, name) }

func (m *mockTransport) ReadValue(handle uint16, fn gatt.ReadFunc) error {
	m.record("ReadValue")
	if m.readValue != nil {
		return m.readValue(handle, fn)
	}
	fn(att.Success, nil)
	return nil
}

func (m *mockTransport) ReadLongValue(handle, offset uint16, fn gatt.ReadFunc) error {
	m.record("ReadLongValue")
	if m.readLongValue != nil {
		return m.readLongValue(handle, offset, fn)
	}
	fn(att.Success, nil)
	return nil
}

func (m *mockTransport) ReadMultiple(handles []uint16, fn gatt.ReadFunc) error {
	m.record("ReadMultiple")
	if m.readMultiple != nil {
		return m.readMultiple(handles, fn)
	}
	fn(att.Success, nil)
	return nil
}

func (m *mockTransport) WriteValue(handle uint16, value []byte, fn gatt.WriteFunc) error {
	m.record("WriteValue")
	if m.writeValue != nil {
		return m.writeValue(handle, value, fn)
	}
	fn(att.Success)
	return nil
}

func (m *mockTransport) WriteWithoutResponse(handle uint16, signed bool, value []byte) error {
	m.record("WriteWithoutResponse")
	if m.writeWithoutResponse != nil {
		return m.writeWithoutResponse(handle, signed, value)
	}
	return nil
}

func (m *mockTransport) WriteLongValue(reliable bool, handle, offset uint16, value []byte, fn gatt.LongWriteFunc) error {
	m.record("WriteLongValue")
	if m.writeLongValue != nil {
		return m.writeLongValue(reliable, handle, offset, value, fn)
	}
	fn(att.Success, false)
	return nil
}

func (m *mockTransport) PrepareWrite(sessionID uint32, handle, offset uint16, value []byte) (uint32, error) {
	m.record("PrepareWrite")
	if m.prepareWrite != nil {
		return m.prepareWrite(sessionID, handle, offset, value)
	}
	if sessionID == 0 {
		return 1, nil
	}
	return sessionID, nil
}

func (m *mockTransport) ExecuteWrite(sessionID uint32, fn gatt.WriteFunc) error {
	m.record("ExecuteWrite")
	if m.executeWrite != nil {
		return m.executeWrite(sessionID, fn)
	}
	fn(att.Success)
	return nil
}

func (m *mockTransport) CancelWrite(sessionID uint32) error {
	m.record("CancelWrite")
	if m.cancelWrite != nil {
		return m.cancelWrite(sessionID)
	}
	return nil
}

func (m *mockTransport) Subscribe(handle uint16, registered gatt.WriteFunc, notify gatt.NotifyFunc) (uint32, error) {
	m.record("Subscribe")
	if m.subscribe != nil {
		return m.subscribe(handle, registered, notify)
	}
	registered(att.Success)
	return 1, nil
}

func (m *mockTransport) Unsubscribe(id uint32) error {
	m.record("Unsubscribe")
	if m.unsubscribe != nil {
		return m.unsubscribe(id)
	}
	return nil
}

func (m *mockTransport) SetSecurity(level int) error {
	m.record("SetSecurity")
	if m.setSecurity != nil {
		return m.setSecurity(level)
	}
	return nil
}

func (m *mockTransport) Security() int {
	if m.security != nil {
		return m.security()
	}
	return 1
}

func (m *mockTransport) SetSignKey(key [16]byte, counter func() uint32) error {
	m.record("SetSignKey")
	if m.setSignKey != nil {
		return m.setSignKey(key, counter)
	}
	return nil
}

func (m *mockTransport) Close() error {
	m.record("Close")
	if m.closeFn != nil {
		return m.closeFn()
	}
	return nil
}

func newTestClient(t *testing.T, mock *mockTransport) (*gatt.Client, *logrustest.Hook) {
	t.Helper()
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return gatt.NewClient(mock, logger), hook
}

func TestReadValue(t *testing.T) {
	// GOAL: Verify the synchronous read facade over the callback transport
	//
	// TEST SCENARIO: Transport fulfills the read callback → caller gets the
	// value, an ATT status, or a dispatch error depending on the outcome

	t.Run("success returns value", func(t *testing.T) {
		mock := &mockTransport{
			readValue: func(handle uint16, fn gatt.ReadFunc) error {
				assert.Equal(t, uint16(0x000e), handle)
				fn(att.Success, []byte{0x55, 0xAA})
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		value, err := client.ReadValue(context.Background(), 0x000e)

		require.NoError(t, err)
		assert.Equal(t, []byte{0x55, 0xAA}, value)
	})

	t.Run("value survives transport buffer reuse", func(t *testing.T) {
		buf := []byte{1, 2, 3}
		mock := &mockTransport{
			readValue: func(handle uint16, fn gatt.ReadFunc) error {
				fn(att.Success, buf)
				buf[0] = 0xFF // transport recycles its buffer
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		value, err := client.ReadValue(context.Background(), 0x0001)

		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, value, "client MUST copy the callback payload")
	})

	t.Run("ATT error surfaces as status code", func(t *testing.T) {
		mock := &mockTransport{
			readValue: func(handle uint16, fn gatt.ReadFunc) error {
				fn(att.ReadNotPerm, nil)
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		_, err := client.ReadValue(context.Background(), 0x0001)

		var code att.ErrorCode
		require.ErrorAs(t, err, &code)
		assert.Equal(t, att.ReadNotPerm, code)
	})

	t.Run("dispatch failure surfaces as DispatchError", func(t *testing.T) {
		mock := &mockTransport{
			readValue: func(handle uint16, fn gatt.ReadFunc) error {
				return gatt.ErrDisconnected
			},
		}
		client, _ := newTestClient(t, mock)

		_, err := client.ReadValue(context.Background(), 0x0001)

		var dispatch *gatt.DispatchError
		require.ErrorAs(t, err, &dispatch)
		assert.ErrorIs(t, err, gatt.ErrDisconnected)
	})

	t.Run("context cancellation unblocks the caller", func(t *testing.T) {
		mock := &mockTransport{
			readValue: func(handle uint16, fn gatt.ReadFunc) error {
				return nil // never fulfilled
			},
		}
		client, _ := newTestClient(t, mock)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := client.ReadValue(ctx, 0x0001)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestReadMultiple(t *testing.T) {
	// GOAL: Verify batched reads pass the handle set through and reject
	// empty requests locally

	t.Run("passes handles in order", func(t *testing.T) {
		var got []uint16
		mock := &mockTransport{
			readMultiple: func(handles []uint16, fn gatt.ReadFunc) error {
				got = handles
				fn(att.Success, []byte{0xAA, 0xBB})
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		value, err := client.ReadMultiple(context.Background(), []uint16{0x0003, 0x0001})

		require.NoError(t, err)
		assert.Equal(t, []uint16{0x0003, 0x0001}, got)
		assert.Equal(t, []byte{0xAA, 0xBB}, value)
	})

	t.Run("empty handle set fails without dispatch", func(t *testing.T) {
		mock := &mockTransport{}
		client, _ := newTestClient(t, mock)

		_, err := client.ReadMultiple(context.Background(), nil)

		require.Error(t, err)
		assert.Empty(t, mock.calls, "transport MUST NOT be contacted")
	})
}

func TestSingleFulfillment(t *testing.T) {
	// GOAL: Verify a misbehaving transport that fires a completion twice
	// cannot corrupt the result of a pending operation
	//
	// TEST SCENARIO: Callback invoked twice with different outcomes → first
	// outcome wins → violation is logged

	mock := &mockTransport{
		readValue: func(handle uint16, fn gatt.ReadFunc) error {
			fn(att.Success, []byte{0x01})
			fn(att.Unlikely, []byte{0x02})
			return nil
		},
	}
	client, hook := newTestClient(t, mock)

	value, err := client.ReadValue(context.Background(), 0x0001)

	require.NoError(t, err, "first fulfillment MUST win")
	assert.Equal(t, []byte{0x01}, value)

	require.NotEmpty(t, hook.Entries, "second fulfillment MUST be logged")
	last := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.ErrorIs(t, last.Data["error"].(error), gatt.ErrAlreadyFulfilled)
}

func TestWriteValue(t *testing.T) {
	// GOAL: Verify acknowledged writes block for the peer status while
	// write-without-response is fire-and-forget

	t.Run("acknowledged write blocks for status", func(t *testing.T) {
		mock := &mockTransport{
			writeValue: func(handle uint16, value []byte, fn gatt.WriteFunc) error {
				assert.Equal(t, []byte{0x7A}, value)
				fn(att.Success)
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		err := client.WriteValue(context.Background(), 0x000e, []byte{0x7A}, false, false)

		require.NoError(t, err)
		assert.Equal(t, []string{"WriteValue"}, mock.calls)
	})

	t.Run("acknowledged write surfaces ATT status", func(t *testing.T) {
		mock := &mockTransport{
			writeValue: func(handle uint16, value []byte, fn gatt.WriteFunc) error {
				fn(att.WriteNotPerm)
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		err := client.WriteValue(context.Background(), 0x000e, nil, false, false)

		var code att.ErrorCode
		require.ErrorAs(t, err, &code)
		assert.Equal(t, att.WriteNotPerm, code)
	})

	t.Run("without response returns immediately", func(t *testing.T) {
		var gotSigned bool
		mock := &mockTransport{
			writeWithoutResponse: func(handle uint16, signed bool, value []byte) error {
				gotSigned = signed
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		err := client.WriteValue(context.Background(), 0x000e, []byte{0x01}, true, true)

		require.NoError(t, err)
		assert.True(t, gotSigned)
		assert.Equal(t, []string{"WriteWithoutResponse"}, mock.calls)
	})

	t.Run("without response reports dispatch failure", func(t *testing.T) {
		mock := &mockTransport{
			writeWithoutResponse: func(handle uint16, signed bool, value []byte) error {
				return gatt.ErrDisconnected
			},
		}
		client, _ := newTestClient(t, mock)

		err := client.WriteValue(context.Background(), 0x000e, nil, true, false)

		assert.ErrorIs(t, err, gatt.ErrDisconnected)
	})
}

func TestWriteLongValue(t *testing.T) {
	// GOAL: Verify the verify-pending signal of reliable writes never
	// completes the operation; only the final status does
	//
	// TEST SCENARIO: Transport reports verify-pending, then a final status →
	// caller blocks through the intermediate signal → final status returned

	t.Run("verify pending followed by success", func(t *testing.T) {
		mock := &mockTransport{
			writeLongValue: func(reliable bool, handle, offset uint16, value []byte, fn gatt.LongWriteFunc) error {
				assert.True(t, reliable)
				fn(att.Success, true) // intermediate, MUST NOT fulfill
				fn(att.Success, false)
				return nil
			},
		}
		client, hook := newTestClient(t, mock)

		err := client.WriteLongValue(context.Background(), true, 0x000e, 0, []byte{0x01, 0x02})

		require.NoError(t, err)
		for _, entry := range hook.Entries {
			assert.NotEqual(t, logrus.ErrorLevel, entry.Level,
				"intermediate signal MUST NOT count as a fulfillment")
		}
	})

	t.Run("verify pending followed by failure", func(t *testing.T) {
		mock := &mockTransport{
			writeLongValue: func(reliable bool, handle, offset uint16, value []byte, fn gatt.LongWriteFunc) error {
				fn(att.Success, true)
				fn(att.Unlikely, false)
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		err := client.WriteLongValue(context.Background(), true, 0x000e, 0, []byte{0x01})

		var code att.ErrorCode
		require.ErrorAs(t, err, &code)
		assert.Equal(t, att.Unlikely, code)
	})
}

func TestReliableWriteSession(t *testing.T) {
	// GOAL: Verify the single reliable write session invariant
	//
	// TEST SCENARIO: Stale session ids fail fast locally; execute and cancel
	// both reset the open session regardless of outcome

	t.Run("prepare opens a session and accepts its id", func(t *testing.T) {
		mock := &mockTransport{
			prepareWrite: func(sessionID uint32, handle, offset uint16, value []byte) (uint32, error) {
				if sessionID == 0 {
					return 7, nil
				}
				return sessionID, nil
			},
		}
		client, _ := newTestClient(t, mock)

		id, err := client.PrepareWrite(0, 0x000e, 0, []byte{0x01})
		require.NoError(t, err)
		assert.Equal(t, uint32(7), id)
		assert.Equal(t, uint32(7), client.Session())

		id2, err := client.PrepareWrite(7, 0x000e, 1, []byte{0x02})
		require.NoError(t, err)
		assert.Equal(t, uint32(7), id2)
	})

	t.Run("stale session id fails fast", func(t *testing.T) {
		mock := &mockTransport{}
		client, _ := newTestClient(t, mock)

		_, err := client.PrepareWrite(42, 0x000e, 0, []byte{0x01})

		var sessionErr *gatt.SessionError
		require.ErrorAs(t, err, &sessionErr)
		assert.Equal(t, uint32(42), sessionErr.Got)
		assert.Equal(t, uint32(0), sessionErr.Open)
		assert.Empty(t, mock.calls, "transport MUST NOT be contacted on a local session mismatch")
	})

	t.Run("execute commits and resets the session", func(t *testing.T) {
		mock := &mockTransport{}
		client, _ := newTestClient(t, mock)

		id, err := client.PrepareWrite(0, 0x000e, 0, []byte{0x01})
		require.NoError(t, err)

		require.NoError(t, client.ExecuteWrite(context.Background(), id, true))
		assert.Equal(t, uint32(0), client.Session())
		assert.Contains(t, mock.calls, "ExecuteWrite")
	})

	t.Run("failed execute still resets the session", func(t *testing.T) {
		mock := &mockTransport{
			executeWrite: func(sessionID uint32, fn gatt.WriteFunc) error {
				fn(att.Unlikely)
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		id, err := client.PrepareWrite(0, 0x000e, 0, []byte{0x01})
		require.NoError(t, err)

		require.Error(t, client.ExecuteWrite(context.Background(), id, true))
		assert.Equal(t, uint32(0), client.Session())
	})

	t.Run("cancel discards staged data and resets the session", func(t *testing.T) {
		mock := &mockTransport{}
		client, _ := newTestClient(t, mock)

		id, err := client.PrepareWrite(0, 0x000e, 0, []byte{0x01})
		require.NoError(t, err)

		require.NoError(t, client.ExecuteWrite(context.Background(), id, false))
		assert.Equal(t, uint32(0), client.Session())
		assert.Contains(t, mock.calls, "CancelWrite")
		assert.NotContains(t, mock.calls, "ExecuteWrite")
	})
}

func TestNotifications(t *testing.T) {
	// GOAL: Verify notify registration blocks for the peer acknowledgement
	// and delivers payloads through the registered callback

	t.Run("register delivers notifications", func(t *testing.T) {
		var deliver gatt.NotifyFunc
		mock := &mockTransport{
			subscribe: func(handle uint16, registered gatt.WriteFunc, notify gatt.NotifyFunc) (uint32, error) {
				deliver = notify
				registered(att.Success)
				return 3, nil
			},
		}
		client, _ := newTestClient(t, mock)

		var gotHandle uint16
		var gotValue []byte
		id, err := client.RegisterNotify(context.Background(), 0x000b, func(handle uint16, value []byte) {
			gotHandle = handle
			gotValue = value
		})

		require.NoError(t, err)
		assert.Equal(t, uint32(3), id)
		assert.Equal(t, map[uint32]uint16{3: 0x000b}, client.Subscriptions())

		deliver(0x000b, []byte{0x55, 0xAA, 0x06})
		assert.Equal(t, uint16(0x000b), gotHandle)
		assert.Equal(t, []byte{0x55, 0xAA, 0x06}, gotValue)
	})

	t.Run("rejected subscription is not recorded", func(t *testing.T) {
		mock := &mockTransport{
			subscribe: func(handle uint16, registered gatt.WriteFunc, notify gatt.NotifyFunc) (uint32, error) {
				registered(att.Authentication)
				return 4, nil
			},
		}
		client, _ := newTestClient(t, mock)

		_, err := client.RegisterNotify(context.Background(), 0x000b, func(uint16, []byte) {})

		var code att.ErrorCode
		require.ErrorAs(t, err, &code)
		assert.Equal(t, att.Authentication, code)
		assert.Empty(t, client.Subscriptions())
	})

	t.Run("nil callback is rejected locally", func(t *testing.T) {
		mock := &mockTransport{}
		client, _ := newTestClient(t, mock)

		_, err := client.RegisterNotify(context.Background(), 0x000b, nil)

		require.Error(t, err)
		assert.Empty(t, mock.calls)
	})

	t.Run("unregister removes the subscription", func(t *testing.T) {
		mock := &mockTransport{}
		client, _ := newTestClient(t, mock)

		id, err := client.RegisterNotify(context.Background(), 0x000b, func(uint16, []byte) {})
		require.NoError(t, err)

		require.NoError(t, client.UnregisterNotify(id))
		assert.Empty(t, client.Subscriptions())
		assert.Error(t, client.UnregisterNotify(id), "second unregister MUST fail")
	})
}

func TestSecurityAndSigning(t *testing.T) {
	// GOAL: Verify local validation of security levels and the monotonic
	// sign counter handed to the transport

	t.Run("out of range level fails locally", func(t *testing.T) {
		mock := &mockTransport{}
		client, _ := newTestClient(t, mock)

		assert.ErrorIs(t, client.SetSecurityLevel(0), gatt.ErrInvalidSecurityLevel)
		assert.ErrorIs(t, client.SetSecurityLevel(4), gatt.ErrInvalidSecurityLevel)
		assert.Empty(t, mock.calls, "transport MUST NOT see invalid levels")
	})

	t.Run("valid level reaches the transport", func(t *testing.T) {
		var gotLevel int
		mock := &mockTransport{
			setSecurity: func(level int) error {
				gotLevel = level
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		require.NoError(t, client.SetSecurityLevel(2))
		assert.Equal(t, 2, gotLevel)
	})

	t.Run("sign counter starts at zero and increments", func(t *testing.T) {
		var counter func() uint32
		mock := &mockTransport{
			setSignKey: func(key [16]byte, c func() uint32) error {
				counter = c
				return nil
			},
		}
		client, _ := newTestClient(t, mock)

		require.NoError(t, client.SetSignKey([16]byte{}))
		assert.Equal(t, uint32(0), counter())
		assert.Equal(t, uint32(1), counter())
		assert.Equal(t, uint32(2), counter())
	})
}

func TestClose(t *testing.T) {
	// GOAL: Verify close tears down subscriptions before the transport

	mock := &mockTransport{}
	client, _ := newTestClient(t, mock)

	_, err := client.RegisterNotify(context.Background(), 0x000b, func(uint16, []byte) {})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.Empty(t, client.Subscriptions())
	assert.Contains(t, mock.calls, "Unsubscribe")
	assert.Equal(t, "Close", mock.calls[len(mock.calls)-1], "transport close MUST come last")
}

func TestConcurrentReads(t *testing.T) {
	// GOAL: Verify concurrent outstanding operations on different handles
	// complete independently

	release := make(chan struct{})
	mock := &mockTransport{
		readValue: func(handle uint16, fn gatt.ReadFunc) error {
			go func() {
				<-release
				fn(att.Success, []byte{byte(handle)})
			}()
			return nil
		},
	}
	client, _ := newTestClient(t, mock)

	results := make(chan byte, 2)
	errs := make(chan error, 2)
	for _, h := range []uint16{0x0001, 0x0002} {
		go func(h uint16) {
			v, err := client.ReadValue(context.Background(), h)
			if err != nil {
				errs <- err
				return
			}
			results <- v[0]
		}(h)
	}

	close(release)
	got := map[byte]bool{}
	for i := 0; i < 2; i++ {
		select {
		case b := <-results:
			got[b] = true
		case err := <-errs:
			t.Fatalf("read failed: %v", err)
		case <-time.After(time.Second):
			t.Fatal("reads did not complete")
		}
	}
	assert.True(t, got[0x01] && got[0x02], "both reads MUST complete with their own value")
}
