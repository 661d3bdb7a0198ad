// Package joystick polls a Linux joystick character device in the
// background, routing raw axis events into logical (x, y) slots and button
// events into registered callbacks.
package joystick

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/bledrive/internal/groutine"
)

// JSIOCGAXES / JSIOCGBUTTONS from <linux/joystick.h>.
const (
	jsiocgAxes    = 0x80016a11
	jsiocgButtons = 0x80016a12
)

// DefaultDevice is the first kernel joystick node.
const DefaultDevice = "/dev/input/js0"

// pollInterval is the fixed poll cadence: one non-blocking read per tick.
const pollInterval = time.Second / 60

// Poller lifecycle states.
const (
	StateClosed int32 = iota
	StateOpen
	StateRunning
	StateStopping
)

// AxisState is a snapshot of one logical axis slot.
type AxisState struct {
	X int16
	Y int16
}

// ButtonFunc is invoked with the new pressed state. It runs synchronously on
// the poller goroutine; a slow callback delays subsequent input processing.
type ButtonFunc func(pressed bool)

// RangeError reports an axis or button index beyond the counts queried from
// the device at open time.
type RangeError struct {
	What  string
	Index int
	Count int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s index %d out of range (device has %d)", e.What, e.Index, e.Count)
}

// Poller owns the device handle and the background poll loop. Axis state has
// a single writer (the poller goroutine) and any number of snapshot readers.
type Poller struct {
	logger     *logrus.Logger
	fd         int
	numAxes    int
	numButtons int

	mu      sync.Mutex
	axes    []AxisState
	buttons []ButtonFunc

	state atomic.Int32
	stop  chan struct{}
	done  chan struct{}
}

func ioctlCount(fd int, req uint) (int, error) {
	var v uint8
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return 0, errno
	}
	return int(v), nil
}

// Open acquires the joystick device, queries its axis and button counts,
// switches the handle to non-blocking I/O and starts the poll loop.
func Open(path string, logger *logrus.Logger) (*Poller, error) {
	if logger == nil {
		logger = logrus.New()
	}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open joystick device %q: %w", path, err)
	}

	numAxes, err := ioctlCount(fd, jsiocgAxes)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to query axis count: %w", err)
	}
	numButtons, err := ioctlCount(fd, jsiocgButtons)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to query button count: %w", err)
	}

	// Non-blocking reads let the poll loop keep checking its stop signal
	// instead of parking in the kernel.
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to set non-blocking mode: %w", err)
	}

	p := &Poller{
		logger:     logger,
		fd:         fd,
		numAxes:    numAxes,
		numButtons: numButtons,
		axes:       make([]AxisState, axisSlots(numAxes)),
		buttons:    make([]ButtonFunc, numButtons),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.state.Store(StateOpen)

	logger.WithFields(logrus.Fields{
		"device":  path,
		"axes":    numAxes,
		"buttons": numButtons,
	}).Info("Joystick opened")

	p.state.Store(StateRunning)
	groutine.Go(nil, "joystick-poller", func(ctx context.Context) {
		defer logger.Debugf("%s: exiting", groutine.GetName(ctx))
		p.loop()
	})
	return p, nil
}

// loop reads at most one event record per tick.
func (p *Poller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	buf := make([]byte, eventSize)
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		n, err := unix.Read(p.fd, buf)
		if err != nil || n != eventSize {
			// EAGAIN: no event pending this tick.
			continue
		}
		p.handleEvent(decodeEvent(buf))
	}
}

// handleEvent routes one decoded record. Synthetic init events are treated
// like their regular counterparts; unrecognized types are ignored.
func (p *Poller) handleEvent(ev Event) {
	switch ev.Type &^ EventInit {
	case EventButton:
		p.mu.Lock()
		var fn ButtonFunc
		if int(ev.Number) < len(p.buttons) {
			fn = p.buttons[ev.Number]
		}
		p.mu.Unlock()
		if fn != nil {
			fn(ev.Value != 0)
		}

	case EventAxis:
		route, ok := axisRouting[ev.Number]
		if !ok {
			return
		}
		p.mu.Lock()
		if route.vertical {
			p.axes[route.slot].Y = ev.Value
		} else {
			p.axes[route.slot].X = ev.Value
		}
		p.mu.Unlock()
	}
}

// axisSlots sizes the slot table: one slot per reported axis, and never
// fewer than the routed slots so every table entry stays writable.
func axisSlots(numAxes int) int {
	if numAxes < numSlots {
		return numSlots
	}
	return numAxes
}

// AxisState returns a snapshot of the logical axis slot. The (x, y) pair is
// read atomically with respect to the poller's updates. Slots beyond the
// routed ones stay neutral; only indices past the device's reported axis
// count are rejected.
func (p *Poller) AxisState(axis int) (AxisState, error) {
	if axis < 0 || axis >= p.numAxes {
		return AxisState{}, &RangeError{What: "axis", Index: axis, Count: p.numAxes}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.axes[axis], nil
}

// SetButtonCallback registers fn for the given button; nil clears it.
func (p *Poller) SetButtonCallback(button int, fn ButtonFunc) error {
	if button < 0 || button >= p.numButtons {
		return &RangeError{What: "button", Index: button, Count: p.numButtons}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buttons[button] = fn
	return nil
}

// NumAxes returns the raw axis count reported by the device.
func (p *Poller) NumAxes() int { return p.numAxes }

// NumButtons returns the button count reported by the device.
func (p *Poller) NumButtons() int { return p.numButtons }

// State returns the current lifecycle state.
func (p *Poller) State() int32 { return p.state.Load() }

// Close signals the poll loop to stop, waits for it to exit, and only then
// releases the device handle. Safe to call on an already-closed poller.
func (p *Poller) Close() error {
	if !p.state.CompareAndSwap(StateRunning, StateStopping) {
		return nil
	}
	close(p.stop)
	<-p.done
	err := unix.Close(p.fd)
	p.state.Store(StateClosed)
	p.logger.Debug("Joystick closed")
	if err != nil {
		return fmt.Errorf("failed to close joystick device: %w", err)
	}
	return nil
}
