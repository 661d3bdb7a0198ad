// Package goble implements the gatt.Transport collaborator contract on top
// of go-ble/ble. A single event-processing goroutine owns all interaction
// with the BLE client; requests are queued to it and completion callbacks
// are invoked from it.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/att"
	"github.com/srg/bledrive/internal/groutine"
)

const (
	// DefaultReadyTimeout bounds the wait for service discovery to complete
	// after the link comes up.
	DefaultReadyTimeout = 5 * time.Second

	// DefaultConnectTimeout bounds the initial dial.
	DefaultConnectTimeout = 30 * time.Second

	// requestQueueSize is the depth of the request queue feeding the event
	// loop. Callers block on their completion anyway, so a small queue only
	// decouples dispatch from a momentarily busy loop.
	requestQueueSize = 16
)

// ErrReadyTimeout is returned by Dial when the peer's service discovery does
// not complete within Options.ReadyTimeout.
var ErrReadyTimeout = errors.New("timed out waiting for service discovery")

// DeviceFactory creates ble.Device instances (overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// Options configure a connection to a peripheral.
type Options struct {
	Address        string
	AddrType       string // "public" (default) or "random"
	Security       int    // initial link security level 1..3, default 1
	MTU            int    // requested rx MTU, 0 keeps the stack default
	ConnectTimeout time.Duration
	ReadyTimeout   time.Duration
	// OnDisconnect is invoked once, from the event-processing goroutine,
	// when the peer drops the link or the transport hits an I/O error. This
	// is a terminal event: every operation dispatched afterwards fails with
	// gatt.ErrDisconnected.
	OnDisconnect func(err error)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.ReadyTimeout == 0 {
		out.ReadyTimeout = DefaultReadyTimeout
	}
	if out.Security == 0 {
		out.Security = 1
	}
	return out
}

type stagedChunk struct {
	handle uint16
	offset uint16
	value  []byte
}

type subEntry struct {
	char     *ble.Characteristic
	indicate bool
}

// request pairs an operation with the failure path that completes it when the
// event loop is no longer around to run it.
type request struct {
	op   func()
	fail func()
}

// Transport is the production gatt.Transport over go-ble/ble.
type Transport struct {
	logger *logrus.Logger
	client ble.Client
	opts   Options

	chars *orderedmap.OrderedMap[uint16, *ble.Characteristic]
	descs *orderedmap.OrderedMap[uint16, *ble.Descriptor]
	prof  *ble.Profile
	mtu   int

	reqMu    sync.Mutex
	requests chan request
	stop     chan struct{}
	done     chan struct{}

	readyMu sync.Mutex
	ready   bool

	secMu       sync.Mutex
	security    int
	signCounter func() uint32
	haveSignKey bool

	sessMu      sync.Mutex
	nextSession uint32
	staged      map[uint32][]stagedChunk

	subMu   sync.Mutex
	nextSub uint32
	subs    map[uint32]subEntry

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the peripheral at opts.Address, spawns the
// event-processing goroutine, and blocks until service discovery completes
// or opts.ReadyTimeout elapses (ErrReadyTimeout). The returned Transport is
// ready for attribute operations.
func Dial(ctx context.Context, opts Options, logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts = (&opts).withDefaults()
	if opts.Address == "" {
		return nil, fmt.Errorf("peer address is empty")
	}

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	var addr ble.Addr = ble.NewAddr(opts.Address)
	if opts.AddrType == "random" {
		addr = hci.RandomAddress{Addr: addr}
	}

	logger.WithFields(logrus.Fields{
		"address":   opts.Address,
		"addr_type": opts.AddrType,
		"security":  opts.Security,
	}).Info("Connecting to peripheral...")

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	client, err := ble.Dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", opts.Address, err)
	}

	t := &Transport{
		logger:   logger,
		client:   client,
		opts:     opts,
		chars:    orderedmap.New[uint16, *ble.Characteristic](),
		descs:    orderedmap.New[uint16, *ble.Descriptor](),
		requests: make(chan request, requestQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		staged:   make(map[uint32][]stagedChunk),
		subs:     make(map[uint32]subEntry),
		security: opts.Security,
	}

	readyCh := make(chan error, 1)
	groutine.Go(context.Background(), "gatt-event-loop", func(gctx context.Context) {
		defer logger.Debugf("%s: exiting", groutine.GetName(gctx))
		t.run(readyCh)
	})

	select {
	case err := <-readyCh:
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("service discovery failed: %w", err)
		}
	case <-time.After(opts.ReadyTimeout):
		// Discovery may still be blocked on an unresponsive peer. Cancel the
		// connection first so it returns and Close can join the event loop.
		_ = client.CancelConnection()
		_ = t.Close()
		return nil, ErrReadyTimeout
	}

	logger.WithFields(logrus.Fields{
		"address":  opts.Address,
		"services": len(t.prof.Services),
		"mtu":      t.mtu,
	}).Info("Peripheral ready")
	return t, nil
}

// run is the event-processing loop. Discovery happens here so that all
// collaborator interaction stays on one goroutine.
func (t *Transport) run(readyCh chan<- error) {
	defer func() {
		close(t.done)
		t.failPending()
	}()

	if err := t.discover(); err != nil {
		readyCh <- err
		return
	}

	// Set exactly once, under the lock.
	t.readyMu.Lock()
	t.ready = true
	t.readyMu.Unlock()
	readyCh <- nil

	for {
		select {
		case <-t.stop:
			return
		case <-t.client.Disconnected():
			t.logger.Warn("Peer disconnected")
			if t.opts.OnDisconnect != nil {
				t.opts.OnDisconnect(gatt.ErrDisconnected)
			}
			return
		case req := <-t.requests:
			req.op()
		}
	}
}

// failPending completes every request still queued after the event loop
// exited. Serialized with dispatch through reqMu so no request can slip in
// behind the drain.
func (t *Transport) failPending() {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()
	for {
		select {
		case req := <-t.requests:
			req.fail()
		default:
			return
		}
	}
}

func (t *Transport) discover() error {
	if t.opts.MTU > 0 {
		txMTU, err := t.client.ExchangeMTU(t.opts.MTU)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"requested": t.opts.MTU,
				"error":     err,
			}).Warn("MTU exchange failed, keeping default")
		} else {
			t.logger.WithField("mtu", txMTU).Debug("MTU negotiated")
		}
	}
	t.mtu = t.client.Conn().TxMTU()

	prof, err := t.client.DiscoverProfile(true)
	if err != nil {
		return err
	}
	t.prof = prof

	// Index characteristics by value handle and descriptors by handle, in
	// ascending handle order.
	var chars []*ble.Characteristic
	var descs []*ble.Descriptor
	for _, svc := range prof.Services {
		for _, c := range svc.Characteristics {
			chars = append(chars, c)
			descs = append(descs, c.Descriptors...)
		}
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i].ValueHandle < chars[j].ValueHandle })
	sort.Slice(descs, func(i, j int) bool { return descs[i].Handle < descs[j].Handle })
	for _, c := range chars {
		t.chars.Set(c.ValueHandle, c)
	}
	for _, d := range descs {
		t.descs.Set(d.Handle, d)
	}

	t.logger.WithFields(logrus.Fields{
		"services":        len(prof.Services),
		"characteristics": t.chars.Len(),
		"descriptors":     t.descs.Len(),
	}).Debug("Profile discovered")
	return nil
}

// Ready reports whether service discovery has completed.
func (t *Transport) Ready() bool {
	t.readyMu.Lock()
	defer t.readyMu.Unlock()
	return t.ready
}

// Profile returns the discovered attribute tree.
func (t *Transport) Profile() *ble.Profile { return t.prof }

// MTU returns the negotiated tx MTU.
func (t *Transport) MTU() int { return t.mtu }

// Characteristics returns discovered characteristics in handle order.
func (t *Transport) Characteristics() []*ble.Characteristic {
	out := make([]*ble.Characteristic, 0, t.chars.Len())
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// dispatch queues op for the event-processing goroutine. Once the loop has
// exited, dispatch fails with gatt.ErrDisconnected; a request that was queued
// but never ran is completed by failPending. Every accepted operation thus
// fulfills exactly once.
func (t *Transport) dispatch(op, fail func()) error {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()
	select {
	case <-t.done:
		return gatt.ErrDisconnected
	default:
	}
	select {
	case t.requests <- request{op: op, fail: fail}:
		return nil
	case <-t.done:
		return gatt.ErrDisconnected
	}
}

func (t *Transport) lookup(handle uint16) (*ble.Characteristic, *ble.Descriptor, error) {
	if c, ok := t.chars.Get(handle); ok {
		return c, nil, nil
	}
	if d, ok := t.descs.Get(handle); ok {
		return nil, d, nil
	}
	return nil, nil, fmt.Errorf("no attribute with handle 0x%04x", handle)
}

// attCode maps a go-ble error to an ATT status code.
func attCode(err error) att.ErrorCode {
	if err == nil {
		return att.Success
	}
	var ae ble.ATTError
	if errors.As(err, &ae) {
		return att.ErrorCode(ae)
	}
	return att.Unlikely
}

// Close stops the event loop, waits for it to exit, and only then cancels
// the connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.done
		if err := t.client.CancelConnection(); err != nil {
			t.closeErr = err
		}
		t.logger.Debug("Transport closed")
	})
	return t.closeErr
}
