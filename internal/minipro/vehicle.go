// Package minipro speaks the Ninebot miniPRO remote control protocol over a
// GATT operation façade: register writes are framed serial packets written
// to the vehicle's UART characteristic, status telemetry arrives as
// notifications on a second characteristic.
package minipro

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/bledrive/internal/gatt"
)

// Attribute handles of the vehicle's UART service. Fixed across miniPRO
// firmware revisions.
type Handles struct {
	Drive  uint16 // write target for command frames
	Status uint16 // notification source for telemetry frames
}

// DefaultHandles match the stock miniPRO attribute layout.
var DefaultHandles = Handles{
	Drive:  0x000e,
	Status: 0x000b,
}

// Commander is the façade subset the vehicle drives through.
type Commander interface {
	WriteValue(ctx context.Context, handle uint16, value []byte, withoutResponse, signedWrite bool) error
	RegisterNotify(ctx context.Context, handle uint16, fn gatt.ValueFunc) (uint32, error)
	UnregisterNotify(id uint32) error
}

// Vehicle is a connected miniPRO.
type Vehicle struct {
	gc      Commander
	logger  *logrus.Logger
	handles Handles

	mu         sync.Mutex
	notifyID   uint32
	lastStatus []byte
}

// New wraps an established façade connection.
func New(gc Commander, handles Handles, logger *logrus.Logger) *Vehicle {
	if logger == nil {
		logger = logrus.New()
	}
	return &Vehicle{gc: gc, handles: handles, logger: logger}
}

// EnableNotifications subscribes to the vehicle's telemetry characteristic.
// Calling it while already subscribed is a no-op.
func (v *Vehicle) EnableNotifications(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.notifyID != 0 {
		return nil
	}
	id, err := v.gc.RegisterNotify(ctx, v.handles.Status, v.onStatus)
	if err != nil {
		return fmt.Errorf("failed to enable telemetry notifications: %w", err)
	}
	v.notifyID = id
	return nil
}

// DisableNotifications drops the telemetry subscription.
func (v *Vehicle) DisableNotifications() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.notifyID == 0 {
		return nil
	}
	err := v.gc.UnregisterNotify(v.notifyID)
	v.notifyID = 0
	return err
}

// onStatus runs on the transport's notification goroutine.
func (v *Vehicle) onStatus(_ uint16, value []byte) {
	reg, payload, err := decodeFrame(value)
	if err != nil {
		v.logger.WithField("error", err).Debug("Ignoring malformed telemetry frame")
		return
	}
	v.mu.Lock()
	v.lastStatus = append(v.lastStatus[:0], payload...)
	v.mu.Unlock()
	v.logger.WithFields(logrus.Fields{
		"reg":     fmt.Sprintf("0x%02x", reg),
		"payload": hex.EncodeToString(payload),
	}).Debug("Telemetry frame")
}

// Status returns a copy of the payload of the last telemetry frame, nil if
// none has arrived yet.
func (v *Vehicle) Status() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastStatus == nil {
		return nil
	}
	out := make([]byte, len(v.lastStatus))
	copy(out, v.lastStatus)
	return out
}

// EnterRemoteControlMode switches the vehicle to accepting drive frames.
func (v *Vehicle) EnterRemoteControlMode(ctx context.Context) error {
	if err := v.gc.WriteValue(ctx, v.handles.Drive, remoteControlFrame(true), false, false); err != nil {
		return fmt.Errorf("failed to enter remote control mode: %w", err)
	}
	v.logger.Info("Remote control mode on")
	return nil
}

// ExitRemoteControlMode returns the vehicle to self-balancing operation.
func (v *Vehicle) ExitRemoteControlMode(ctx context.Context) error {
	if err := v.gc.WriteValue(ctx, v.handles.Drive, remoteControlFrame(false), false, false); err != nil {
		return fmt.Errorf("failed to exit remote control mode: %w", err)
	}
	v.logger.Info("Remote control mode off")
	return nil
}

// Drive sends one throttle/steering frame as a write without response, so a
// fixed-rate control loop never blocks on the peer. Values are clamped to
// the int16 wire range.
func (v *Vehicle) Drive(throttle, steering int) error {
	return v.gc.WriteValue(context.Background(), v.handles.Drive,
		driveFrame(clamp16(throttle), clamp16(steering)), true, false)
}

func clamp16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
