// Package teleop turns joystick axis state into periodic vehicle drive
// commands.
package teleop

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bledrive/internal/joystick"
)

// Defaults tuned on an Xbox 360 pad: sticks drift a few thousand counts
// around center, and full-range steering is far too aggressive.
const (
	DefaultRate            = 30
	DefaultDeadzoneX       = 8000
	DefaultDeadzoneY       = 8000
	DefaultSteeringDamping = 10
)

// Config tunes the control loop.
type Config struct {
	Rate            int // drive commands per second
	DeadzoneX       int // steering deadzone threshold
	DeadzoneY       int // throttle deadzone threshold
	SteeringDamping int // steering attenuation divisor
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Rate:            DefaultRate,
		DeadzoneX:       DefaultDeadzoneX,
		DeadzoneY:       DefaultDeadzoneY,
		SteeringDamping: DefaultSteeringDamping,
	}
}

// Deadzone zeroes v below the threshold and rescales it above, so the output
// is exactly 0 at |v| == threshold and grows monotonically from there. This
// keeps the vehicle still when the stick is released without introducing a
// step at the deadzone edge.
func Deadzone(v, threshold int) int {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	if abs < threshold {
		return 0
	}
	if v < 0 {
		return -(abs - threshold)
	}
	return abs - threshold
}

// Driver issues drive commands to the vehicle.
type Driver interface {
	Drive(throttle, steering int) error
}

// AxisReader supplies axis snapshots, satisfied by *joystick.Poller.
type AxisReader interface {
	AxisState(axis int) (joystick.AxisState, error)
}

// Loop reads the primary stick at a fixed cadence and keeps the vehicle fed
// with drive commands.
type Loop struct {
	joy    AxisReader
	drv    Driver
	cfg    Config
	logger *logrus.Logger
}

// NewLoop builds a control loop. Zero config fields fall back to defaults.
func NewLoop(joy AxisReader, drv Driver, cfg Config, logger *logrus.Logger) *Loop {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.SteeringDamping <= 0 {
		cfg.SteeringDamping = DefaultSteeringDamping
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{joy: joy, drv: drv, cfg: cfg, logger: logger}
}

// Command maps one stick snapshot to throttle and steering. Both axes are
// negated so forward and right come out positive, then deadzoned; steering
// is additionally damped.
func (l *Loop) Command(st joystick.AxisState) (throttle, steering int) {
	throttle = Deadzone(int(-st.Y), l.cfg.DeadzoneY)
	steering = Deadzone(int(-st.X), l.cfg.DeadzoneX) / l.cfg.SteeringDamping
	return throttle, steering
}

// Run drives the vehicle until ctx is cancelled, then issues one final
// neutral command so the vehicle does not keep moving after the controller
// exits. Per-command failures are logged and the loop keeps going: after a
// disconnect every command is expected to fail until the caller tears down.
func (l *Loop) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(l.cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.WithFields(logrus.Fields{
		"rate_hz":  l.cfg.Rate,
		"deadzone": l.cfg.DeadzoneX,
		"damping":  l.cfg.SteeringDamping,
	}).Info("Control loop running")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Control loop stopping, sending neutral drive command")
			if err := l.drv.Drive(0, 0); err != nil {
				return err
			}
			return nil
		case <-ticker.C:
		}

		st, err := l.joy.AxisState(joystick.AxisLeftStick)
		if err != nil {
			return err
		}
		throttle, steering := l.Command(st)
		if err := l.drv.Drive(throttle, steering); err != nil {
			l.logger.WithField("error", err).Warn("Drive command failed")
		}
	}
}
