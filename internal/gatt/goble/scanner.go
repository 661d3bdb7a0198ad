package goble

import (
	"context"
	"errors"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// ScanResult is one observed advertisement.
type ScanResult struct {
	Addr        string
	Name        string
	RSSI        int
	Connectable bool
}

// Scan listens for advertisements for the given duration (0 = until ctx is
// cancelled) and invokes handler for each one. With allowDup false, repeat
// advertisements from the same peer are filtered by the stack.
func Scan(ctx context.Context, duration time.Duration, allowDup bool, logger *logrus.Logger, handler func(ScanResult)) error {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory()
	if err != nil {
		return err
	}
	ble.SetDefaultDevice(dev)

	scanCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.WithField("duration", duration).Info("Scanning for peripherals...")
	err = ble.Scan(scanCtx, allowDup, func(a ble.Advertisement) {
		handler(ScanResult{
			Addr:        a.Addr().String(),
			Name:        a.LocalName(),
			RSSI:        a.RSSI(),
			Connectable: a.Connectable(),
		})
	}, nil)

	// Hitting the deadline or an interrupt is the normal way a scan ends.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
