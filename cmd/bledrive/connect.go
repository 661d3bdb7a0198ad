package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/goble"
	"github.com/srg/bledrive/pkg/config"
)

// connect dials the peripheral and wraps it in the operation façade. The
// caller owns the returned client and must Close it; closing the client
// also tears the transport down.
func connect(ctx context.Context, address string, cfg *config.Config, logger *logrus.Logger) (*gatt.Client, *goble.Transport, error) {
	status := NewStatusLine()
	status.Update("Connecting to %s...", address)
	defer status.Done()

	transport, err := goble.Dial(ctx, goble.Options{
		Address:        address,
		AddrType:       cfg.Connect.AddrType,
		Security:       cfg.Connect.Security,
		MTU:            cfg.Connect.MTU,
		ConnectTimeout: cfg.Connect.ConnectTimeout,
		ReadyTimeout:   cfg.Connect.ReadyTimeout,
		OnDisconnect: func(err error) {
			logger.WithField("error", err).Warn("Connection lost")
		},
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return gatt.NewClient(transport, logger), transport, nil
}

// parseHandle accepts decimal ("14") and hex ("0x000e") attribute handles.
func parseHandle(s string) (uint16, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid attribute handle %q", s)
	}
	return uint16(v), nil
}
