package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <handle>",
	Short: "Subscribe to notifications from a characteristic",
	Long: `Subscribes to value notifications and prints each one as it arrives.

Runs until interrupted, or until --duration elapses.

Example:
  bledrive subscribe F4:02:07:C6:C7:B4 0x000b --duration 30s`,
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

var subscribeDuration time.Duration

func init() {
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this duration (0 runs until interrupted)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]

	handle, err := parseHandle(args[1])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if subscribeDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
		defer cancel()
	}

	client, _, err := connect(ctx, address, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.RegisterNotify(ctx, handle, func(h uint16, value []byte) {
		fmt.Printf("%s 0x%04x %s\n", time.Now().Format(time.RFC3339), h, hex.EncodeToString(value))
	})
	if err != nil {
		return err
	}

	printOK("Subscribed to 0x%04x, waiting for notifications (Ctrl-C to stop)", handle)
	<-ctx.Done()

	if err := client.UnregisterNotify(id); err != nil {
		printWarn("Failed to unregister notification handler: %v", err)
	}
	printOK("Unsubscribed")
	return nil
}
