package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <handle>[,<handle>...]",
	Short: "Read attribute values by handle",
	Long: `Reads one or more attribute values.

Examples:
  # Read the attribute at handle 0x000e
  bledrive read F4:02:07:C6:C7:B4 0x000e

  # Long read starting at offset 16
  bledrive read F4:02:07:C6:C7:B4 0x000e --long --offset 16

  # Read multiple handles in one go (comma-separated)
  bledrive read F4:02:07:C6:C7:B4 0x000e,0x0012,0x0015`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readLong   bool
	readOffset uint16
)

func init() {
	readCmd.Flags().BoolVar(&readLong, "long", false, "Use blob reads for values longer than one MTU")
	readCmd.Flags().Uint16Var(&readOffset, "offset", 0, "Read offset (implies --long)")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	var handles []uint16
	for _, part := range strings.Split(args[1], ",") {
		h, err := parseHandle(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	if len(handles) > 1 && (readLong || readOffset > 0) {
		return fmt.Errorf("--long/--offset apply to a single handle")
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

	ctx := context.Background()
	client, _, err := connect(ctx, address, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var value []byte
	switch {
	case len(handles) > 1:
		value, err = client.ReadMultiple(ctx, handles)
	case readLong || readOffset > 0:
		value, err = client.ReadLongValue(ctx, handles[0], readOffset)
	default:
		value, err = client.ReadValue(ctx, handles[0])
	}
	if err != nil {
		return err
	}

	fmt.Printf("%d bytes: %s\n", len(value), hex.EncodeToString(value))
	return nil
}
