package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/bledrive/internal/gatt"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <handle> <hex-value>",
	Short: "Write an attribute value by handle",
	Long: `Writes a value to an attribute.

Examples:
  # Write with response
  bledrive write F4:02:07:C6:C7:B4 0x000e 55aa03097a01f0fe

  # Write without response (no acknowledgement)
  bledrive write F4:02:07:C6:C7:B4 0x000e 55aa03097a01f0fe --without-response

  # Reliable long write at offset 0
  bledrive write F4:02:07:C6:C7:B4 0x000e <hex> --long --reliable

  # Stage the value in a prepare-write session, then execute
  bledrive write F4:02:07:C6:C7:B4 0x000e <hex> --staged --chunk-size 18`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeWithoutResponse bool
	writeLong            bool
	writeReliable        bool
	writeOffset          uint16
	writeStaged          bool
	writeChunkSize       int
)

func init() {
	writeCmd.Flags().BoolVar(&writeWithoutResponse, "without-response", false, "Write without waiting for acknowledgement")
	writeCmd.Flags().BoolVar(&writeLong, "long", false, "Use a long write for values longer than one MTU")
	writeCmd.Flags().BoolVar(&writeReliable, "reliable", false, "Verify the value after a long write (implies --long)")
	writeCmd.Flags().Uint16Var(&writeOffset, "offset", 0, "Write offset (implies --long)")
	writeCmd.Flags().BoolVar(&writeStaged, "staged", false, "Stage the value via a prepare-write session and execute it")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk-size", 18, "Chunk size for staged writes")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]

	handle, err := parseHandle(args[1])
	if err != nil {
		return err
	}
	value, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("invalid hex value: %w", err)
	}
	if writeWithoutResponse && (writeLong || writeReliable || writeOffset > 0 || writeStaged) {
		return fmt.Errorf("--without-response cannot be combined with long or staged writes")
	}
	if writeChunkSize < 1 {
		return fmt.Errorf("--chunk-size must be at least 1")
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

	switch {
	case writeStaged:
		err = stagedWrite(ctx, client, handle, value)
	case writeLong || writeReliable || writeOffset > 0:
		err = client.WriteLongValue(ctx, writeReliable, handle, writeOffset, value)
	default:
		err = client.WriteValue(ctx, handle, value, writeWithoutResponse, false)
	}
	if err != nil {
		return err
	}

	printOK("Wrote %d bytes to 0x%04x", len(value), handle)
	return nil
}

// stagedWrite pushes the value through a prepare-write session in
// chunk-size pieces and commits it with a single execute.
func stagedWrite(ctx context.Context, client *gatt.Client, handle uint16, value []byte) error {
	var session uint32
	for offset := 0; offset < len(value); offset += writeChunkSize {
		end := offset + writeChunkSize
		if end > len(value) {
			end = len(value)
		}
		id, err := client.PrepareWrite(session, handle, uint16(offset), value[offset:end])
		if err != nil {
			return err
		}
		session = id
	}
	return client.ExecuteWrite(ctx, session, true)
}
