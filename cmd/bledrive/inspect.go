package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Dump a peripheral's attribute tree",
	Long: `Connects to the peripheral, waits for service discovery, and prints every
service, characteristic, and descriptor with its handle and properties.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

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
	client, transport, err := connect(ctx, address, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	svcColor := color.New(color.FgCyan, color.Bold)
	charColor := color.New(color.FgWhite)
	descColor := color.New(color.FgHiBlack)

	prof := transport.Profile()
	for _, svc := range prof.Services {
		svcColor.Printf("service %s  handles 0x%04x..0x%04x\n", svc.UUID, svc.Handle, svc.EndHandle)
		for _, char := range svc.Characteristics {
			charColor.Printf("  char %s  value 0x%04x  props %s\n",
				char.UUID, char.ValueHandle, propString(char.Property))
			for _, d := range char.Descriptors {
				descColor.Printf("    desc %s  handle 0x%04x\n", d.UUID, d.Handle)
			}
		}
		fmt.Println()
	}
	fmt.Printf("%d services, %d characteristics, MTU %d\n",
		len(prof.Services), len(transport.Characteristics()), transport.MTU())
	return nil
}

func propString(p ble.Property) string {
	var out []string
	for _, f := range []struct {
		bit  ble.Property
		name string
	}{
		{ble.CharBroadcast, "broadcast"},
		{ble.CharRead, "read"},
		{ble.CharWriteNR, "write-nr"},
		{ble.CharWrite, "write"},
		{ble.CharNotify, "notify"},
		{ble.CharIndicate, "indicate"},
		{ble.CharSignedWrite, "signed-write"},
		{ble.CharExtended, "extended"},
	} {
		if p&f.bit != 0 {
			out = append(out, f.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, "|")
}
