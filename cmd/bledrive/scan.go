package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bledrive/internal/gatt/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peripherals",
	Long: `Scan for Bluetooth Low Energy peripherals and print their addresses, names,
and signal strength. Use it to find your vehicle's address before driving.`,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanDuplicates bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	scanCmd.Flags().BoolVar(&scanDuplicates, "duplicates", false, "Report repeat advertisements from the same peer")
}

func runScan(cmd *cobra.Command, args []string) error {
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

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tCONNECTABLE")

	var mu sync.Mutex
	seen := make(map[string]struct{})
	err = goble.Scan(ctx, scanDuration, scanDuplicates, logger, func(r goble.ScanResult) {
		mu.Lock()
		defer mu.Unlock()
		if !scanDuplicates {
			if _, ok := seen[r.Addr]; ok {
				return
			}
			seen[r.Addr] = struct{}{}
		}
		name := r.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", r.Addr, name, r.RSSI, r.Connectable)
	})
	if flushErr := w.Flush(); err == nil {
		err = flushErr
	}
	return err
}
