package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/goble"
	"github.com/srg/bledrive/internal/joystick"
	"github.com/srg/bledrive/internal/minipro"
	"github.com/srg/bledrive/internal/teleop"
	"github.com/srg/bledrive/pkg/config"
)

// driveCmd represents the drive command
var driveCmd = &cobra.Command{
	Use:   "drive <device-address>",
	Short: "Drive a BLE vehicle with a joystick",
	Long: `Connects to the vehicle, switches it into remote control mode, and relays
joystick input as periodic drive commands until interrupted.

Examples:
  # Drive the vehicle at F4:02:07:C6:C7:B4 with the default joystick
  bledrive drive F4:02:07:C6:C7:B4

  # Use a different joystick device and a softer deadzone
  bledrive drive F4:02:07:C6:C7:B4 --joystick /dev/input/js1 --deadzone 4000

Ctrl+C stops gracefully: the next loop iteration sends a neutral (0,0)
command and the vehicle is returned to normal mode before exit.`,
	Args: cobra.ExactArgs(1),
	RunE: runDrive,
}

var (
	driveJoystick string
	driveDeadzone int
	driveDamping  int
	driveRate     int
	driveSecurity int
	driveMTU      int
	driveAddrType string
)

func init() {
	driveCmd.Flags().StringVar(&driveJoystick, "joystick", "", "Joystick device path (default /dev/input/js0)")
	driveCmd.Flags().IntVar(&driveDeadzone, "deadzone", 0, "Stick deadzone threshold (default 8000)")
	driveCmd.Flags().IntVar(&driveDamping, "damping", 0, "Steering damping divisor (default 10)")
	driveCmd.Flags().IntVar(&driveRate, "rate", 0, "Drive command rate in Hz (default 30)")
	driveCmd.Flags().IntVar(&driveSecurity, "security", 0, "Link security level 1-3 (default 1)")
	driveCmd.Flags().IntVar(&driveMTU, "mtu", 0, "Requested MTU (0 keeps the stack default)")
	driveCmd.Flags().StringVar(&driveAddrType, "addr-type", "", "Peer address type: public or random (default public)")
}

func runDrive(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyDriveFlags(cfg)

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	// Interrupt sets the shutdown flag; the loop notices on its next
	// iteration rather than aborting mid-command.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status := NewStatusLine()
	status.Update("Connecting to %s...", address)

	transport, err := goble.Dial(ctx, goble.Options{
		Address:        address,
		AddrType:       cfg.Connect.AddrType,
		Security:       cfg.Connect.Security,
		MTU:            cfg.Connect.MTU,
		ConnectTimeout: cfg.Connect.ConnectTimeout,
		ReadyTimeout:   cfg.Connect.ReadyTimeout,
		OnDisconnect: func(err error) {
			logger.WithField("error", err).Warn("Connection lost, shutting down")
			stop()
		},
	}, logger)
	status.Done()
	if err != nil {
		return err
	}

	client := gatt.NewClient(transport, logger)
	defer func() {
		if err := client.Close(); err != nil {
			logger.WithField("error", err).Warn("Error during teardown")
		}
	}()

	vehicle := minipro.New(client, minipro.DefaultHandles, logger)
	if err := vehicle.EnableNotifications(ctx); err != nil {
		return err
	}
	if err := vehicle.EnterRemoteControlMode(ctx); err != nil {
		return err
	}
	printOK("Connected to %s, remote control mode on", address)

	joy, err := joystick.Open(joystickDevice(cfg.Joystick.Device), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := joy.Close(); err != nil {
			logger.WithField("error", err).Warn("Error closing joystick")
		}
	}()

	loop := teleop.NewLoop(joy, vehicle, teleop.Config{
		Rate:            cfg.Drive.RateHz,
		DeadzoneX:       cfg.Drive.DeadzoneX,
		DeadzoneY:       cfg.Drive.DeadzoneY,
		SteeringDamping: cfg.Drive.SteeringDamping,
	}, logger)

	runErr := loop.Run(ctx)

	// The signal context is already done here; give teardown its own bound.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := vehicle.ExitRemoteControlMode(shutdownCtx); err != nil {
		printWarn("Failed to exit remote control mode: %v", err)
	}
	if err := vehicle.DisableNotifications(); err != nil {
		printWarn("Failed to disable notifications: %v", err)
	}
	printOK("Stopped")
	return runErr
}

func applyDriveFlags(cfg *config.Config) {
	if driveJoystick != "" {
		cfg.Joystick.Device = driveJoystick
	}
	if driveDeadzone > 0 {
		cfg.Drive.DeadzoneX = driveDeadzone
		cfg.Drive.DeadzoneY = driveDeadzone
	}
	if driveDamping > 0 {
		cfg.Drive.SteeringDamping = driveDamping
	}
	if driveRate > 0 {
		cfg.Drive.RateHz = driveRate
	}
	if driveSecurity > 0 {
		cfg.Connect.Security = driveSecurity
	}
	if driveMTU > 0 {
		cfg.Connect.MTU = driveMTU
	}
	if driveAddrType != "" {
		cfg.Connect.AddrType = driveAddrType
	}
}

func joystickDevice(configured string) string {
	if configured != "" {
		return configured
	}
	return joystick.DefaultDevice
}
