package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	can "github.com/samsamfire/cantrigger/pkg/can"
	"github.com/samsamfire/cantrigger/pkg/config"
	"github.com/samsamfire/cantrigger/pkg/settings"
	"github.com/samsamfire/cantrigger/pkg/trigger"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	flagCanID    = "can-id"
	flagData     = "data"
	flagExtended = "extended"
	flagTrigger  = "trigger"
	flagDriver   = "driver"
	flagConfig   = "config"
	flagLogLevel = "log-level"
)

var (
	yellow = color.New(color.FgHiYellow).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cantrigger [flags] <interface>",
		Short:        "Answer a CAN trigger frame with a burst of response frames",
		Long:         "Waits for a frame with the trigger id and sends the response frame 100 times every time it is seen.",
		Version:      version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, args)
			if err != nil {
				return err
			}
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)
			return run(cfg, cmd.OutOrStdout(), stop)
		},
	}

	f := cmd.Flags()
	f.StringP(flagCanID, "i", config.DefaultCanID, "CAN ID of the message to be sent (hex)")
	f.StringP(flagData, "d", config.DefaultData, "data of the message to be sent (hex, up to 8 bytes)")
	f.BoolP(flagExtended, "e", false, "use extended CAN IDs for can-id and trigger")
	f.StringP(flagTrigger, "t", config.DefaultTrigger, "CAN ID that triggers the configured message (hex)")
	f.String(flagDriver, config.DefaultDriver, "CAN driver, one of "+strings.Join(can.Interfaces(), ", "))
	f.StringP(flagConfig, "c", "", "optional .ini or .toml config file")

	pf := cmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	return cmd
}

func setupLogging(cmd *cobra.Command) error {
	level, _ := cmd.Flags().GetString(flagLogLevel)
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(logLevel)
	return nil
}

// Defaults < config file < flags set on the command line < positional interface
func resolveConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	f := cmd.Flags()
	cfg := config.Default()
	if path, _ := f.GetString(flagConfig); path != "" {
		overrides, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		overrides.Apply(&cfg)
	}
	if f.Changed(flagCanID) {
		cfg.CanID, _ = f.GetString(flagCanID)
	}
	if f.Changed(flagData) {
		cfg.Data, _ = f.GetString(flagData)
	}
	if f.Changed(flagTrigger) {
		cfg.Trigger, _ = f.GetString(flagTrigger)
	}
	if f.Changed(flagExtended) {
		cfg.Extended, _ = f.GetBool(flagExtended)
	}
	if f.Changed(flagDriver) {
		cfg.Driver, _ = f.GetString(flagDriver)
	}
	if len(args) == 1 {
		cfg.Interface = args[0]
	}
	if cfg.Interface == "" {
		return config.Config{}, fmt.Errorf("no CAN interface given")
	}
	return cfg, nil
}

// Validate, open the bus and answer triggers until stop receives a signal
func run(cfg config.Config, out io.Writer, stop <-chan os.Signal) error {
	fmt.Fprintf(out, "%s %+v\n", yellow("Cli parameters:"), cfg)
	descriptor, err := settings.Build(cfg.Options)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %v\n", green("Settings:"), descriptor)

	bus, err := can.Open(cfg.Driver, descriptor.Interface)
	if err != nil {
		return err
	}
	defer bus.Disconnect()
	if filtered, ok := bus.(identifierFilter); ok {
		if err := filtered.SetIdentifierFilter(descriptor.TriggerID, descriptor.Extended); err != nil {
			log.Warnf("[MAIN] could not filter on trigger : %v", err)
		}
	}

	responder := trigger.NewResponder(bus, descriptor)
	go func() {
		s, ok := <-stop
		if ok {
			log.Infof("[MAIN] got %v, exiting", s)
		}
		responder.Stop()
	}()
	return responder.Run()
}

// Drivers able to drop everything but the trigger in the kernel
type identifierFilter interface {
	SetIdentifierFilter(id uint32, extended bool) error
}
