package cmd

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/gadgetbridge/cmd/bridge"
	"github.com/tphakala/gadgetbridge/cmd/config"
	"github.com/tphakala/gadgetbridge/cmd/devices"
	"github.com/tphakala/gadgetbridge/cmd/gadget"
	"github.com/tphakala/gadgetbridge/cmd/simulate"
	"github.com/tphakala/gadgetbridge/internal/conf"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// sentryFlushTimeout bounds the delivery of queued events on exit.
const sentryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command. settings is filled
// before any subcommand runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var configFile string
	var central *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:           "gadgetbridge",
		Short:         "USB audio gadget bridge",
		Long:          "Bridge the audio of a UAC2 USB gadget to the device's own speaker and microphone.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		bridge.Command(settings),
		simulate.Command(settings),
		devices.Command(settings),
		gadget.Command(settings),
		config.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		version := settings.Version
		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded
		settings.Version = version

		central, err = initialize(settings)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if settings.Sentry.Enabled {
			sentry.Flush(sentryFlushTimeout)
		}
		if central != nil {
			return central.Close()
		}
		return nil
	}

	return rootCmd
}

// initialize installs the central logger and, when enabled, Sentry error
// reporting.
func initialize(settings *conf.Settings) (*logger.CentralLogger, error) {
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if settings.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         settings.Sentry.DSN,
			Environment: settings.Sentry.Environment,
			Release:     "gadgetbridge@" + settings.Version,
		}); err != nil {
			return central, errors.New(err).
				Component("telemetry").
				Category(errors.CategoryConfiguration).
				Context("operation", "sentry_init").
				Build()
		}
		errors.SetTelemetryReporter(errors.NewSentryReporter(true, nil))
		central.Module("telemetry").Info("sentry error reporting enabled",
			logger.String("environment", settings.Sentry.Environment))
	}

	return central, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
