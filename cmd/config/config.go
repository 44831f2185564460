// Package config implements the config command, which prints the effective
// or the default configuration.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/gadgetbridge/internal/conf"
	"github.com/tphakala/gadgetbridge/internal/privacy"
)

const redacted = "[redacted]"

// Command creates the config command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after merging defaults, the config file, environment variables and flags. Secrets are redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSettings(cmd.OutOrStdout(), settings)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), conf.DefaultConfigYAML())
			return err
		},
	})

	return cmd
}

func printSettings(out io.Writer, settings *conf.Settings) error {
	data, err := yaml.Marshal(redact(settings))
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// redact returns a copy of settings with credentials masked.
func redact(settings *conf.Settings) *conf.Settings {
	c := *settings
	c.MQTT.Broker = privacy.SanitizeURL(c.MQTT.Broker)
	if c.MQTT.Password != "" {
		c.MQTT.Password = redacted
	}
	if c.Sentry.DSN != "" {
		c.Sentry.DSN = redacted
	}
	// Service URLs embed tokens outside the userinfo password.
	if len(c.Notify.URLs) > 0 {
		urls := make([]string, len(c.Notify.URLs))
		for i, raw := range c.Notify.URLs {
			urls[i] = redactServiceURL(raw)
		}
		c.Notify.URLs = urls
	}
	return &c
}

// redactServiceURL keeps only the scheme, which names the service.
func redactServiceURL(raw string) string {
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return redacted
	}
	return scheme + "://" + redacted
}
