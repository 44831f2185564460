// env.go - environment variable configuration for gadgetbridge
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix prefixes every environment override, e.g. GADGETBRIDGE_BRIDGE_ENGINE.
const envPrefix = "GADGETBRIDGE"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the short-form environment variables. Every other
// key is reachable through the prefixed automatic form.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"bridge.card", "GADGETBRIDGE_CARD", validateEnvInt},
		{"bridge.engine", "GADGETBRIDGE_ENGINE", validateEnvInt},
		{"bridge.samplerate", "GADGETBRIDGE_RATE", validateEnvInt},
		{"bridge.autorestart", "GADGETBRIDGE_AUTORESTART", validateEnvBool},
		{"mqtt.broker", "GADGETBRIDGE_MQTT_BROKER", nil},
		{"mqtt.password", "GADGETBRIDGE_MQTT_PASSWORD", nil},
		{"sentry.dsn", "GADGETBRIDGE_SENTRY_DSN", nil},
	}
}

// bindEnv sets up environment variable support for viper. Returned issues
// are warnings, an invalid value is caught again by ValidateSettings.
func bindEnv() []string {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var warnings []string
	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar, envPrefix+"_"+envKey(binding.ConfigKey)); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, value, err))
			}
		}
	}
	return warnings
}

func envKey(configKey string) string {
	return strings.ToUpper(strings.ReplaceAll(configKey, ".", "_"))
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvInt(value string) error {
	if _, err := strconv.Atoi(value); err != nil {
		return fmt.Errorf("must be an integer")
	}
	return nil
}
