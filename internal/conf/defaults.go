// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"

	"github.com/tphakala/gadgetbridge/internal/logger"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "gadgetbridge")

	viper.SetDefault("bridge.card", -1)
	viper.SetDefault("bridge.device", 0)
	viper.SetDefault("bridge.buffersize", 4800)
	viper.SetDefault("bridge.periodsize", 0)
	viper.SetDefault("bridge.engine", 0)
	viper.SetDefault("bridge.samplerate", 48000)
	viper.SetDefault("bridge.directions", 1)
	viper.SetDefault("bridge.micsource", 6)
	viper.SetDefault("bridge.autorestart", false)
	viper.SetDefault("bridge.startmuted.output", false)
	viper.SetDefault("bridge.startmuted.input", false)

	viper.SetDefault("logging.default_level", logger.DefaultLogLevel)
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	viper.SetDefault("logging.console.level", logger.DefaultLogLevel)
	viper.SetDefault("logging.file_output.enabled", logger.DefaultFileEnabled)
	viper.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	viper.SetDefault("logging.file_output.level", logger.DefaultLogLevel)
	viper.SetDefault("logging.file_output.max_size", logger.DefaultMaxSize)
	viper.SetDefault("logging.file_output.max_age", logger.DefaultMaxAge)
	viper.SetDefault("logging.file_output.max_rotated_files", logger.DefaultMaxRotatedFiles)
	viper.SetDefault("logging.file_output.compress", logger.DefaultCompressLogs)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8090")
	viper.SetDefault("telemetry.debug", false)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.environment", "production")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "gadgetbridge")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.queuesize", 64)
	viper.SetDefault("mqtt.discovery.enabled", false)
	viper.SetDefault("mqtt.discovery.prefix", "homeassistant")

	viper.SetDefault("notify.enabled", false)
	viper.SetDefault("notify.urls", []string{})
	viper.SetDefault("notify.title", "USB audio bridge")
	viper.SetDefault("notify.timeout", "10s")

	viper.SetDefault("gadget.configfs", "/config/usb_gadget/g1")
	viper.SetDefault("gadget.cards", "/proc/asound/cards")
	viper.SetDefault("gadget.devdir", "/dev/snd")
}
