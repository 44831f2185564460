// Package conf loads and validates gadgetbridge settings.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings contains all configuration options.
type Settings struct {
	Debug bool `yaml:"debug" mapstructure:"debug"`

	Main struct {
		Name string `yaml:"name" mapstructure:"name"` // node name, used for MQTT client and discovery ids
	} `yaml:"main" mapstructure:"main"`

	Bridge    BridgeSettings       `yaml:"bridge" mapstructure:"bridge"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Telemetry TelemetrySettings    `yaml:"telemetry" mapstructure:"telemetry"`
	Sentry    SentrySettings       `yaml:"sentry" mapstructure:"sentry"`
	MQTT      MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
	Notify    NotifySettings       `yaml:"notify" mapstructure:"notify"`
	Gadget    GadgetSettings       `yaml:"gadget" mapstructure:"gadget"`

	Version string `yaml:"-" mapstructure:"-"` // Version from build
}

// BridgeSettings contains the session parameters of the bridge.
type BridgeSettings struct {
	Card        int  `yaml:"card" mapstructure:"card"`             // ALSA card index, -1 auto-detects the UAC2 gadget
	Device      int  `yaml:"device" mapstructure:"device"`         // ALSA device index
	BufferSize  int  `yaml:"buffersize" mapstructure:"buffersize"` // ring depth in frames
	PeriodSize  int  `yaml:"periodsize" mapstructure:"periodsize"` // capture period hint in frames, 0 for auto
	Engine      int  `yaml:"engine" mapstructure:"engine"`         // 0 low-latency, 1 buffer-queue, 2 managed
	SampleRate  int  `yaml:"samplerate" mapstructure:"samplerate"` // gadget sample rate in Hz
	Directions  int  `yaml:"directions" mapstructure:"directions"` // 1 speaker, 2 mic, 3 both
	MicSource   int  `yaml:"micsource" mapstructure:"micsource"`   // input preset hint
	AutoRestart bool `yaml:"autorestart" mapstructure:"autorestart"`

	StartMuted struct {
		Output bool `yaml:"output" mapstructure:"output"`
		Input  bool `yaml:"input" mapstructure:"input"`
	} `yaml:"startmuted" mapstructure:"startmuted"`
}

// TelemetrySettings controls the Prometheus endpoint.
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"` // host:port of the /metrics endpoint
	Debug   bool   `yaml:"debug" mapstructure:"debug"`   // expose pprof routes next to /metrics
}

// SentrySettings controls error reporting.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// MQTTSettings controls the MQTT notification sink.
type MQTTSettings struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker    string `yaml:"broker" mapstructure:"broker"`
	Topic     string `yaml:"topic" mapstructure:"topic"`
	Username  string `yaml:"username" mapstructure:"username"`
	Password  string `yaml:"password" mapstructure:"password"`
	QueueSize int    `yaml:"queuesize" mapstructure:"queuesize"` // notifications buffered for the publisher

	Discovery struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"` // publish Home Assistant discovery
		Prefix  string `yaml:"prefix" mapstructure:"prefix"`
	} `yaml:"discovery" mapstructure:"discovery"`
}

// NotifySettings controls push notifications of fatal session events.
type NotifySettings struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	URLs    []string      `yaml:"urls" mapstructure:"urls"` // shoutrrr service URLs
	Title   string        `yaml:"title" mapstructure:"title"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// GadgetSettings locates the gadget in procfs, devfs and configfs.
type GadgetSettings struct {
	ConfigFS string `yaml:"configfs" mapstructure:"configfs"`
	Cards    string `yaml:"cards" mapstructure:"cards"`
	DevDir   string `yaml:"devdir" mapstructure:"devdir"`
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads defaults, the configuration file, environment variables and
// bound flags into a validated Settings. An empty configFile searches the
// default paths and creates a default file when none exists.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategoryValidation).
			Context("config_file", viper.ConfigFileUsed()).
			Build()
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper(configFile string) error {
	viper.SetConfigType("yaml")
	setDefaultConfig()
	for _, warning := range bindEnv() {
		GetLogger().Warn("environment override ignored", logger.String("reason", warning))
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(err).
				Component("configuration").
				Category(errors.CategoryFileIO).
				Context("operation", "read_config").
				Context("path", configFile).
				Build()
		}
		return nil
	}

	viper.SetConfigName("config")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return errors.New(err).
			Component("configuration").
			Category(errors.CategoryFileIO).
			Context("operation", "read_config").
			Build()
	}
	return nil
}

// createDefaultConfig writes the embedded default config into dir and reads it.
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(err).
			Component("configuration").
			Category(errors.CategoryFileIO).
			Context("operation", "create_config_dir").
			Context("path", dir).
			Build()
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigYAML()), 0o644); err != nil {
		return errors.New(err).
			Component("configuration").
			Category(errors.CategoryFileIO).
			Context("operation", "write_default_config").
			Context("path", configPath).
			Build()
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// DefaultConfigYAML returns the embedded default configuration.
func DefaultConfigYAML() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// The file is embedded at build time.
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
