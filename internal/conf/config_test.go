package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// viper is process global, tests in this file do not run in parallel.

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	resetViper(t)

	settings, err := Load(writeConfig(t, DefaultConfigYAML()))
	require.NoError(t, err)

	assert.Equal(t, "gadgetbridge", settings.Main.Name)
	assert.Equal(t, -1, settings.Bridge.Card)
	assert.Equal(t, 0, settings.Bridge.Device)
	assert.Equal(t, 4800, settings.Bridge.BufferSize)
	assert.Equal(t, 0, settings.Bridge.PeriodSize)
	assert.Equal(t, 0, settings.Bridge.Engine)
	assert.Equal(t, 48000, settings.Bridge.SampleRate)
	assert.Equal(t, 1, settings.Bridge.Directions)
	assert.Equal(t, 6, settings.Bridge.MicSource)
	assert.False(t, settings.Bridge.AutoRestart)
	assert.False(t, settings.Bridge.StartMuted.Output)
	assert.False(t, settings.Bridge.StartMuted.Input)

	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
	require.NotNil(t, settings.Logging.FileOutput)
	assert.Equal(t, "logs/gadgetbridge.log", settings.Logging.FileOutput.Path)

	assert.False(t, settings.MQTT.Enabled)
	assert.Equal(t, "gadgetbridge", settings.MQTT.Topic)
	assert.Equal(t, "homeassistant", settings.MQTT.Discovery.Prefix)
	assert.Equal(t, "/proc/asound/cards", settings.Gadget.Cards)
	assert.False(t, settings.Notify.Enabled)
	assert.Equal(t, 10*time.Second, settings.Notify.Timeout)
	assert.Same(t, settings, GetSettings())
}

func TestLoadEmptyFileMatchesEmbeddedDefaults(t *testing.T) {
	resetViper(t)
	embedded, err := Load(writeConfig(t, DefaultConfigYAML()))
	require.NoError(t, err)

	viper.Reset()
	empty, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	embedded.Logging.ModuleLevels = nil
	empty.Logging.ModuleLevels = nil
	embedded.Notify.URLs = nil
	empty.Notify.URLs = nil
	assert.Equal(t, embedded, empty)
}

func TestLoadOverrides(t *testing.T) {
	resetViper(t)

	path := writeConfig(t, `
bridge:
  card: 2
  engine: 1
  directions: 3
  samplerate: 96000
  startmuted:
    input: true
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
`)
	t.Setenv("GADGETBRIDGE_ENGINE", "2")
	t.Setenv("GADGETBRIDGE_BRIDGE_BUFFERSIZE", "9600")

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, settings.Bridge.Card)
	assert.Equal(t, 2, settings.Bridge.Engine, "short env form wins over the file")
	assert.Equal(t, 9600, settings.Bridge.BufferSize, "prefixed env form")
	assert.Equal(t, 3, settings.Bridge.Directions)
	assert.Equal(t, 96000, settings.Bridge.SampleRate)
	assert.True(t, settings.Bridge.StartMuted.Input)
	assert.True(t, settings.MQTT.Enabled)
	assert.Equal(t, "tcp://broker.local:1883", settings.MQTT.Broker)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	resetViper(t)

	_, err := Load(writeConfig(t, "bridge:\n  engine: 7\n  samplerate: 12345\n"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestLoadMissingFile(t *testing.T) {
	resetViper(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestCreateDefaultConfig(t *testing.T) {
	resetViper(t)
	setDefaultConfig()

	dir := filepath.Join(t.TempDir(), "gadgetbridge")
	require.NoError(t, createDefaultConfig(dir))

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigYAML(), string(data))
	assert.Equal(t, 4800, viper.GetInt("bridge.buffersize"))
	assert.Equal(t, filepath.Join(dir, "config.yaml"), viper.ConfigFileUsed())
}

func TestBindEnvWarnings(t *testing.T) {
	resetViper(t)
	t.Setenv("GADGETBRIDGE_CARD", "first")
	t.Setenv("GADGETBRIDGE_AUTORESTART", "maybe")

	warnings := bindEnv()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "GADGETBRIDGE_CARD")
	assert.Contains(t, warnings[1], "GADGETBRIDGE_AUTORESTART")
}
