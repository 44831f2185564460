package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	s := &Settings{}
	s.Bridge = BridgeSettings{
		Card:       -1,
		BufferSize: 4800,
		SampleRate: 48000,
		Directions: 1,
		MicSource:  6,
	}
	s.MQTT.Topic = "gadgetbridge"
	s.Telemetry.Listen = "0.0.0.0:8090"
	return s
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"defaults", func(*Settings) {}, ""},
		{"engine too large", func(s *Settings) { s.Bridge.Engine = 3 }, "bridge.engine"},
		{"engine negative", func(s *Settings) { s.Bridge.Engine = -1 }, "bridge.engine"},
		{"managed engine", func(s *Settings) { s.Bridge.Engine = 2 }, ""},
		{"no direction", func(s *Settings) { s.Bridge.Directions = 0 }, "bridge.directions"},
		{"unknown direction bit", func(s *Settings) { s.Bridge.Directions = 4 }, "bridge.directions"},
		{"both directions", func(s *Settings) { s.Bridge.Directions = 3 }, ""},
		{"unsupported rate", func(s *Settings) { s.Bridge.SampleRate = 16000 }, "bridge.samplerate"},
		{"high rate", func(s *Settings) { s.Bridge.SampleRate = 192000 }, ""},
		{"zero buffer", func(s *Settings) { s.Bridge.BufferSize = 0 }, "bridge.buffersize"},
		{"small buffer is raised later", func(s *Settings) { s.Bridge.BufferSize = 100 }, ""},
		{"negative period", func(s *Settings) { s.Bridge.PeriodSize = -240 }, "bridge.periodsize"},
		{"period hint", func(s *Settings) { s.Bridge.PeriodSize = 256 }, ""},
		{"negative device", func(s *Settings) { s.Bridge.Device = -1 }, "bridge.device"},
		{"mqtt without broker", func(s *Settings) {
			s.MQTT.Enabled = true
		}, "mqtt.broker is required"},
		{"mqtt bad broker", func(s *Settings) {
			s.MQTT.Enabled = true
			s.MQTT.Broker = "localhost"
		}, "must be a URL"},
		{"mqtt ok", func(s *Settings) {
			s.MQTT.Enabled = true
			s.MQTT.Broker = "ssl://broker:8883"
		}, ""},
		{"mqtt disabled skips checks", func(s *Settings) { s.MQTT.Topic = "" }, ""},
		{"telemetry bad listen", func(s *Settings) {
			s.Telemetry.Enabled = true
			s.Telemetry.Listen = "8090"
		}, "telemetry.listen"},
		{"sentry without dsn", func(s *Settings) { s.Sentry.Enabled = true }, "sentry.dsn"},
		{"notify without urls", func(s *Settings) { s.Notify.Enabled = true }, "notify.urls"},
		{"notify bad url", func(s *Settings) {
			s.Notify.Enabled = true
			s.Notify.URLs = []string{"hooks.example/x"}
		}, "not a service URL"},
		{"notify ok", func(s *Settings) {
			s.Notify.Enabled = true
			s.Notify.URLs = []string{"ntfy://ntfy.sh/bridge"}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := validSettings()
			tt.mutate(s)

			err := ValidateSettings(s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationErrorAggregates(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Bridge.Engine = 9
	s.Bridge.Directions = 0
	s.Bridge.BufferSize = -1

	err := ValidateSettings(s)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
	assert.Contains(t, ve.Error(), "; ")
}
