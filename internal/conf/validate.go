// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/tphakala/gadgetbridge/internal/privacy"
)

// SupportedSampleRates lists the rates a UAC2 gadget can be configured with.
var SupportedSampleRates = []int{22050, 32000, 44100, 48000, 88200, 96000, 192000}

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateBridgeSettings(&settings.Bridge)...)
	ve.Errors = append(ve.Errors, validateMQTTSettings(&settings.MQTT)...)
	ve.Errors = append(ve.Errors, validateTelemetrySettings(&settings.Telemetry)...)
	ve.Errors = append(ve.Errors, validateSentrySettings(&settings.Sentry)...)
	ve.Errors = append(ve.Errors, validateNotifySettings(&settings.Notify)...)

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateBridgeSettings validates the session parameters
func validateBridgeSettings(settings *BridgeSettings) []string {
	var errs []string

	if settings.Engine < 0 || settings.Engine > 2 {
		errs = append(errs, fmt.Sprintf("bridge.engine must be 0, 1 or 2, got %d", settings.Engine))
	}
	if settings.Directions < 1 || settings.Directions > 3 {
		errs = append(errs, fmt.Sprintf("bridge.directions must be 1 (speaker), 2 (mic) or 3 (both), got %d", settings.Directions))
	}
	if !slices.Contains(SupportedSampleRates, settings.SampleRate) {
		errs = append(errs, fmt.Sprintf("bridge.samplerate %d is not a supported gadget rate %v", settings.SampleRate, SupportedSampleRates))
	}
	if settings.BufferSize <= 0 {
		errs = append(errs, fmt.Sprintf("bridge.buffersize must be positive, got %d", settings.BufferSize))
	}
	if settings.PeriodSize < 0 {
		errs = append(errs, fmt.Sprintf("bridge.periodsize must not be negative, got %d", settings.PeriodSize))
	}
	if settings.Device < 0 {
		errs = append(errs, fmt.Sprintf("bridge.device must not be negative, got %d", settings.Device))
	}

	return errs
}

// validateMQTTSettings validates the MQTT sink settings
func validateMQTTSettings(settings *MQTTSettings) []string {
	if !settings.Enabled {
		return nil
	}

	var errs []string
	if settings.Broker == "" {
		errs = append(errs, "mqtt.broker is required when MQTT is enabled")
	} else if u, err := url.Parse(settings.Broker); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker %q must be a URL like tcp://host:1883", settings.Broker))
	}
	if settings.Topic == "" {
		errs = append(errs, "mqtt.topic must not be empty")
	}
	if settings.QueueSize < 0 {
		errs = append(errs, fmt.Sprintf("mqtt.queuesize must not be negative, got %d", settings.QueueSize))
	}
	return errs
}

// validateTelemetrySettings validates the metrics endpoint settings
func validateTelemetrySettings(settings *TelemetrySettings) []string {
	if !settings.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(settings.Listen); err != nil {
		return []string{fmt.Sprintf("telemetry.listen %q must be host:port", settings.Listen)}
	}
	return nil
}

// validateSentrySettings validates the error reporting settings
func validateSentrySettings(settings *SentrySettings) []string {
	if settings.Enabled && settings.DSN == "" {
		return []string{"sentry.dsn is required when Sentry is enabled"}
	}
	return nil
}

// validateNotifySettings validates the push notification settings
func validateNotifySettings(settings *NotifySettings) []string {
	if !settings.Enabled {
		return nil
	}

	var errs []string
	if len(settings.URLs) == 0 {
		errs = append(errs, "notify.urls needs at least one service URL when notifications are enabled")
	}
	for _, raw := range settings.URLs {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" {
			errs = append(errs, fmt.Sprintf("notify.urls entry %q is not a service URL", privacy.SanitizeURL(raw)))
		}
	}
	if settings.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("notify.timeout must not be negative, got %s", settings.Timeout))
	}
	return errs
}
