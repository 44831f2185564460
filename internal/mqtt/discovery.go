// discovery.go: Home Assistant MQTT auto-discovery for the bridge entities.
// See: https://www.home-assistant.io/integrations/mqtt/#mqtt-discovery
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// Entity object ids below the node.
const (
	SensorState        = "stream_state"
	SensorSampleRate   = "sample_rate"
	SensorPeriodFrames = "period_frames"
	BinarySensorStatus = "status"
)

// deviceIDPrefix is the prefix of every device identifier.
const deviceIDPrefix = "gadgetbridge"

// AllSensorTypes lists the sensor object ids, used on removal.
var AllSensorTypes = []string{
	SensorState,
	SensorSampleRate,
	SensorPeriodFrames,
}

// idSanitizer replaces invalid characters in IDs with underscores.
// Home Assistant requires IDs to contain only [a-zA-Z0-9_-].
var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeID ensures the ID contains only valid characters for MQTT topics and HA entity IDs.
func SanitizeID(id string) string {
	sanitized := idSanitizer.ReplaceAllString(id, "_")
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "unknown"
	}
	return sanitized
}

// DiscoveryPayload represents a Home Assistant MQTT discovery message.
type DiscoveryPayload struct {
	Name                string           `json:"name"`
	UniqueID            string           `json:"unique_id"`
	StateTopic          string           `json:"state_topic"`
	ValueTemplate       string           `json:"value_template,omitempty"`
	UnitOfMeasurement   string           `json:"unit_of_measurement,omitempty"`
	DeviceClass         string           `json:"device_class,omitempty"`
	StateClass          string           `json:"state_class,omitempty"`
	Icon                string           `json:"icon,omitempty"`
	EntityCategory      string           `json:"entity_category,omitempty"`
	PayloadOn           string           `json:"payload_on,omitempty"`
	PayloadOff          string           `json:"payload_off,omitempty"`
	AvailabilityTopic   string           `json:"availability_topic,omitempty"`
	PayloadAvailable    string           `json:"payload_available,omitempty"`
	PayloadNotAvailable string           `json:"payload_not_available,omitempty"`
	Device              DiscoveryDevice  `json:"device"`
	Origin              *DiscoveryOrigin `json:"origin,omitempty"`
}

// DiscoveryDevice represents the device information in a discovery payload.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DiscoveryOrigin provides information about the software creating the discovery message.
type DiscoveryOrigin struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version,omitempty"`
	SupportURL string `json:"support_url,omitempty"`
}

// DiscoveryConfig holds configuration for generating discovery payloads.
type DiscoveryConfig struct {
	DiscoveryPrefix string // Home Assistant discovery topic prefix (default: homeassistant)
	BaseTopic       string // Base topic the sink publishes under
	DeviceName      string // Device name shown in Home Assistant
	NodeID          string // Node identifier, sanitized before use
	Version         string // Software version
}

// Publisher handles publishing Home Assistant discovery messages.
type Publisher struct {
	client Client
	config DiscoveryConfig
}

// NewDiscoveryPublisher creates a new discovery publisher.
func NewDiscoveryPublisher(client Client, config *DiscoveryConfig) *Publisher {
	cfg := *config
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "USB Audio Bridge"
	}
	return &Publisher{client: client, config: cfg}
}

// Payloads returns the discovery topic and payload of every entity.
func (p *Publisher) Payloads() map[string]*DiscoveryPayload {
	nodeID := SanitizeID(p.config.NodeID)
	deviceID := fmt.Sprintf("%s_%s", deviceIDPrefix, nodeID)
	availability := p.config.BaseTopic + "/" + topicStatus
	stateTopic := p.config.BaseTopic + "/" + topicState
	statsTopic := p.config.BaseTopic + "/" + topicStats

	device := DiscoveryDevice{
		Identifiers:  []string{deviceID},
		Name:         p.config.DeviceName,
		Manufacturer: "gadgetbridge",
		Model:        "UAC2 Gadget Bridge",
		SWVersion:    p.config.Version,
	}
	origin := p.defaultOrigin()

	return map[string]*DiscoveryPayload{
		p.binarySensorTopic(nodeID): {
			Name:           "Status",
			UniqueID:       deviceID + "_" + BinarySensorStatus,
			StateTopic:     availability,
			DeviceClass:    "connectivity",
			EntityCategory: "diagnostic",
			PayloadOn:      payloadOnline,
			PayloadOff:     payloadOffline,
			Device:         device,
			Origin:         origin,
		},
		p.sensorTopic(nodeID, SensorState): {
			Name:              "Stream State",
			UniqueID:          deviceID + "_" + SensorState,
			StateTopic:        stateTopic,
			ValueTemplate:     "{{ value_json.state }}",
			Icon:              "mdi:usb-port",
			AvailabilityTopic: availability,
			Device:            device,
			Origin:            origin,
		},
		p.sensorTopic(nodeID, SensorSampleRate): {
			Name:              "Sample Rate",
			UniqueID:          deviceID + "_" + SensorSampleRate,
			StateTopic:        statsTopic,
			ValueTemplate:     "{{ value_json.sampleRate }}",
			UnitOfMeasurement: "Hz",
			DeviceClass:       "frequency",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
			AvailabilityTopic: availability,
			Device:            device,
			Origin:            origin,
		},
		p.sensorTopic(nodeID, SensorPeriodFrames): {
			Name:              "Period Frames",
			UniqueID:          deviceID + "_" + SensorPeriodFrames,
			StateTopic:        statsTopic,
			ValueTemplate:     "{{ value_json.periodFrames }}",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
			Icon:              "mdi:timer-outline",
			AvailabilityTopic: availability,
			Device:            device,
			Origin:            origin,
		},
	}
}

// PublishDiscovery publishes retained discovery configs for every entity.
// Every entity is attempted, the first error is returned.
func (p *Publisher) PublishDiscovery(ctx context.Context) error {
	log := GetLogger()
	log.Info("Publishing Home Assistant discovery messages",
		logger.String("discovery_prefix", p.config.DiscoveryPrefix))

	var firstErr error
	for topic, payload := range p.Payloads() {
		if err := p.publishPayload(ctx, topic, payload); err != nil {
			log.Error("Failed to publish discovery",
				logger.String("topic", topic),
				logger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RemoveDiscovery publishes empty retained payloads to remove all entities.
func (p *Publisher) RemoveDiscovery(ctx context.Context) error {
	log := GetLogger()
	log.Info("Removing Home Assistant discovery messages")

	nodeID := SanitizeID(p.config.NodeID)
	topics := []string{p.binarySensorTopic(nodeID)}
	for _, sensor := range AllSensorTypes {
		topics = append(topics, p.sensorTopic(nodeID, sensor))
	}

	for _, topic := range topics {
		if err := p.client.Publish(ctx, topic, nil, true); err != nil {
			log.Warn("Failed to remove discovery",
				logger.String("topic", topic),
				logger.Error(err))
		}
	}
	return nil
}

// publishPayload marshals and publishes a discovery payload.
func (p *Publisher) publishPayload(ctx context.Context, topic string, payload *DiscoveryPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryGeneric).
			Context("operation", "marshal_discovery").
			Build()
	}

	GetLogger().Debug("Publishing discovery message",
		logger.String("topic", topic),
		logger.Int("payload_size", len(data)))

	// Discovery messages must be retained
	return p.client.Publish(ctx, topic, data, true)
}

func (p *Publisher) binarySensorTopic(nodeID string) string {
	return fmt.Sprintf("%s/binary_sensor/%s/%s/config", p.config.DiscoveryPrefix, nodeID, BinarySensorStatus)
}

func (p *Publisher) sensorTopic(nodeID, sensor string) string {
	return fmt.Sprintf("%s/sensor/%s/%s_%s/config", p.config.DiscoveryPrefix, nodeID, nodeID, sensor)
}

func (p *Publisher) defaultOrigin() *DiscoveryOrigin {
	return &DiscoveryOrigin{
		Name:       "gadgetbridge",
		SWVersion:  p.config.Version,
		SupportURL: "https://github.com/tphakala/gadgetbridge",
	}
}
