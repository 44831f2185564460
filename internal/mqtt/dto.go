package mqtt

import "time"

// Topic suffixes under Config.Topic.
const (
	topicState      = "state"
	topicStats      = "stats"
	topicError      = "error"
	topicDisconnect = "disconnect"
	topicLog        = "log"
	topicStatus     = "status"
)

// StateDTO is published retained to <topic>/state.
//
// Field names are read by Home Assistant value templates, see discovery.go.
type StateDTO struct {
	State     string    `json:"state"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsDTO is published retained to <topic>/stats with the negotiated
// stream configuration.
type StatsDTO struct {
	SampleRate   int       `json:"sampleRate"`
	PeriodFrames int       `json:"periodFrames"`
	BufferFrames int       `json:"bufferFrames"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorDTO is published to <topic>/error when a session ends on failure.
type ErrorDTO struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// EventDTO carries payload-less events and diagnostic lines on
// <topic>/disconnect and <topic>/log.
type EventDTO struct {
	Event     string    `json:"event"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
