package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/gadgetbridge/internal/bridge"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/privacy"
)

// DefaultQueueSize bounds the notifications waiting for the publisher.
const DefaultQueueSize = 64

type message struct {
	topic   string
	payload any
	retain  bool
}

// Sink is a bridge.Sink that publishes notifications from Run's goroutine.
// Notification methods never block; when the queue is full the
// notification is dropped and counted.
type Sink struct {
	client  Client
	topic   string
	timeout time.Duration
	metrics Metrics
	log     logger.Logger
	queue   chan message
	dropped atomic.Uint64
	now     func() time.Time

	publishFailure rate.Sometimes
}

var _ bridge.Sink = (*Sink)(nil)

// NewSink creates a sink publishing under cfg.Topic. queueSize <= 0 uses
// DefaultQueueSize and a nil metrics discards observations.
func NewSink(client Client, cfg Config, metrics Metrics, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Topic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &Sink{
		client:         client,
		topic:          cfg.Topic,
		timeout:        cfg.PublishTimeout,
		metrics:        metrics,
		log:            GetLogger(),
		queue:          make(chan message, queueSize),
		now:            time.Now,
		publishFailure: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Dropped returns the number of notifications lost to a full queue.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) StateChanged(state bridge.StreamState) {
	s.enqueue(topicState, StateDTO{
		State:     state.String(),
		Code:      int(state),
		Timestamp: s.now(),
	}, true)
}

func (s *Sink) Stats(sampleRate, periodFrames, bufferFrames int) {
	s.enqueue(topicStats, StatsDTO{
		SampleRate:   sampleRate,
		PeriodFrames: periodFrames,
		BufferFrames: bufferFrames,
		Timestamp:    s.now(),
	}, true)
}

func (s *Sink) Error(msg string) {
	s.enqueue(topicError, ErrorDTO{Message: privacy.ScrubMessage(msg), Timestamp: s.now()}, false)
}

func (s *Sink) OutputDisconnected() {
	s.enqueue(topicDisconnect, EventDTO{Event: "output_disconnected", Timestamp: s.now()}, false)
}

// ThreadStarted is not forwarded, a broker cannot change thread priority.
func (s *Sink) ThreadStarted(int) {}

func (s *Sink) Log(msg string) {
	s.enqueue(topicLog, EventDTO{Event: "log", Message: privacy.ScrubMessage(msg), Timestamp: s.now()}, false)
}

func (s *Sink) enqueue(suffix string, payload any, retain bool) {
	select {
	case s.queue <- message{topic: s.topic + "/" + suffix, payload: payload, retain: retain}:
	default:
		s.dropped.Add(1)
		s.metrics.IncrementDropped()
	}
}

// Run publishes queued notifications until ctx is done, then publishes
// what is still queued within one publish timeout and disconnects the
// client. Connection failures are retried on the next notification.
func (s *Sink) Run(ctx context.Context) error {
	defer s.client.Disconnect()

	if err := s.client.Connect(ctx); err != nil {
		s.log.Warn("initial MQTT connection failed", logger.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case msg := <-s.queue:
			s.publish(ctx, msg)
		}
	}
}

// flush publishes the queued notifications, typically the final Stopped
// state of a session that was shut down with the process.
func (s *Sink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	for {
		select {
		case msg := <-s.queue:
			if ctx.Err() != nil {
				s.dropped.Add(1)
				s.metrics.IncrementDropped()
				continue
			}
			s.publish(ctx, msg)
		default:
			return
		}
	}
}

func (s *Sink) publish(ctx context.Context, msg message) {
	data, err := json.Marshal(msg.payload)
	if err != nil {
		s.log.Error("failed to marshal notification",
			logger.String("topic", msg.topic),
			logger.Error(err))
		return
	}

	if !s.client.IsConnected() {
		if err := s.client.Connect(ctx); err != nil {
			s.publishFailure.Do(func() {
				s.log.Debug("MQTT broker unavailable, notification discarded",
					logger.String("topic", msg.topic),
					logger.Error(err))
			})
			return
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(pubCtx, msg.topic, data, msg.retain); err != nil {
		s.publishFailure.Do(func() {
			s.log.Warn("failed to publish notification",
				logger.String("topic", msg.topic),
				logger.Error(err))
		})
	}
}
