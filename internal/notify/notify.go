// Package notify pushes fatal bridge events to chat and push services
// through shoutrrr service URLs.
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/gadgetbridge/internal/bridge"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/privacy"
)

const (
	// DefaultTitle prefixes every notification.
	DefaultTitle = "USB audio bridge"
	// DefaultTimeout bounds one delivery to all services.
	DefaultTimeout = 10 * time.Second
	// DefaultCooldown suppresses repeats of an identical notification.
	DefaultCooldown = time.Minute
	// queueSize bounds undelivered notifications, the rest are dropped.
	queueSize = 16
)

// Sender delivers a message to every configured service.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Config configures a Sink.
type Config struct {
	URLs     []string
	Title    string
	Timeout  time.Duration
	Cooldown time.Duration
}

// NewSender builds a shoutrrr router for cfg.URLs.
func NewSender(cfg Config) (Sender, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("notify").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sender, err := shoutrrr.CreateSender(slices.Clone(cfg.URLs)...)
	if err != nil {
		// Service URLs carry tokens.
		return nil, errors.Newf("invalid notification URL: %s", privacy.ScrubMessage(err.Error())).
			Component("notify").
			Category(errors.CategoryConfiguration).
			Context("operation", "create_sender").
			Build()
	}
	if cfg.Timeout > 0 {
		sender.Timeout = cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return sender, nil
}

type notification struct {
	title   string
	message string
}

// Sink is a bridge.Sink that forwards fatal errors and output disconnects.
// Other notifications are ignored. Delivery happens on Run's goroutine so
// the audio loops never wait on the network.
type Sink struct {
	bridge.NopSink

	sender Sender
	title  string
	queue  chan notification
	log    logger.Logger

	recent  *cache.Cache
	dropped atomic.Uint64
}

// NewSink returns a Sink delivering through sender.
func NewSink(sender Sender, cfg Config) *Sink {
	title := strings.TrimSpace(cfg.Title)
	if title == "" {
		title = DefaultTitle
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Sink{
		sender: sender,
		title:  title,
		queue:  make(chan notification, queueSize),
		log:    logger.Global().Module("notify"),
		recent: cache.New(cooldown, 2*cooldown),
	}
}

// Dropped returns how many notifications were discarded.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) Error(msg string) {
	s.enqueue(s.title+": error", msg)
}

func (s *Sink) OutputDisconnected() {
	s.enqueue(s.title+": output disconnected", "The output device was disconnected, the session stopped.")
}

// enqueue drops a notification identical to one queued within the
// cooldown.
func (s *Sink) enqueue(title, message string) {
	if err := s.recent.Add(title+"\x00"+message, struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}

	select {
	case s.queue <- notification{title: title, message: privacy.ScrubMessage(message)}:
	default:
		s.dropped.Add(1)
	}
}

// Run delivers queued notifications until ctx is done, then flushes what is
// still queued so the error that ended a session is not lost.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case n := <-s.queue:
			s.deliver(n)
		}
	}
}

func (s *Sink) flush() {
	for {
		select {
		case n := <-s.queue:
			s.deliver(n)
		default:
			return
		}
	}
}

func (s *Sink) deliver(n notification) {
	if err := s.send(n); err != nil {
		s.log.Warn("notification delivery failed", logger.Error(err))
	}
}

func (s *Sink) send(n notification) error {
	params := stypes.Params{}
	params.SetTitle(n.title)

	var failed []error
	for _, err := range s.sender.Send(n.message, &params) {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.Newf("%d of the notification services failed: %s",
		len(failed), privacy.ScrubMessage(fmt.Sprint(failed[0]))).
		Component("notify").
		Category(errors.CategoryNetwork).
		Context("operation", "send").
		Build()
}
