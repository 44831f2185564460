// Package pcm defines the hardware PCM endpoint contract used by the bridge
// loops, plus the endpoints that satisfy it: the UAC2 gadget card through
// malgo/ALSA, WAV files for offline runs, and an in-memory endpoint.
//
// Endpoints return errors instead of panicking. ErrNoData is the "no data
// yet" condition (EAGAIN on ALSA) and is distinct from a real failure.
package pcm

import (
	"time"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// Direction selects which side of the gadget the endpoint talks to.
type Direction int

const (
	// Capture reads what the USB host plays into the gadget.
	Capture Direction = iota
	// Playback writes audio that the USB host records from the gadget.
	Playback
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// Fixed stream format. Audio is treated as opaque S16_LE interleaved bytes.
const (
	Channels       = 2
	BytesPerSample = 2
	BytesPerFrame  = Channels * BytesPerSample
	DefaultRate    = 48000
	PeriodCount    = 4
)

// Config is the requested hardware configuration.
type Config struct {
	Channels    int
	Rate        int
	PeriodSize  int // frames per transfer
	PeriodCount int
}

// DefaultConfig returns the gadget defaults for the given rate and period.
func DefaultConfig(rate, periodSize int) Config {
	if rate <= 0 {
		rate = DefaultRate
	}
	return Config{
		Channels:    Channels,
		Rate:        rate,
		PeriodSize:  periodSize,
		PeriodCount: PeriodCount,
	}
}

// PeriodBytes returns the byte size of one period.
func (c Config) PeriodBytes() int {
	return c.PeriodSize * c.Channels * BytesPerSample
}

// PeriodDuration returns the wall time covered by one period.
func (c Config) PeriodDuration() time.Duration {
	if c.Rate <= 0 {
		return 0
	}
	return time.Duration(c.PeriodSize) * time.Second / time.Duration(c.Rate)
}

// Endpoint is an opened hardware PCM stream.
type Endpoint interface {
	// IsReady reports whether the stream was configured and can transfer.
	IsReady() bool
	// Wait blocks until a transfer can proceed or timeout elapses.
	// It returns false on timeout.
	Wait(timeout time.Duration) (bool, error)
	// Read fills p completely or returns an error.
	Read(p []byte) error
	// Write transfers all of p or returns an error.
	Write(p []byte) error
	// Prepare recovers the stream after an xrun or failed transfer.
	Prepare() error
	Close() error
	FramesToBytes(frames int) int
}

// Opener opens hardware endpoints.
type Opener interface {
	Open(card, device int, dir Direction, cfg Config) (Endpoint, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(card, device int, dir Direction, cfg Config) (Endpoint, error)

// Open calls f.
func (f OpenerFunc) Open(card, device int, dir Direction, cfg Config) (Endpoint, error) {
	return f(card, device, dir, cfg)
}

// Sentinel errors
var (
	ErrNoData = errors.New(nil).
			Component("pcm").
			Category(errors.CategoryAudioSource).
			Context("error", "no data available yet").
			Build()

	ErrNotReady = errors.New(nil).
			Component("pcm").
			Category(errors.CategoryState).
			Context("error", "endpoint is not ready").
			Build()

	ErrXrun = errors.New(nil).
		Component("pcm").
		Category(errors.CategoryBuffer).
		Context("error", "broken pipe: overrun or underrun").
		Build()

	ErrDisconnected = errors.New(nil).
			Component("pcm").
			Category(errors.CategoryDisconnect).
			Context("error", "endpoint disconnected").
			Build()

	ErrClosed = errors.New(nil).
			Component("pcm").
			Category(errors.CategoryState).
			Context("error", "endpoint closed").
			Build()
)

// framesToBytes converts frames to bytes for the fixed sample width.
func framesToBytes(frames, channels int) int {
	return frames * channels * BytesPerSample
}
