// Package engine abstracts the native audio stack the bridge renders into
// and mirrors from. Three output variants share one contract and are picked
// once per session:
//
//   - LowLatency: a shared-mode low-latency stream that reports the
//     platform burst and raises an asynchronous disconnect flag.
//   - BufferQueue: a two-slot buffer queue fed by a completion callback
//     running on the audio system's thread.
//   - Managed: a host-owned track object driven through synchronous calls.
//
// Input is the capture-side counterpart used by the microphone mirror.
package engine

import (
	"fmt"
	"time"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// Variant selects an output engine implementation.
type Variant int

const (
	LowLatency Variant = iota
	BufferQueue
	Managed
)

func (v Variant) String() string {
	switch v {
	case LowLatency:
		return "low-latency"
	case BufferQueue:
		return "buffer-queue"
	case Managed:
		return "managed"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Valid reports whether v names a known variant.
func (v Variant) Valid() bool {
	return v >= LowLatency && v <= Managed
}

// Burst sizes reported by the variants that cannot measure one.
const (
	BufferQueueBurstFrames = 192
	ManagedBurstFrames     = 480
)

// WriteTimeout bounds every blocking engine call.
const WriteTimeout = 100 * time.Millisecond

// Output is a native playback engine.
//
// Open failing means nothing was retained and Start must not be called.
// Write is fire and forget: it never blocks longer than WriteTimeout and
// returns the number of bytes accepted, which may be short if the engine
// stalled.
type Output interface {
	Open(rate, channels int) error
	Start() error
	Write(p []byte) int
	Stop() error
	Close() error
	// BurstFrames is the preferred write size. Zero or less means unknown.
	BurstFrames() int
}

// Disconnecter is implemented by outputs that can lose their device
// asynchronously. The render loop polls it.
type Disconnecter interface {
	Disconnected() bool
}

// Input is a native capture engine.
type Input interface {
	Open(rate, channels int) error
	Start() error
	// Read fills p with whole frames and returns the bytes read. It waits at
	// most WriteTimeout and returns 0 on timeout or failure.
	Read(p []byte) int
	Stop() error
	Close() error
	// SetInputPreset selects the capture preset. Call before Open.
	SetInputPreset(preset int)
}

// Factory builds engines for a session.
type Factory interface {
	NewOutput(v Variant) (Output, error)
	NewInput() (Input, error)
}

// Input presets understood by SetInputPreset.
const (
	PresetVoiceCommunication = 6
	PresetUnprocessed        = 9
)

// ErrNotOpen is returned when an engine is started or used before Open.
var ErrNotOpen = errors.New(nil).
	Component("engine").
	Category(errors.CategoryState).
	Context("error", "engine is not open").
	Build()

func unknownVariant(v Variant) error {
	return errors.Newf("unknown engine variant %d", int(v)).
		Component("engine").
		Category(errors.CategoryValidation).
		Context("variant", int(v)).
		Build()
}

// bytesPerFrame for S16 at the given channel count.
func bytesPerFrame(channels int) int {
	return channels * 2
}
