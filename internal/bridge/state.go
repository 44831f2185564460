// Package bridge moves audio between a USB gadget PCM endpoint and a native
// audio engine.
//
// A session runs up to three goroutines. In the speaker direction a capture
// loop reads host audio from the gadget into a lock-free ring and a render
// loop drains the ring into the selected output engine. In the mic direction
// a mirror loop copies the input engine straight to the gadget's playback
// endpoint. The Orchestrator starts and stops sessions, one at a time.
//
// All cancellation is cooperative. Stop clears the session's run flag and
// every loop re-checks it at its own bounded wait granularity.
package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

// StreamState is the connection state announced to the host. The numeric
// values are part of the notification contract.
type StreamState int

const (
	Stopped StreamState = iota
	Connecting
	Waiting
	Streaming
	Idling
)

func (s StreamState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Waiting:
		return "waiting"
	case Streaming:
		return "streaming"
	case Idling:
		return "idling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Directions is the bitmask of enabled pipelines.
type Directions int

const (
	// DirectionSpeaker bridges host playback to the output engine.
	DirectionSpeaker Directions = 1 << iota
	// DirectionMic bridges the input engine to host capture.
	DirectionMic
)

// Speaker reports whether the speaker pipeline is enabled.
func (d Directions) Speaker() bool { return d&DirectionSpeaker != 0 }

// Mic reports whether the mic pipeline is enabled.
func (d Directions) Mic() bool { return d&DirectionMic != 0 }

func (d Directions) String() string {
	var parts []string
	if d.Speaker() {
		parts = append(parts, "speaker")
	}
	if d.Mic() {
		parts = append(parts, "mic")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Params are the session inputs. They are copied at start and never
// mutated by the loops.
type Params struct {
	Card         int
	Device       int
	BufferFrames int // requested ring depth
	PeriodFrames int // period hint, 0 tries the standard sizes
	Engine       engine.Variant
	SampleRate   int // 0 selects pcm.DefaultRate
	Directions   Directions
	InputPreset  int
}

// MinBufferFrames is the smallest ring depth a session will use.
const MinBufferFrames = 480

// rate returns the effective sample rate.
func (p Params) rate() int {
	if p.SampleRate <= 0 {
		return pcm.DefaultRate
	}
	return p.SampleRate
}

// bufferFrames returns the effective ring depth.
func (p Params) bufferFrames() int {
	return max(MinBufferFrames, p.BufferFrames)
}

// periodCandidates lists the period sizes tried when opening the capture
// endpoint, in order.
func (p Params) periodCandidates() []int {
	if p.PeriodFrames > 0 {
		return []int{p.PeriodFrames}
	}
	return []int{1024, 480, 240}
}

// Loop thresholds that are not tunable.
const (
	// ReadErrorLimit is the number of consecutive read failures tolerated
	// before the capture endpoint is considered gone.
	ReadErrorLimit = 50
	// FallbackBurstFrames is used when the engine reports no burst size.
	FallbackBurstFrames = 192
	// MirrorPeriodFrames is the gadget playback period of the mirror loop.
	MirrorPeriodFrames = 1024

	readErrorLogEvery = 20
	overrunLogEvery   = 50
)

// Timings holds the waits and intervals of the loops. Tests shrink them.
type Timings struct {
	OpenRetries       int
	OpenRetryInterval time.Duration
	ReadyTimeout      time.Duration
	NoDataSleep       time.Duration
	Preroll           time.Duration
	PrerollPoll       time.Duration
	IdleThreshold     time.Duration
	IdleSleep         time.Duration
	StatsEvery        int // streaming iterations between stats reports
	MirrorIdleSleep   time.Duration
	TeardownWait      time.Duration
	RestartDelay      time.Duration
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		OpenRetries:       20,
		OpenRetryInterval: time.Second,
		ReadyTimeout:      100 * time.Millisecond,
		NoDataSleep:       5 * time.Millisecond,
		Preroll:           50 * time.Millisecond,
		PrerollPoll:       5 * time.Millisecond,
		IdleThreshold:     time.Second,
		IdleSleep:         time.Millisecond,
		StatsEvery:        500,
		MirrorIdleSleep:   5 * time.Millisecond,
		TeardownWait:      3 * time.Second,
		RestartDelay:      300 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultTimings.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.OpenRetries <= 0 {
		t.OpenRetries = d.OpenRetries
	}
	if t.OpenRetryInterval <= 0 {
		t.OpenRetryInterval = d.OpenRetryInterval
	}
	if t.ReadyTimeout <= 0 {
		t.ReadyTimeout = d.ReadyTimeout
	}
	if t.NoDataSleep <= 0 {
		t.NoDataSleep = d.NoDataSleep
	}
	if t.Preroll <= 0 {
		t.Preroll = d.Preroll
	}
	if t.PrerollPoll <= 0 {
		t.PrerollPoll = d.PrerollPoll
	}
	if t.IdleThreshold <= 0 {
		t.IdleThreshold = d.IdleThreshold
	}
	if t.IdleSleep <= 0 {
		t.IdleSleep = d.IdleSleep
	}
	if t.StatsEvery <= 0 {
		t.StatsEvery = d.StatsEvery
	}
	if t.MirrorIdleSleep <= 0 {
		t.MirrorIdleSleep = d.MirrorIdleSleep
	}
	if t.TeardownWait <= 0 {
		t.TeardownWait = d.TeardownWait
	}
	if t.RestartDelay <= 0 {
		t.RestartDelay = d.RestartDelay
	}
	return t
}
