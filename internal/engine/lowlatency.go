package engine

import (
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/gadgetbridge/internal/logger"
)

// lowLatencyBufferMs sizes the handoff ring between the render loop and the
// device callback.
const lowLatencyBufferMs = 40

// lowLatencyPeriodMs is the device period requested at open.
const lowLatencyPeriodMs = 10

func lowLatencyPeriodFrames(rate int) int {
	return rate * lowLatencyPeriodMs / 1000
}

// LowLatencyOutput is a shared-mode low-latency playback stream. The burst
// is the frame count the device callback actually asks for.
type LowLatencyOutput struct {
	stream       malgoStream
	ring         *pacedRing
	burst        atomic.Int32
	disconnected atomic.Bool
	stopping     atomic.Bool
}

// NewLowLatencyOutput creates an unopened low-latency engine.
func NewLowLatencyOutput(log logger.Logger) *LowLatencyOutput {
	return &LowLatencyOutput{stream: malgoStream{log: log}}
}

func (o *LowLatencyOutput) Open(rate, channels int) error {
	frame := bytesPerFrame(channels)
	o.ring = newPacedRing(rate*lowLatencyBufferMs/1000*frame, frame)

	cfg := playbackConfig(rate, channels, malgo.LowLatency)
	cfg.PeriodSizeInFrames = uint32(lowLatencyPeriodFrames(rate))
	if err := o.stream.init("open_low_latency", cfg, malgo.DeviceCallbacks{
		Data: o.onData,
		Stop: o.onStop,
	}); err != nil {
		return err
	}
	// The requested period stands in until a callback reports the real one.
	o.burst.CompareAndSwap(0, int32(cfg.PeriodSizeInFrames))
	return nil
}

func (o *LowLatencyOutput) onData(out, _ []byte, frames uint32) {
	o.burst.Store(int32(frames))
	o.ring.fill(out)
}

// onStop fires on the audio thread. Anything other than our own Stop means
// the device went away.
func (o *LowLatencyOutput) onStop() {
	if !o.stopping.Load() {
		o.disconnected.Store(true)
	}
	if o.ring != nil {
		o.ring.signal()
	}
}

func (o *LowLatencyOutput) Start() error {
	o.stopping.Store(false)
	return o.stream.start()
}

func (o *LowLatencyOutput) Write(p []byte) int {
	if o.ring == nil || o.disconnected.Load() {
		return 0
	}
	return o.ring.put(p, WriteTimeout)
}

func (o *LowLatencyOutput) Stop() error {
	o.stopping.Store(true)
	return o.stream.stop()
}

func (o *LowLatencyOutput) Close() error {
	o.stopping.Store(true)
	return o.stream.close()
}

// BurstFrames returns the observed callback size. After Open and before the
// first callback it is the requested period, 0 before Open.
func (o *LowLatencyOutput) BurstFrames() int {
	return int(o.burst.Load())
}

// Disconnected reports whether the device stopped without being asked to.
func (o *LowLatencyOutput) Disconnected() bool {
	return o.disconnected.Load()
}
