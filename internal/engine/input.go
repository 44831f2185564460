package engine

import (
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/gadgetbridge/internal/logger"
)

// inputBufferMs is how much captured audio the input engine holds before
// dropping the oldest callback.
const inputBufferMs = 200

// MalgoInput captures from the default input device.
type MalgoInput struct {
	stream  malgoStream
	preset  int
	rb      *ringbuffer.RingBuffer
	frame   int
	notify  chan struct{}
	dropped atomic.Uint64
}

// NewMalgoInput creates an unopened input engine.
func NewMalgoInput(log logger.Logger) *MalgoInput {
	return &MalgoInput{
		stream: malgoStream{log: log},
		preset: PresetVoiceCommunication,
		notify: make(chan struct{}, 1),
	}
}

// SetInputPreset maps the preset onto a share mode hint. Unprocessed
// capture asks for exclusive access, everything else shares the device.
func (in *MalgoInput) SetInputPreset(preset int) {
	in.preset = preset
}

func (in *MalgoInput) shareMode() malgo.ShareMode {
	if in.preset == PresetUnprocessed {
		return malgo.Exclusive
	}
	return malgo.Shared
}

func (in *MalgoInput) Open(rate, channels int) error {
	in.frame = bytesPerFrame(channels)
	size := rate * inputBufferMs / 1000 * in.frame
	in.rb = ringbuffer.New(size - size%in.frame)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.Capture.ShareMode = in.shareMode()
	cfg.SampleRate = uint32(rate)
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.Alsa.NoMMap = 1

	return in.stream.init("open_input", cfg, malgo.DeviceCallbacks{
		Data: in.onData,
	})
}

func (in *MalgoInput) onData(_, samples []byte, _ uint32) {
	if in.rb.Free() < len(samples) {
		in.dropped.Add(1)
	} else {
		_, _ = in.rb.Write(samples)
	}
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *MalgoInput) Start() error {
	return in.stream.start()
}

func (in *MalgoInput) Read(p []byte) int {
	if in.rb == nil {
		return 0
	}

	if in.rb.Length() < len(p) {
		deadline := time.NewTimer(WriteTimeout)
		defer deadline.Stop()
	wait:
		for in.rb.Length() < len(p) {
			select {
			case <-in.notify:
			case <-deadline.C:
				break wait
			}
		}
	}

	n := min(in.rb.Length(), len(p))
	n -= n % in.frame
	if n == 0 {
		return 0
	}
	read, err := in.rb.Read(p[:n])
	if err != nil {
		return 0
	}
	return read
}

// Dropped returns the number of capture callbacks lost to a full buffer.
func (in *MalgoInput) Dropped() uint64 {
	return in.dropped.Load()
}

func (in *MalgoInput) Stop() error {
	return in.stream.stop()
}

func (in *MalgoInput) Close() error {
	return in.stream.close()
}
