package engine

import (
	"runtime"
	"strings"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// MalgoFactory builds engines on miniaudio through malgo.
type MalgoFactory struct {
	Log logger.Logger
	// NewTrack supplies the host object for the Managed variant. Nil uses a
	// malgo-backed track.
	NewTrack func() Track
}

// NewMalgoFactory returns a factory logging to log.
func NewMalgoFactory(log logger.Logger) *MalgoFactory {
	if log == nil {
		log = logger.Global().Module("engine")
	}
	return &MalgoFactory{Log: log}
}

func (f *MalgoFactory) NewOutput(v Variant) (Output, error) {
	switch v {
	case LowLatency:
		return NewLowLatencyOutput(f.Log), nil
	case BufferQueue:
		return NewBufferQueueOutput(newMalgoQueuePlayer(f.Log)), nil
	case Managed:
		if f.NewTrack != nil {
			return NewManagedOutput(f.NewTrack()), nil
		}
		return NewManagedOutput(newMalgoTrack(f.Log)), nil
	default:
		return nil, unknownVariant(v)
	}
}

func (f *MalgoFactory) NewInput() (Input, error) {
	return NewMalgoInput(f.Log), nil
}

// getBackend returns the appropriate backend for the current platform
func getBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

// malgoStream owns a context and device pair.
type malgoStream struct {
	log    logger.Logger
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func (s *malgoStream) init(op string, cfg malgo.DeviceConfig, callbacks malgo.DeviceCallbacks) error {
	ctx, err := malgo.InitContext([]malgo.Backend{getBackend()}, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, func(message string) {
		s.log.Debug("malgo", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioEngine).
			Context("operation", "init_context").
			Context("backend", runtime.GOOS).
			Build()
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioEngine).
			Context("operation", op).
			Context("sample_rate", cfg.SampleRate).
			Build()
	}

	s.ctx = ctx
	s.device = device
	return nil
}

func (s *malgoStream) start() error {
	if s.device == nil {
		return ErrNotOpen
	}
	if err := s.device.Start(); err != nil {
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioEngine).
			Context("operation", "start_device").
			Build()
	}
	return nil
}

func (s *malgoStream) stop() error {
	if s.device == nil {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioEngine).
			Context("operation", "stop_device").
			Build()
	}
	return nil
}

func (s *malgoStream) close() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return err
}

func playbackConfig(rate, channels int, profile malgo.PerformanceProfile) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(channels)
	cfg.Playback.ShareMode = malgo.Shared
	cfg.SampleRate = uint32(rate)
	cfg.PerformanceProfile = profile
	cfg.Alsa.NoMMap = 1
	return cfg
}

// pacedRing is a callback-fed byte ring with a bounded blocking writer.
type pacedRing struct {
	rb     *ringbuffer.RingBuffer
	frame  int
	notify chan struct{}
}

func newPacedRing(size, frame int) *pacedRing {
	size -= size % frame
	return &pacedRing{
		rb:     ringbuffer.New(size),
		frame:  frame,
		notify: make(chan struct{}, 1),
	}
}

func (r *pacedRing) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// fill drains whole frames into out and pads with silence. Callback side.
func (r *pacedRing) fill(out []byte) int {
	n := min(r.rb.Length(), len(out))
	n -= n % r.frame
	if n > 0 {
		n, _ = r.rb.Read(out[:n])
	}
	clear(out[n:])
	r.signal()
	return n
}

// put writes p, waiting up to timeout for space. Whole frames that fit at
// the deadline are still written.
func (r *pacedRing) put(p []byte, timeout time.Duration) int {
	if r.rb.Free() < len(p) {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
	wait:
		for r.rb.Free() < len(p) {
			select {
			case <-r.notify:
			case <-deadline.C:
				break wait
			}
		}
	}

	n := min(r.rb.Free(), len(p))
	n -= n % r.frame
	if n == 0 {
		return 0
	}
	written, _ := r.rb.Write(p[:n])
	return written
}

func (r *pacedRing) reset() {
	r.rb.Reset()
	r.signal()
}
