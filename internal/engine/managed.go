package engine

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// Track is a host-owned playback object. Write receives a view of the
// caller's buffer that is only valid for the duration of the call; the track
// must copy what it keeps.
type Track interface {
	Init(rate, channels int) error
	Play() error
	Write(p []byte) (int, error)
	Stop() error
	Release() error
}

// ManagedOutput delegates to a Track through synchronous calls.
type ManagedOutput struct {
	track Track
	open  bool
}

// NewManagedOutput wraps a track.
func NewManagedOutput(track Track) *ManagedOutput {
	return &ManagedOutput{track: track}
}

func (o *ManagedOutput) Open(rate, channels int) error {
	if err := o.track.Init(rate, channels); err != nil {
		// Init failures may leave host state behind.
		_ = o.track.Release()
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioEngine).
			Context("operation", "init_track").
			Context("sample_rate", rate).
			Build()
	}
	o.open = true
	return nil
}

func (o *ManagedOutput) Start() error {
	if !o.open {
		return ErrNotOpen
	}
	return o.track.Play()
}

func (o *ManagedOutput) Write(p []byte) int {
	if !o.open || len(p) == 0 {
		return 0
	}
	n, err := o.track.Write(p)
	if err != nil {
		return 0
	}
	return n
}

func (o *ManagedOutput) Stop() error {
	if !o.open {
		return nil
	}
	return o.track.Stop()
}

func (o *ManagedOutput) Close() error {
	if !o.open {
		return nil
	}
	o.open = false
	return o.track.Release()
}

// BurstFrames is the typical feed size. The host owns the real granularity.
func (o *ManagedOutput) BurstFrames() int {
	return ManagedBurstFrames
}

// managedBufferMs is the depth of the malgo track's handoff ring.
const managedBufferMs = 100

// malgoTrack is a Track on a conservative malgo stream, standing in for a
// platform media track.
type malgoTrack struct {
	stream malgoStream
	ring   *pacedRing
}

func newMalgoTrack(log logger.Logger) *malgoTrack {
	return &malgoTrack{stream: malgoStream{log: log}}
}

func (t *malgoTrack) Init(rate, channels int) error {
	frame := bytesPerFrame(channels)
	t.ring = newPacedRing(rate*managedBufferMs/1000*frame, frame)
	cfg := playbackConfig(rate, channels, malgo.Conservative)
	return t.stream.init("init_track", cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { t.ring.fill(out) },
	})
}

func (t *malgoTrack) Play() error { return t.stream.start() }

func (t *malgoTrack) Write(p []byte) (int, error) {
	if t.ring == nil {
		return 0, ErrNotOpen
	}
	return t.ring.put(p, WriteTimeout), nil
}

func (t *malgoTrack) Stop() error {
	err := t.stream.stop()
	if t.ring != nil {
		t.ring.reset()
	}
	return err
}

func (t *malgoTrack) Release() error { return t.stream.close() }

// WAVTrack records rendered audio to a WAV file at real-time pace, so a
// session without playback hardware behaves like one with it.
type WAVTrack struct {
	Path string

	mu      sync.Mutex
	file    *os.File
	encoder *wav.Encoder
	buf     *audio.IntBuffer
	rate    int
	frame   int
	next    time.Time
	playing bool
}

// NewWAVTrack returns a track writing to path.
func NewWAVTrack(path string) *WAVTrack {
	return &WAVTrack{Path: path}
}

func (t *WAVTrack) Init(rate, channels int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.Create(t.Path)
	if err != nil {
		return err
	}
	t.file = file
	t.encoder = wav.NewEncoder(file, rate, 16, channels, 1)
	t.buf = &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: 16,
	}
	t.rate = rate
	t.frame = bytesPerFrame(channels)
	return nil
}

func (t *WAVTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.encoder == nil {
		return ErrNotOpen
	}
	t.playing = true
	t.next = time.Now()
	return nil
}

func (t *WAVTrack) Write(p []byte) (int, error) {
	t.mu.Lock()
	if !t.playing {
		t.mu.Unlock()
		return 0, ErrNotOpen
	}

	t.buf.Data = t.buf.Data[:0]
	for i := 0; i+1 < len(p); i += 2 {
		t.buf.Data = append(t.buf.Data, int(int16(binary.LittleEndian.Uint16(p[i:]))))
	}
	err := t.encoder.Write(t.buf)

	frames := len(p) / t.frame
	t.next = t.next.Add(time.Duration(frames) * time.Second / time.Duration(t.rate))
	wait := min(time.Until(t.next), WriteTimeout)
	t.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	return len(p), nil
}

func (t *WAVTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = false
	return nil
}

func (t *WAVTrack) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.encoder == nil {
		return nil
	}
	err := t.encoder.Close()
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	t.encoder = nil
	t.file = nil
	return err
}
