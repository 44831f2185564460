package pcm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// WAVOpener replays a WAV file as the capture side and records the playback
// side into another WAV file. Capture is paced at the stream rate so the
// bridge sees the same timing as real hardware.
type WAVOpener struct {
	// Input is replayed on Capture opens.
	Input string
	// Output receives Playback writes. Empty discards them.
	Output string
	// Loop restarts Input at end of file. Without it the endpoint reports
	// no data after the last period, which the bridge sees as idle.
	Loop bool
}

func (o *WAVOpener) Open(card, device int, dir Direction, cfg Config) (Endpoint, error) {
	if cfg.Channels == 0 {
		cfg.Channels = Channels
	}
	if cfg.PeriodSize <= 0 {
		return nil, errors.Newf("invalid period size %d", cfg.PeriodSize).
			Component("pcm").
			Category(errors.CategoryValidation).
			Build()
	}
	if dir == Capture {
		return openWAVSource(o.Input, cfg, o.Loop)
	}
	return openWAVSink(o.Output, cfg)
}

// wavSource decodes 16-bit PCM periods from a file.
type wavSource struct {
	mu      sync.Mutex
	file    *os.File
	decoder *wav.Decoder
	cfg     Config
	loop    bool
	buf     *audio.IntBuffer
	next    time.Time
	eof     bool
	closed  bool
}

func openWAVSource(path string, cfg Config, loop bool) (*wavSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("pcm").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		_ = file.Close()
		return nil, errors.Newf("input is not a valid WAV audio file").
			Component("pcm").
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
	if decoder.BitDepth != 16 || int(decoder.NumChans) != cfg.Channels || int(decoder.SampleRate) != cfg.Rate {
		_ = file.Close()
		return nil, errors.Newf("WAV format %d Hz/%d ch/%d bit does not match stream %d Hz/%d ch/16 bit",
			decoder.SampleRate, decoder.NumChans, decoder.BitDepth, cfg.Rate, cfg.Channels).
			Component("pcm").
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}

	return &wavSource{
		file:    file,
		decoder: decoder,
		cfg:     cfg,
		loop:    loop,
		buf: &audio.IntBuffer{
			Data:   make([]int, cfg.PeriodSize*cfg.Channels),
			Format: &audio.Format{SampleRate: cfg.Rate, NumChannels: cfg.Channels},
		},
		next: time.Now(),
	}, nil
}

func (s *wavSource) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Wait sleeps until the next period is due.
func (s *wavSource) Wait(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	closed, eof, next := s.closed, s.eof, s.next
	s.mu.Unlock()

	if closed {
		return false, ErrClosed
	}

	delay := time.Until(next)
	if eof || delay > timeout {
		time.Sleep(timeout)
		return false, nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return true, nil
}

func (s *wavSource) Read(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.eof {
		return ErrNoData
	}

	samples := len(p) / BytesPerSample
	if cap(s.buf.Data) < samples {
		s.buf.Data = make([]int, samples)
	}
	s.buf.Data = s.buf.Data[:samples]

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil {
		return errors.New(err).
			Component("pcm").
			Category(errors.CategoryFileIO).
			Context("operation", "decode").
			Build()
	}
	if n < samples {
		if !s.loop {
			s.eof = true
			return ErrNoData
		}
		if err := s.rewind(); err != nil {
			return err
		}
		return ErrNoData
	}

	intsToS16(p, s.buf.Data[:n])
	s.next = s.next.Add(s.cfg.PeriodDuration())
	if behind := time.Since(s.next); behind > time.Second {
		s.next = time.Now()
	}
	return nil
}

func (s *wavSource) rewind() error {
	if err := s.decoder.Rewind(); err != nil {
		return errors.New(err).
			Component("pcm").
			Category(errors.CategoryFileIO).
			Context("operation", "rewind").
			Build()
	}
	return nil
}

func (s *wavSource) Write([]byte) error {
	return errors.Newf("wav source is capture only").
		Component("pcm").
		Category(errors.CategoryState).
		Build()
}

func (s *wavSource) Prepare() error { return nil }

func (s *wavSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func (s *wavSource) FramesToBytes(frames int) int {
	return framesToBytes(frames, s.cfg.Channels)
}

// wavSink encodes playback writes into a file.
type wavSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *wav.Encoder
	cfg     Config
	buf     *audio.IntBuffer
	closed  bool
}

func openWAVSink(path string, cfg Config) (*wavSink, error) {
	sink := &wavSink{
		cfg: cfg,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: cfg.Rate, NumChannels: cfg.Channels},
			SourceBitDepth: 16,
		},
	}
	if path == "" {
		return sink, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.New(err).
			Component("pcm").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.New(err).
			Component("pcm").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	sink.file = file
	sink.encoder = wav.NewEncoder(file, cfg.Rate, 16, cfg.Channels, 1)
	return sink, nil
}

func (s *wavSink) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Wait paces writes at one period.
func (s *wavSink) Wait(timeout time.Duration) (bool, error) {
	if s.IsReady() {
		time.Sleep(min(timeout, s.cfg.PeriodDuration()))
		return true, nil
	}
	return false, ErrClosed
}

func (s *wavSink) Read([]byte) error {
	return errors.Newf("wav sink is playback only").
		Component("pcm").
		Category(errors.CategoryState).
		Build()
}

func (s *wavSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.encoder == nil {
		return nil
	}

	s.buf.Data = s16ToInts(s.buf.Data[:0], p)
	if err := s.encoder.Write(s.buf); err != nil {
		return errors.New(err).
			Component("pcm").
			Category(errors.CategoryFileIO).
			Context("operation", "encode").
			Build()
	}
	return nil
}

func (s *wavSink) Prepare() error { return nil }

func (s *wavSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.encoder == nil {
		return nil
	}
	if err := s.encoder.Close(); err != nil {
		_ = s.file.Close()
		return errors.New(err).
			Component("pcm").
			Category(errors.CategoryFileIO).
			Context("operation", "finalize").
			Build()
	}
	return s.file.Close()
}

func (s *wavSink) FramesToBytes(frames int) int {
	return framesToBytes(frames, s.cfg.Channels)
}

// intsToS16 packs decoded samples as little-endian int16.
func intsToS16(dst []byte, samples []int) {
	for i, v := range samples {
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample:], uint16(int16(v)))
	}
}

// s16ToInts unpacks little-endian int16 samples, appending to dst.
func s16ToInts(dst []int, p []byte) []int {
	for i := 0; i+1 < len(p); i += BytesPerSample {
		dst = append(dst, int(int16(binary.LittleEndian.Uint16(p[i:]))))
	}
	return dst
}
