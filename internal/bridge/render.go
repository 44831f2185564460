package bridge

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
	"github.com/tphakala/gadgetbridge/internal/ringbuf"
)

// run is the session's root goroutine. It owns the loop goroutines and
// marks the session finished only after all of them returned.
func (s *session) run() {
	defer s.finish()

	release := s.promote("bridge")
	defer release()

	p := s.params
	s.notify.diag("bridge task starting",
		logger.String("directions", p.Directions.String()),
		logger.String("engine", p.Engine.String()),
		logger.Int("sample_rate", p.rate()))

	var loops errgroup.Group
	if p.Directions.Mic() {
		loops.Go(func() error {
			s.mirror()
			return nil
		})
	}

	if p.Directions.Speaker() {
		s.speaker(&loops)
	} else if p.Directions.Mic() {
		s.notify.state(Streaming)
	}

	_ = loops.Wait()
	s.notify.diag("bridge task finished")
	s.notify.state(Stopped)
}

// speaker runs the render loop on the calling goroutine and the capture loop
// on loops. The engine is opened before capture starts so a failed open
// leaves nothing behind.
func (s *session) speaker(loops *errgroup.Group) {
	p := s.params
	log := s.log.Module("render")
	sampleRate := p.rate()
	depth := p.bufferFrames()

	out, err := s.openOutput(sampleRate)
	if err != nil {
		s.notify.fatal("Audio Engine Open Failed", err)
		s.stop()
		return
	}
	defer func() {
		if err := out.Stop(); err != nil {
			log.Debug("stopping output engine", logger.Error(err))
		}
		if err := out.Close(); err != nil {
			log.Debug("closing output engine", logger.Error(err))
		}
	}()

	rb := ringbuf.New(depth * pcm.BytesPerFrame)
	loops.Go(func() error {
		s.capture(rb)
		return nil
	})

	s.notify.diag("starting speaker bridge",
		logger.Int("buffer_frames", depth),
		logger.Int("period_hint", p.PeriodFrames))

	if err := out.Start(); err != nil {
		s.notify.fatal("Audio Engine Start Failed", errors.New(err).
			Component("bridge").
			Category(errors.CategoryAudioEngine).
			Context("operation", "start_output").
			Context("engine", p.Engine.String()).
			Build())
		s.stop()
		return
	}

	s.preroll(rb, sampleRate)
	if !s.isRunning() {
		return
	}

	s.notify.diag("host opened device, streaming started")
	s.notify.state(Streaming)
	s.notify.stats(sampleRate, int(s.period.Load()), depth)

	s.renderLoop(log, rb, out, sampleRate, depth)
}

func (s *session) openOutput(sampleRate int) (engine.Output, error) {
	out, err := s.engines.NewOutput(s.params.Engine)
	if err != nil {
		return nil, err
	}
	if err := out.Open(sampleRate, pcm.Channels); err != nil {
		return nil, errors.New(err).
			Component("bridge").
			Category(errors.CategoryAudioEngine).
			Context("operation", "open_output").
			Context("engine", s.params.Engine.String()).
			Context("sample_rate", sampleRate).
			Build()
	}
	return out, nil
}

// preroll waits for a safety margin of audio before draining starts. The
// margin is capped at the ring size so a shallow ring cannot stall it.
func (s *session) preroll(rb *ringbuf.Ring, sampleRate int) {
	frames := int(int64(sampleRate) * int64(s.timings.Preroll) / int64(time.Second))
	need := min(frames*pcm.BytesPerFrame, rb.Cap())

	s.log.Debug("pre-rolling", logger.Duration("preroll", s.timings.Preroll))
	for s.isRunning() && rb.Available() < need {
		time.Sleep(s.timings.PrerollPoll)
	}
}

// renderLoop drains rb one engine burst at a time and tracks the
// streaming/idling state. It is the ring's only reader.
func (s *session) renderLoop(log logger.Logger, rb *ringbuf.Ring, out engine.Output, sampleRate, depth int) {
	burst := out.BurstFrames()
	resolved := burst > 0
	if !resolved {
		burst = FallbackBurstFrames
	}
	buf := make([]byte, burst*pcm.BytesPerFrame)
	silence := make([]byte, len(buf))
	disconnecter, _ := out.(engine.Disconnecter)

	log.Debug("render loop running", logger.Int("burst_frames", burst))

	streaming := true
	lastData := time.Now()
	statsCounter := 0

	for s.isRunning() {
		now := time.Now()

		// Engines may learn their burst only once the device runs.
		if !resolved {
			if b := out.BurstFrames(); b > 0 {
				resolved = true
				if b != burst {
					burst = b
					buf = make([]byte, burst*pcm.BytesPerFrame)
					silence = make([]byte, len(buf))
					log.Debug("engine burst resolved", logger.Int("burst_frames", burst))
				}
			}
		}

		if rb.Read(buf) > 0 {
			lastData = now
			if !streaming {
				streaming = true
				s.notify.state(Streaming)
				s.notify.stats(sampleRate, int(s.period.Load()), depth)
				statsCounter = 0
			}

			chunk := buf
			if s.mutes.output.Load() {
				chunk = silence
			}
			s.notify.metrics.AddRendered(out.Write(chunk))
		} else {
			if streaming && now.Sub(lastData) > s.timings.IdleThreshold {
				streaming = false
				s.notify.state(Idling)
				log.Debug("stream idle", logger.Duration("idle", now.Sub(lastData)))
			}
			time.Sleep(s.timings.IdleSleep)
		}

		if streaming {
			statsCounter++
			if statsCounter > s.timings.StatsEvery {
				s.notify.stats(sampleRate, int(s.period.Load()), depth)
				statsCounter = 0
			}
		}

		// The write path cannot see a revoked device, so poll for it.
		if disconnecter != nil && disconnecter.Disconnected() {
			s.notify.disconnected()
			s.notify.fatal("Output Disconnected", errors.Newf("output engine disconnected").
				Component("bridge").
				Category(errors.CategoryDisconnect).
				Context("operation", "render").
				Context("engine", s.params.Engine.String()).
				Build())
			s.stop()
		}
	}
}
