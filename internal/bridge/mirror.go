package bridge

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

// mirrorWriteLogInterval throttles gadget write failures in the mirror loop.
const mirrorWriteLogInterval = time.Second

// mirror copies the input engine to the gadget playback endpoint. Its
// failures are logged and never end the session: a mic dropout is
// tolerated where a speaker dropout is not.
func (s *session) mirror() {
	release := s.promote("mirror")
	defer release()

	log := s.log.Module("mirror")
	p := s.params
	sampleRate := p.rate()

	in, err := s.engines.NewInput()
	if err != nil {
		s.notify.warn("mic input engine unavailable", logger.Error(err))
		return
	}
	in.SetInputPreset(p.InputPreset)
	if err := in.Open(sampleRate, pcm.Channels); err != nil {
		s.notify.warn("failed to open mic input engine", logger.Error(err))
		return
	}
	defer func() {
		if err := in.Stop(); err != nil {
			log.Debug("stopping input engine", logger.Error(err))
		}
		if err := in.Close(); err != nil {
			log.Debug("closing input engine", logger.Error(err))
		}
	}()
	if err := in.Start(); err != nil {
		s.notify.warn("failed to start mic input engine", logger.Error(err))
		return
	}

	cfg := pcm.DefaultConfig(sampleRate, MirrorPeriodFrames)
	ep, err := s.opener.Open(p.Card, p.Device, pcm.Playback, cfg)
	if err == nil && !ep.IsReady() {
		_ = ep.Close()
		err = pcm.ErrNotReady
	}
	if err != nil {
		s.notify.warn("failed to open gadget playback endpoint", logger.Error(err))
		return
	}
	defer func() {
		if err := ep.Close(); err != nil {
			log.Debug("closing playback endpoint", logger.Error(err))
		}
	}()

	buf := make([]byte, ep.FramesToBytes(cfg.PeriodSize))
	silence := make([]byte, len(buf))
	writeFailures := rate.Sometimes{Interval: mirrorWriteLogInterval}

	s.notify.diag("mic to gadget streaming active",
		logger.Int("preset", p.InputPreset))

	for s.isRunning() {
		n := in.Read(buf)
		if n <= 0 {
			time.Sleep(s.timings.MirrorIdleSleep)
			continue
		}

		chunk := buf[:n]
		if s.mutes.input.Load() {
			chunk = silence[:n]
		}
		if err := ep.Write(chunk); err != nil {
			writeFailures.Do(func() {
				log.Warn("gadget playback write failed", logger.Error(err))
			})
			continue
		}
		s.notify.metrics.AddMirrored(n)
	}

	log.Debug("mirror loop finished")
}
