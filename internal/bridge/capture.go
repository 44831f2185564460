package bridge

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
	"github.com/tphakala/gadgetbridge/internal/ringbuf"
)

// capture reads host audio from the gadget into rb until the session stops
// or the endpoint fails for good. It is the ring's only writer.
func (s *session) capture(rb *ringbuf.Ring) {
	release := s.promote("capture")
	defer release()

	log := s.log.Module("capture")

	ep, cfg, ok := s.openCapture(log)
	if !ok {
		return
	}
	defer func() {
		if err := ep.Close(); err != nil {
			log.Debug("closing capture endpoint", logger.Error(err))
		}
		s.notify.diag("host closed device, capture stopped")
	}()

	buf := make([]byte, ep.FramesToBytes(cfg.PeriodSize))
	overruns := rate.Sometimes{Every: overrunLogEvery}
	readErrors := 0

	for s.isRunning() {
		// A wait error falls through to Read, which reports it properly.
		ready, err := ep.Wait(s.timings.ReadyTimeout)
		if err == nil && !ready {
			continue
		}

		err = ep.Read(buf)
		if err == nil {
			readErrors = 0
			if rb.Write(buf) == 0 {
				s.notify.metrics.RecordOverrun()
				overruns.Do(func() {
					log.Warn("ring buffer overrun, period dropped",
						logger.Int("bytes", len(buf)))
				})
				continue
			}
			s.notify.metrics.AddCaptured(len(buf))
			continue
		}

		if errors.Is(err, pcm.ErrNoData) {
			time.Sleep(s.timings.NoDataSleep)
			continue
		}

		readErrors++
		s.notify.metrics.RecordReadError()
		if readErrors%readErrorLogEvery == 0 {
			log.Warn("capture read failing",
				logger.Int("consecutive", readErrors),
				logger.Error(err))
		}

		if readErrors > ReadErrorLimit {
			s.notify.fatal("Capture Failed", errors.New(err).
				Component("bridge").
				Category(errors.CategoryDisconnect).
				DeviceContext(s.params.Card, s.params.Device).
				Context("operation", "capture_read").
				Context("consecutive_failures", readErrors).
				Build())
			s.stop()
			return
		}

		// An xrun is cleared by prepare. A vanished device fails again and
		// counts toward the limit.
		if perr := ep.Prepare(); perr != nil {
			log.Debug("prepare after read failure", logger.Error(perr))
		}
	}
}

// openCapture sweeps the period candidates until an endpoint comes up ready,
// backing off between sweeps. Failing every sweep is the normal state while
// no host has enumerated the gadget yet.
func (s *session) openCapture(log logger.Logger) (pcm.Endpoint, pcm.Config, bool) {
	p := s.params
	candidates := p.periodCandidates()

	s.notify.state(Connecting)

	for attempt := 0; attempt < s.timings.OpenRetries && s.isRunning(); attempt++ {
		if attempt > 0 {
			s.notify.metrics.RecordOpenRetry()
		}

		for _, period := range candidates {
			cfg := pcm.DefaultConfig(p.rate(), period)
			ep, err := s.opener.Open(p.Card, p.Device, pcm.Capture, cfg)
			if err != nil {
				log.Debug("capture config failed",
					logger.Int("period_frames", period),
					logger.Error(err))
				continue
			}
			if !ep.IsReady() {
				log.Debug("capture endpoint not ready",
					logger.Int("period_frames", period))
				_ = ep.Close()
				continue
			}

			s.period.Store(int64(period))
			s.notify.diag("capture endpoint ready, waiting for host stream",
				logger.Int("sample_rate", cfg.Rate),
				logger.Int("period_frames", period))
			s.notify.state(Waiting)
			return ep, cfg, true
		}

		log.Debug("all capture configs failed, retrying",
			logger.Int("attempt", attempt+1),
			logger.Duration("backoff", s.timings.OpenRetryInterval))
		time.Sleep(s.timings.OpenRetryInterval)
	}

	if s.isRunning() {
		s.notify.fatal("Capture Open Failed", errors.Newf("no capture config accepted after %d attempts", s.timings.OpenRetries).
			Component("bridge").
			Category(errors.CategoryRetry).
			DeviceContext(p.Card, p.Device).
			Context("operation", "capture_open").
			Context("sample_rate", p.rate()).
			Build())
	}
	s.stop()
	return nil, pcm.Config{}, false
}
