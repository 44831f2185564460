package bridge

import (
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// Sink receives session notifications. Methods are called from the loop
// goroutines, possibly concurrently, and must not block: delivery is best
// effort and never retried.
type Sink interface {
	StateChanged(state StreamState)
	Stats(rate, periodFrames, bufferFrames int)
	Error(msg string)
	OutputDisconnected()
	// ThreadStarted asks for elevated scheduling of a real-time thread.
	// Nothing depends on the request being honoured.
	ThreadStarted(tid int)
	Log(msg string)
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) StateChanged(StreamState) {}
func (NopSink) Stats(int, int, int)      {}
func (NopSink) Error(string)             {}
func (NopSink) OutputDisconnected()      {}
func (NopSink) ThreadStarted(int)        {}
func (NopSink) Log(string)               {}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger logger.Logger
}

// NewLogSink returns a sink logging under the "host" module of log.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{Logger: log.Module("host")}
}

func (s *LogSink) StateChanged(state StreamState) {
	s.Logger.Info("stream state changed",
		logger.String("state", state.String()),
		logger.Int("code", int(state)))
}

func (s *LogSink) Stats(rate, periodFrames, bufferFrames int) {
	s.Logger.Info("stream stats",
		logger.Int("sample_rate", rate),
		logger.Int("period_frames", periodFrames),
		logger.Int("buffer_frames", bufferFrames))
}

func (s *LogSink) Error(msg string) {
	s.Logger.Error("bridge failed", logger.String("reason", msg))
}

func (s *LogSink) OutputDisconnected() {
	s.Logger.Warn("audio output disconnected")
}

func (s *LogSink) ThreadStarted(tid int) {
	s.Logger.Debug("real-time thread started", logger.Int("tid", tid))
}

func (s *LogSink) Log(msg string) {
	s.Logger.Debug(msg)
}

// MultiSink fans notifications out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) StateChanged(state StreamState) {
	for _, s := range m {
		s.StateChanged(state)
	}
}

func (m MultiSink) Stats(rate, periodFrames, bufferFrames int) {
	for _, s := range m {
		s.Stats(rate, periodFrames, bufferFrames)
	}
}

func (m MultiSink) Error(msg string) {
	for _, s := range m {
		s.Error(msg)
	}
}

func (m MultiSink) OutputDisconnected() {
	for _, s := range m {
		s.OutputDisconnected()
	}
}

func (m MultiSink) ThreadStarted(tid int) {
	for _, s := range m {
		s.ThreadStarted(tid)
	}
}

func (m MultiSink) Log(msg string) {
	for _, s := range m {
		s.Log(msg)
	}
}

// Recorder collects session metrics. It uses plain types so metric
// backends do not import this package.
type Recorder interface {
	SessionStarted(engine string)
	RecordState(code int, name string)
	RecordOverrun()
	RecordReadError()
	RecordOpenRetry()
	AddCaptured(bytes int)
	AddRendered(bytes int)
	AddMirrored(bytes int)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(string)   {}
func (nopRecorder) RecordState(int, string) {}
func (nopRecorder) RecordOverrun()          {}
func (nopRecorder) RecordReadError()        {}
func (nopRecorder) RecordOpenRetry()        {}
func (nopRecorder) AddCaptured(int)         {}
func (nopRecorder) AddRendered(int)         {}
func (nopRecorder) AddMirrored(int)         {}

// notifier is the single place loops report through. It keeps the sink,
// the session logger and the metrics in step.
type notifier struct {
	sink    Sink
	log     logger.Logger
	metrics Recorder
	// onDisconnect runs after the host was told about a lost output.
	onDisconnect func()
}

func (n *notifier) state(s StreamState) {
	n.log.Debug("stream state", logger.String("state", s.String()))
	n.metrics.RecordState(int(s), s.String())
	n.sink.StateChanged(s)
}

func (n *notifier) stats(rate, periodFrames, bufferFrames int) {
	n.sink.Stats(rate, periodFrames, bufferFrames)
}

// fatal reports a session-ending failure. It is the only path that sends
// errors to telemetry.
func (n *notifier) fatal(msg string, err error) {
	n.log.Error(msg, logger.Error(err))
	errors.Report(err)
	n.sink.Error(msg)
}

func (n *notifier) disconnected() {
	n.log.Warn("output engine reported disconnect")
	n.sink.OutputDisconnected()
	if n.onDisconnect != nil {
		n.onDisconnect()
	}
}

func (n *notifier) threadStarted(role string, tid int, err error) {
	if err != nil {
		n.log.Debug("priority change refused",
			logger.String("loop", role),
			logger.Error(err))
	}
	if tid > 0 {
		n.sink.ThreadStarted(tid)
	}
}

// diag logs a line and forwards it to the host.
func (n *notifier) diag(msg string, fields ...logger.Field) {
	n.log.Info(msg, fields...)
	n.sink.Log(msg)
}

// warn is diag for non-fatal failures.
func (n *notifier) warn(msg string, fields ...logger.Field) {
	n.log.Warn(msg, fields...)
	n.sink.Log(msg)
}
