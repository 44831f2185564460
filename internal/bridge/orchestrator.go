package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

// Sentinel errors
var (
	// ErrAlreadyRunning rejects a start while a session is active.
	ErrAlreadyRunning = errors.New(nil).
				Component("bridge").
				Category(errors.CategoryConflict).
				Context("error", "bridge session already running").
				Build()

	// ErrTeardownPending rejects a start while the previous session is
	// still shutting down after the bounded wait.
	ErrTeardownPending = errors.New(nil).
				Component("bridge").
				Category(errors.CategoryState).
				Context("error", "previous bridge session still tearing down").
				Build()

	// ErrShutdown rejects a start after Shutdown.
	ErrShutdown = errors.New(nil).
			Component("bridge").
			Category(errors.CategoryState).
			Context("error", "bridge orchestrator shut down").
			Build()
)

// Options configures an Orchestrator. Opener and Engines are required.
type Options struct {
	Opener  pcm.Opener
	Engines engine.Factory
	Sink    Sink
	Logger  logger.Logger
	Metrics Recorder
	Timings Timings
	// AutoRestart restarts a session with the same parameters after its
	// output device disconnected.
	AutoRestart bool
}

// Orchestrator runs at most one session at a time.
type Orchestrator struct {
	opener      pcm.Opener
	engines     engine.Factory
	sink        Sink
	log         logger.Logger
	metrics     Recorder
	timings     Timings
	autoRestart bool

	mutes mutes

	mu      sync.Mutex // serializes session starts
	current atomic.Pointer[session]

	restartMu sync.Mutex // orders restarts.Add against Shutdown
	restarts  sync.WaitGroup
	closed    atomic.Bool
}

// New creates an idle orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Opener == nil || opts.Engines == nil {
		return nil, errors.Newf("bridge requires a pcm opener and an engine factory").
			Component("bridge").
			Category(errors.CategoryValidation).
			Build()
	}

	o := &Orchestrator{
		opener:      opts.Opener,
		engines:     opts.Engines,
		sink:        opts.Sink,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		timings:     opts.Timings.withDefaults(),
		autoRestart: opts.AutoRestart,
	}
	if o.sink == nil {
		o.sink = NopSink{}
	}
	if o.log == nil {
		o.log = logger.Global().Module("bridge")
	}
	if o.metrics == nil {
		o.metrics = nopRecorder{}
	}
	return o, nil
}

// Start begins a session. If the previous session is still tearing down it
// waits up to the teardown timeout first. The session runs asynchronously;
// failures after Start returns are reported through the sink.
func (o *Orchestrator) Start(p Params) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed.Load() {
		return ErrShutdown
	}
	return o.startLocked(p)
}

func (o *Orchestrator) startLocked(p Params) error {
	if prev := o.current.Load(); prev != nil {
		if prev.isRunning() {
			return ErrAlreadyRunning
		}
		if !prev.finished.Load() {
			timer := time.NewTimer(o.timings.TeardownWait)
			defer timer.Stop()
			select {
			case <-prev.done:
			case <-timer.C:
				o.log.Warn("start rejected, previous session still tearing down",
					logger.String("session_id", prev.id),
					logger.Duration("waited", o.timings.TeardownWait))
				return ErrTeardownPending
			}
		}
	}

	id := uuid.NewString()
	log := o.log.With(logger.String("session_id", id))
	s := &session{
		id:      id,
		params:  p,
		timings: o.timings,
		opener:  o.opener,
		engines: o.engines,
		mutes:   &o.mutes,
		log:     log,
		done:    make(chan struct{}),
	}
	s.notify = &notifier{
		sink:    o.sink,
		log:     log,
		metrics: o.metrics,
	}
	if o.autoRestart {
		s.notify.onDisconnect = func() { o.scheduleRestart(s) }
	}
	s.running.Store(true)
	o.current.Store(s)

	o.metrics.SessionStarted(p.Engine.String())
	log.Info("bridge session starting",
		logger.Int("card", p.Card),
		logger.Int("device", p.Device),
		logger.Int("buffer_frames", p.BufferFrames),
		logger.Int("period_frames", p.PeriodFrames),
		logger.String("engine", p.Engine.String()),
		logger.Int("sample_rate", p.rate()),
		logger.String("directions", p.Directions.String()))

	go s.run()
	return nil
}

// Stop asks the active session to end and returns immediately. Completion
// is signalled by the Stopped state and by WaitStopped.
func (o *Orchestrator) Stop() {
	s := o.current.Load()
	if s == nil || !s.isRunning() {
		return
	}
	s.log.Info("stop requested")
	s.stop()
}

// Running reports whether a session is active.
func (o *Orchestrator) Running() bool {
	s := o.current.Load()
	return s != nil && s.isRunning()
}

// Finished reports whether the last session fully tore down.
func (o *Orchestrator) Finished() bool {
	s := o.current.Load()
	return s == nil || s.finished.Load()
}

// SessionID returns the id of the most recent session, or "".
func (o *Orchestrator) SessionID() string {
	if s := o.current.Load(); s != nil {
		return s.id
	}
	return ""
}

// SetOutputMuted replaces rendered audio with silence while set.
func (o *Orchestrator) SetOutputMuted(muted bool) {
	o.mutes.output.Store(muted)
	o.log.Info("output mute changed", logger.Bool("muted", muted))
}

// SetInputMuted replaces mirrored mic audio with silence while set.
func (o *Orchestrator) SetInputMuted(muted bool) {
	o.mutes.input.Store(muted)
	o.log.Info("input mute changed", logger.Bool("muted", muted))
}

// OutputMuted reports the output mute flag.
func (o *Orchestrator) OutputMuted() bool { return o.mutes.output.Load() }

// InputMuted reports the input mute flag.
func (o *Orchestrator) InputMuted() bool { return o.mutes.input.Load() }

// WaitStopped blocks until the current session finished tearing down or
// ctx is done.
func (o *Orchestrator) WaitStopped(ctx context.Context) error {
	s := o.current.Load()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.New(ctx.Err()).
			Component("bridge").
			Category(errors.CategoryTimeout).
			Context("operation", "wait_stopped").
			Context("session_id", s.id).
			Build()
	}
}

// Shutdown stops the active session, cancels pending restarts and waits
// for everything to exit. The orchestrator cannot be started again.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.restartMu.Lock()
	o.closed.Store(true)
	o.restartMu.Unlock()

	o.mu.Lock()
	o.Stop()
	o.mu.Unlock()

	restarted := make(chan struct{})
	go func() {
		o.restarts.Wait()
		close(restarted)
	}()
	select {
	case <-restarted:
	case <-ctx.Done():
		return errors.New(ctx.Err()).
			Component("bridge").
			Category(errors.CategoryTimeout).
			Context("operation", "shutdown").
			Build()
	}

	return o.WaitStopped(ctx)
}

// scheduleRestart starts s's parameters again once s tore down. A session
// started by someone else in the meantime wins.
func (o *Orchestrator) scheduleRestart(s *session) {
	o.restartMu.Lock()
	defer o.restartMu.Unlock()
	if o.closed.Load() {
		return
	}
	o.restarts.Add(1)
	go func() {
		defer o.restarts.Done()

		<-s.done
		time.Sleep(o.timings.RestartDelay)

		o.mu.Lock()
		defer o.mu.Unlock()
		if o.closed.Load() || o.current.Load() != s {
			return
		}
		s.log.Info("restarting bridge after output change")
		if err := o.startLocked(s.params); err != nil {
			s.log.Warn("auto-restart failed", logger.Error(err))
			o.sink.Error("Auto-restart Failed")
		}
	}()
}
