// Package simulate implements the simulate command, which runs the speaker
// path from a WAV file into another WAV file without USB or audio hardware.
package simulate

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/gadgetbridge/internal/bridge"
	"github.com/tphakala/gadgetbridge/internal/conf"
	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

// options holds the simulate command flags.
type options struct {
	input    string
	output   string
	loop     bool
	duration time.Duration
}

// Command creates the simulate command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "simulate [input.wav]",
		Short: "Run the speaker path from a WAV file",
		Long: "Replay a WAV file as gadget capture through the ring buffer and the managed engine, " +
			"writing the rendered audio to a WAV file. Useful for testing without USB hardware.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.input = args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "rendered.wav", "WAV file receiving the rendered audio")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "Restart the input at end of file")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Stop after this long, 0 runs until the input goes idle")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, opts *options) error {
	log := logger.Global().Module("simulate")

	if _, err := os.Stat(opts.input); err != nil {
		return errors.New(err).
			Component("simulate").
			Category(errors.CategoryFileIO).
			Context("path", opts.input).
			Build()
	}
	if opts.loop && opts.duration <= 0 {
		return errors.Newf("--loop requires --duration").
			Component("simulate").
			Category(errors.CategoryValidation).
			Build()
	}

	states := newStateSink()
	orch, err := bridge.New(bridge.Options{
		Opener: &pcm.WAVOpener{Input: opts.input, Loop: opts.loop},
		Engines: &engine.MalgoFactory{
			Log:      logger.Global().Module("engine"),
			NewTrack: func() engine.Track { return engine.NewWAVTrack(opts.output) },
		},
		Sink:   bridge.MultiSink{bridge.NewLogSink(log), states},
		Logger: log,
	})
	if err != nil {
		return err
	}

	params := bridge.Params{
		BufferFrames: settings.Bridge.BufferSize,
		PeriodFrames: settings.Bridge.PeriodSize,
		Engine:       engine.Managed,
		SampleRate:   settings.Bridge.SampleRate,
		Directions:   bridge.DirectionSpeaker,
	}
	if err := orch.Start(params); err != nil {
		return err
	}
	log.Info("simulation started",
		logger.String("input", opts.input),
		logger.String("output", opts.output))

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	streamed := states.wait(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), bridge.DefaultTimings().TeardownWait)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if msg := states.lastError(); msg != "" {
		return fmt.Errorf("simulation failed: %s", msg)
	}
	if !streamed {
		return fmt.Errorf("simulation produced no audio from %s", opts.input)
	}
	log.Info("simulation finished", logger.String("output", opts.output))
	return nil
}

// stateSink reports when the input has been streamed and gone idle, or the
// session stopped.
type stateSink struct {
	bridge.NopSink

	done     chan struct{}
	once     sync.Once
	failed   chan string
	streamed atomic.Bool
}

func newStateSink() *stateSink {
	return &stateSink{
		done:   make(chan struct{}),
		failed: make(chan string, 1),
	}
}

func (s *stateSink) StateChanged(state bridge.StreamState) {
	switch state {
	case bridge.Streaming:
		s.streamed.Store(true)
	case bridge.Idling:
		if s.streamed.Load() {
			s.once.Do(func() { close(s.done) })
		}
	case bridge.Stopped:
		s.once.Do(func() { close(s.done) })
	}
}

func (s *stateSink) Error(msg string) {
	select {
	case s.failed <- msg:
	default:
	}
}

func (s *stateSink) lastError() string {
	select {
	case msg := <-s.failed:
		return msg
	default:
		return ""
	}
}

// wait blocks until the session finished or ctx ends. It reports whether
// any audio was streamed.
func (s *stateSink) wait(ctx context.Context) bool {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return s.streamed.Load()
}
