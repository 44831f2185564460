// Package bridge implements the bridge command, which streams the gadget to
// the local speaker and microphone until interrupted.
package bridge

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/gadgetbridge/internal/bridge"
	"github.com/tphakala/gadgetbridge/internal/conf"
	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/gadget"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/mqtt"
	"github.com/tphakala/gadgetbridge/internal/notify"
	"github.com/tphakala/gadgetbridge/internal/observability"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

// settleMargin is added to the restart delay before a stopped session is
// considered final.
const settleMargin = 200 * time.Millisecond

// discoveryPoll is how often the broker connection is checked before
// discovery configs are published.
const discoveryPoll = 500 * time.Millisecond

// Command creates the bridge command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Bridge the USB gadget to the local audio devices",
		Long: "Capture audio the USB host plays into the UAC2 gadget and render it on the local speaker. " +
			"Optionally mirror the local microphone back to the host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the bridge command. Values reach
// settings through viper when the configuration is loaded.
func setupFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.Int("card", -1, "ALSA card of the gadget, -1 auto-detects")
	flags.Int("device", 0, "ALSA device of the gadget")
	flags.Int("buffersize", 4800, "Ring buffer depth in frames")
	flags.Int("periodsize", 0, "Capture period hint in frames, 0 for auto")
	flags.Int("engine", 0, "Output engine: 0 low-latency, 1 buffer-queue, 2 managed")
	flags.Int("rate", 48000, "Gadget sample rate in Hz")
	flags.Int("directions", 1, "Directions: 1 speaker, 2 mic, 3 both")
	flags.Int("micsource", 6, "Microphone input preset")
	flags.Bool("autorestart", false, "Restart the session after the output device disconnects")
	flags.Bool("mute-output", false, "Start with the speaker path muted")
	flags.Bool("mute-input", false, "Start with the microphone path muted")

	bindings := map[string]string{
		"bridge.card":              "card",
		"bridge.device":            "device",
		"bridge.buffersize":        "buffersize",
		"bridge.periodsize":        "periodsize",
		"bridge.engine":            "engine",
		"bridge.samplerate":        "rate",
		"bridge.directions":        "directions",
		"bridge.micsource":         "micsource",
		"bridge.autorestart":       "autorestart",
		"bridge.startmuted.output": "mute-output",
		"bridge.startmuted.input":  "mute-input",
	}
	for key, name := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// run starts one bridge session and the optional MQTT, notification and
// telemetry services, and blocks until ctx is cancelled or the session ends for good.
func run(ctx context.Context, settings *conf.Settings) error {
	log := logger.Global().Module("bridge")

	params, err := resolveParams(settings)
	if err != nil {
		return err
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	watch := newWatchSink()
	sinks := bridge.MultiSink{bridge.NewLogSink(log), watch}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Sink services outlive the session so its final notifications are
	// delivered, they are stopped only after the orchestrator shut down.
	svcCtx, stopServices := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServices()
	services, sctx := errgroup.WithContext(svcCtx)

	// abort stops the services already started when startup fails.
	abort := func(err error) error {
		cancel()
		stopServices()
		_ = services.Wait()
		return err
	}

	if settings.MQTT.Enabled {
		client, sink, publisher, err := newMQTT(settings, metrics)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		services.Go(func() error { return sink.Run(sctx) })
		if publisher != nil {
			services.Go(func() error {
				if mqtt.WaitConnected(gctx, client, discoveryPoll) != nil {
					return nil
				}
				if err := publisher.PublishDiscovery(gctx); err != nil {
					log.Warn("home assistant discovery failed", logger.Error(err))
				}
				return nil
			})
		}
	}

	if settings.Notify.Enabled {
		cfg := notify.Config{
			URLs:    settings.Notify.URLs,
			Title:   settings.Notify.Title,
			Timeout: settings.Notify.Timeout,
		}
		sender, err := notify.NewSender(cfg)
		if err != nil {
			return abort(err)
		}
		pushes := notify.NewSink(sender, cfg)
		sinks = append(sinks, pushes)
		services.Go(func() error { return pushes.Run(sctx) })
	}

	if settings.Telemetry.Enabled {
		endpoint, err := observability.NewEndpoint(settings.Telemetry.Listen, metrics, settings.Telemetry.Debug)
		if err != nil {
			return abort(err)
		}
		services.Go(func() error { return endpoint.Run(gctx) })
	}

	orch, err := bridge.New(bridge.Options{
		Opener:      pcm.NewALSA(logger.Global().Module("pcm")),
		Engines:     engine.NewMalgoFactory(logger.Global().Module("engine")),
		Sink:        sinks,
		Logger:      log,
		Metrics:     metrics.Bridge,
		AutoRestart: settings.Bridge.AutoRestart,
	})
	if err != nil {
		return abort(err)
	}
	orch.SetOutputMuted(settings.Bridge.StartMuted.Output)
	orch.SetInputMuted(settings.Bridge.StartMuted.Input)

	if err := orch.Start(params); err != nil {
		return abort(err)
	}
	log.Info("bridge started",
		logger.String("session_id", orch.SessionID()),
		logger.Int("card", params.Card),
		logger.Int("device", params.Device),
		logger.String("engine", params.Engine.String()),
		logger.String("directions", params.Directions.String()))

	g.Go(func() error { return toggleMutes(gctx, orch, log) })
	g.Go(func() error { return watch.run(gctx, orch, bridge.DefaultTimings().RestartDelay+settleMargin) })
	// A failed service ends the command, its error comes from services.Wait.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-sctx.Done():
			cancel()
		}
		return nil
	})

	runErr := g.Wait()
	svcErr := shutdown(orch, services, stopServices, log, bridge.DefaultTimings().TeardownWait)
	log.Info("bridge stopped")
	if runErr != nil {
		return runErr
	}
	return svcErr
}

// shutdowner is the part of the orchestrator used while exiting.
type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the session first and the sink services after it, so the
// final Stopped state and closing diagnostics still reach every sink.
func shutdown(orch shutdowner, services *errgroup.Group, stopServices context.CancelFunc, log logger.Logger, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		log.Warn("bridge shutdown incomplete", logger.Error(err))
	}
	stopServices()
	return services.Wait()
}

// resolveParams converts settings to session parameters, detecting the
// gadget card when none is configured.
func resolveParams(settings *conf.Settings) (bridge.Params, error) {
	card := settings.Bridge.Card
	if card < 0 {
		found, err := gadget.FindCard(settings.Gadget.Cards, settings.Gadget.DevDir)
		if err != nil {
			return bridge.Params{}, err
		}
		card = found
	}
	return paramsFromSettings(&settings.Bridge, card), nil
}

func paramsFromSettings(b *conf.BridgeSettings, card int) bridge.Params {
	return bridge.Params{
		Card:         card,
		Device:       b.Device,
		BufferFrames: b.BufferSize,
		PeriodFrames: b.PeriodSize,
		Engine:       engine.Variant(b.Engine),
		SampleRate:   b.SampleRate,
		Directions:   bridge.Directions(b.Directions),
		InputPreset:  b.MicSource,
	}
}

// newMQTT builds the MQTT client and sink and, when enabled, the discovery
// publisher.
func newMQTT(settings *conf.Settings, metrics *observability.Metrics) (mqtt.Client, *mqtt.Sink, *mqtt.Publisher, error) {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = settings.MQTT.Broker
	cfg.Topic = settings.MQTT.Topic
	cfg.Username = settings.MQTT.Username
	cfg.Password = settings.MQTT.Password
	if settings.Main.Name != "" {
		cfg.ClientID = settings.Main.Name
	}

	client, err := mqtt.NewClient(cfg, metrics.MQTT)
	if err != nil {
		return nil, nil, nil, err
	}
	sink := mqtt.NewSink(client, cfg, metrics.MQTT, settings.MQTT.QueueSize)

	if !settings.MQTT.Discovery.Enabled {
		return client, sink, nil, nil
	}
	publisher := mqtt.NewDiscoveryPublisher(client, &mqtt.DiscoveryConfig{
		DiscoveryPrefix: settings.MQTT.Discovery.Prefix,
		BaseTopic:       cfg.Topic,
		NodeID:          cfg.ClientID,
		Version:         settings.Version,
	})
	return client, sink, publisher, nil
}

// toggleMutes flips the output mute on SIGUSR1 and the input mute on SIGUSR2.
func toggleMutes(ctx context.Context, orch *bridge.Orchestrator, log logger.Logger) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				orch.SetOutputMuted(!orch.OutputMuted())
				log.Info("output mute toggled", logger.Bool("muted", orch.OutputMuted()))
			case syscall.SIGUSR2:
				orch.SetInputMuted(!orch.InputMuted())
				log.Info("input mute toggled", logger.Bool("muted", orch.InputMuted()))
			}
		}
	}
}

// watchSink observes session states so the command can exit when a session
// stops without being restarted.
type watchSink struct {
	bridge.NopSink

	states chan bridge.StreamState

	mu      sync.Mutex
	lastErr string
}

func newWatchSink() *watchSink {
	return &watchSink{states: make(chan bridge.StreamState, 16)}
}

func (w *watchSink) StateChanged(state bridge.StreamState) {
	select {
	case w.states <- state:
	default:
		// Only Stopped matters and a full queue already holds a pending check.
	}
}

func (w *watchSink) Error(msg string) {
	w.mu.Lock()
	w.lastErr = msg
	w.mu.Unlock()
}

func (w *watchSink) lastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// running reports whether the orchestrator still has a live session.
type running interface {
	Running() bool
}

// run returns an error once a Stopped session is not followed by a restart
// within settle.
func (w *watchSink) run(ctx context.Context, orch running, settle time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-w.states:
			if state != bridge.Stopped {
				continue
			}
			timer := time.NewTimer(settle)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			if orch.Running() {
				continue
			}
			msg := w.lastError()
			if msg == "" {
				msg = "bridge session ended"
			}
			return errors.Newf("%s", msg).
				Component("bridge").
				Category(errors.CategoryState).
				Context("operation", "watch_session").
				Build()
		}
	}
}
