package bridge

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/gadgetbridge/internal/bridge"
	"github.com/tphakala/gadgetbridge/internal/conf"
	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/mqtt"
)

func TestParamsFromSettings(t *testing.T) {
	t.Parallel()

	b := &conf.BridgeSettings{
		Device:     1,
		BufferSize: 9600,
		PeriodSize: 240,
		Engine:     2,
		SampleRate: 96000,
		Directions: 3,
		MicSource:  1,
	}
	p := paramsFromSettings(b, 4)

	assert.Equal(t, bridge.Params{
		Card:         4,
		Device:       1,
		BufferFrames: 9600,
		PeriodFrames: 240,
		Engine:       engine.Managed,
		SampleRate:   96000,
		Directions:   bridge.DirectionSpeaker | bridge.DirectionMic,
		InputPreset:  1,
	}, p)
}

func TestResolveParamsDetectsCard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cards := filepath.Join(dir, "cards")
	require.NoError(t, os.WriteFile(cards, []byte(
		" 0 [Headphones     ]: bcm2835_headpho - bcm2835 Headphones\n"+
			"                      bcm2835 Headphones\n"+
			" 1 [UAC2Gadget     ]: UAC2_Gadget - UAC2_Gadget\n"+
			"                      UAC2_Gadget 0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pcmC1D0c"), nil, 0o644))

	settings := &conf.Settings{}
	settings.Bridge.Card = -1
	settings.Gadget.Cards = cards
	settings.Gadget.DevDir = dir

	p, err := resolveParams(settings)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Card)

	settings.Bridge.Card = 3
	p, err = resolveParams(settings)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Card, "a configured card skips detection")
}

func TestResolveParamsNoGadget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cards := filepath.Join(dir, "cards")
	require.NoError(t, os.WriteFile(cards, []byte(" 0 [Headphones     ]: bcm2835_headpho - bcm2835 Headphones\n"), 0o644))

	settings := &conf.Settings{}
	settings.Bridge.Card = -1
	settings.Gadget.Cards = cards
	settings.Gadget.DevDir = dir

	_, err := resolveParams(settings)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

type fakeRunning struct{ running atomic.Bool }

func (f *fakeRunning) Running() bool { return f.running.Load() }

func TestWatchSinkEndsAfterFinalStop(t *testing.T) {
	t.Parallel()

	w := newWatchSink()
	orch := &fakeRunning{}

	w.StateChanged(bridge.Connecting)
	w.StateChanged(bridge.Streaming)
	w.Error("output device disconnected")
	w.StateChanged(bridge.Stopped)

	err := w.run(context.Background(), orch, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output device disconnected")
}

func TestWatchSinkIgnoresRestartedSession(t *testing.T) {
	t.Parallel()

	w := newWatchSink()
	orch := &fakeRunning{}
	orch.running.Store(true)
	w.StateChanged(bridge.Stopped)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, w.run(ctx, orch, 5*time.Millisecond))
}

func TestWatchSinkDoesNotBlockNotifier(t *testing.T) {
	t.Parallel()

	w := newWatchSink()
	done := make(chan struct{})
	go func() {
		for range 100 {
			w.StateChanged(bridge.Idling)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StateChanged blocked with nobody reading")
	}
}

// brokerStub is an mqtt.Client keeping the last retained payload per topic.
type brokerStub struct {
	mu       sync.Mutex
	up       bool
	retained map[string][]byte
}

func (b *brokerStub) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.up = true
	return nil
}

func (b *brokerStub) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retain {
		if b.retained == nil {
			b.retained = make(map[string][]byte)
		}
		b.retained[topic] = payload
	}
	return nil
}

func (b *brokerStub) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

func (b *brokerStub) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.up = false
}

func (b *brokerStub) retainedState(t *testing.T) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var dto mqtt.StateDTO
	require.NoError(t, json.Unmarshal(b.retained["bridge/state"], &dto))
	return dto.State
}

// stoppingOrchestrator announces Stopped from Shutdown like a live session.
type stoppingOrchestrator struct {
	sink bridge.Sink
}

func (o *stoppingOrchestrator) Shutdown(context.Context) error {
	o.sink.StateChanged(bridge.Stopped)
	return nil
}

func TestShutdownDeliversFinalStateToSinks(t *testing.T) {
	t.Parallel()

	broker := &brokerStub{}
	cfg := mqtt.DefaultConfig()
	cfg.Topic = "bridge"
	sink := mqtt.NewSink(broker, cfg, nil, 0)

	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()
	services, sctx := errgroup.WithContext(svcCtx)
	services.Go(func() error { return sink.Run(sctx) })

	sink.StateChanged(bridge.Streaming)
	require.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.retained["bridge/state"] != nil
	}, 2*time.Second, time.Millisecond)

	log := logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, time.UTC)
	err := shutdown(&stoppingOrchestrator{sink: sink}, services, stopServices, log, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "stopped", broker.retainedState(t))
	assert.False(t, broker.IsConnected())
}
