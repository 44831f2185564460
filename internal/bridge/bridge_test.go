package bridge

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPeriod = 240

func testTimings() Timings {
	return Timings{
		OpenRetries:       5,
		OpenRetryInterval: 2 * time.Millisecond,
		ReadyTimeout:      5 * time.Millisecond,
		NoDataSleep:       time.Millisecond,
		Preroll:           time.Millisecond,
		PrerollPoll:       time.Millisecond,
		IdleThreshold:     100 * time.Millisecond,
		IdleSleep:         time.Millisecond,
		StatsEvery:        10,
		MirrorIdleSleep:   time.Millisecond,
		TeardownWait:      50 * time.Millisecond,
		RestartDelay:      time.Millisecond,
	}
}

func speakerParams() Params {
	return Params{
		Card:         1,
		BufferFrames: 4800,
		PeriodFrames: testPeriod,
		Engine:       engine.LowLatency,
		SampleRate:   48000,
		Directions:   DirectionSpeaker,
	}
}

// event is one recorded notification.
type event struct {
	kind  string
	state StreamState
	msg   string
	stats [3]int
}

// recordingSink keeps every notification in order.
type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingSink) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) StateChanged(s StreamState) { r.add(event{kind: "state", state: s}) }
func (r *recordingSink) Stats(rate, period, buffer int) {
	r.add(event{kind: "stats", stats: [3]int{rate, period, buffer}})
}
func (r *recordingSink) Error(msg string)    { r.add(event{kind: "error", msg: msg}) }
func (r *recordingSink) OutputDisconnected() { r.add(event{kind: "disconnect"}) }
func (r *recordingSink) ThreadStarted(int)   { r.add(event{kind: "thread"}) }
func (r *recordingSink) Log(msg string)      { r.add(event{kind: "log", msg: msg}) }

func (r *recordingSink) states() []StreamState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StreamState
	for _, e := range r.events {
		if e.kind == "state" {
			out = append(out, e.state)
		}
	}
	return out
}

func (r *recordingSink) errorMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.kind == "error" {
			out = append(out, e.msg)
		}
	}
	return out
}

func (r *recordingSink) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingSink) lastStats() ([3]int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].kind == "stats" {
			return r.events[i].stats, true
		}
	}
	return [3]int{}, false
}

func (r *recordingSink) hasState(s StreamState) bool {
	return slices.Contains(r.states(), s)
}

// fakeOutput is an instant output engine.
type fakeOutput struct {
	openErr    error
	burst      int
	closeGate  chan struct{} // Close blocks until closed, when set
	mu         sync.Mutex
	written    bytes.Buffer
	sizes      []int
	started    bool
	closeCalls int
}

func (o *fakeOutput) Open(int, int) error { return o.openErr }
func (o *fakeOutput) Start() error {
	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
	return nil
}
func (o *fakeOutput) Write(p []byte) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.written.Write(p)
	o.sizes = append(o.sizes, len(p))
	return len(p)
}
func (o *fakeOutput) Stop() error { return nil }
func (o *fakeOutput) Close() error {
	if o.closeGate != nil {
		<-o.closeGate
	}
	o.mu.Lock()
	o.closeCalls++
	o.mu.Unlock()
	return nil
}
func (o *fakeOutput) BurstFrames() int { return o.burst }

func (o *fakeOutput) bytesWritten() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Clone(o.written.Bytes())
}

// lateBurstOutput reports its burst only once known is set.
type lateBurstOutput struct {
	fakeOutput
	known atomic.Int32
}

func (o *lateBurstOutput) BurstFrames() int { return int(o.known.Load()) }

// disconnectingOutput reports a revoked device once gone is set.
type disconnectingOutput struct {
	fakeOutput
	gone atomic.Bool
}

func (o *disconnectingOutput) Disconnected() bool { return o.gone.Load() }

// fakeInput produces a constant mic signal.
type fakeInput struct {
	preset atomic.Int32
	value  byte
}

func (in *fakeInput) Open(int, int) error { return nil }
func (in *fakeInput) Start() error        { return nil }
func (in *fakeInput) Read(p []byte) int {
	time.Sleep(time.Millisecond)
	for i := range p {
		p[i] = in.value
	}
	return len(p)
}
func (in *fakeInput) Stop() error               { return nil }
func (in *fakeInput) Close() error              { return nil }
func (in *fakeInput) SetInputPreset(preset int) { in.preset.Store(int32(preset)) }

// fakeFactory hands out outputs from newOutput, or fresh fakeOutputs.
type fakeFactory struct {
	mu        sync.Mutex
	newOutput func() engine.Output
	outputs   int
	input     *fakeInput
}

func (f *fakeFactory) NewOutput(v engine.Variant) (engine.Output, error) {
	if !v.Valid() {
		return nil, errors.Newf("bad variant").Category(errors.CategoryValidation).Build()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs++
	if f.newOutput != nil {
		return f.newOutput(), nil
	}
	return &fakeOutput{}, nil
}

func (f *fakeFactory) NewInput() (engine.Input, error) {
	if f.input == nil {
		f.input = &fakeInput{value: 0x11}
	}
	return f.input, nil
}

func (f *fakeFactory) outputCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs
}

type harness struct {
	orch    *Orchestrator
	sink    *recordingSink
	opener  *pcm.MemoryOpener
	factory *fakeFactory
}

func newHarness(t *testing.T, failOpens int, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sink:    &recordingSink{},
		opener:  pcm.NewMemoryOpener(failOpens),
		factory: &fakeFactory{},
	}
	o := Options{
		Opener:  h.opener,
		Engines: h.factory,
		Sink:    h.sink,
		Logger:  logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, time.UTC),
		Timings: testTimings(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	orch, err := New(o)
	require.NoError(t, err)
	h.orch = orch

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
	})
	return h
}

func (h *harness) waitStopped(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.WaitStopped(ctx))
}

func (h *harness) waitState(t *testing.T, s StreamState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sink.hasState(s) },
		3*time.Second, time.Millisecond, "waiting for %s", s)
}

func period(value byte) []byte {
	return bytes.Repeat([]byte{value}, testPeriod*pcm.BytesPerFrame)
}

// feedUntil feeds a period every interval until stop is closed.
func feedUntil(ep *pcm.Memory, interval time.Duration, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ep.Feed(period(0x22))
			}
		}
	}()
	return done
}

func TestOpenRetriesUntilEndpointReady(t *testing.T) {
	t.Parallel()

	const failures = 3
	h := newHarness(t, failures)
	require.NoError(t, h.orch.Start(speakerParams()))

	h.waitState(t, Waiting)
	assert.Equal(t, failures+1, h.opener.Opens(), "waiting only after the successful attempt")

	h.orch.Stop()
	h.waitStopped(t)

	assert.Equal(t, []StreamState{Connecting, Waiting, Stopped}, h.sink.states())
	assert.Empty(t, h.sink.errorMessages())
}

func TestOpenRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1)
	require.NoError(t, h.orch.Start(speakerParams()))
	h.waitStopped(t)

	assert.Equal(t, testTimings().OpenRetries, h.opener.Opens())
	assert.Equal(t, []string{"Capture Open Failed"}, h.sink.errorMessages())
	assert.Equal(t, []StreamState{Connecting, Stopped}, h.sink.states())
	assert.False(t, h.orch.Running())
	assert.True(t, h.orch.Finished())
}

func TestPeriodCandidatesWithoutHint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1, func(o *Options) { o.Timings.OpenRetries = 1 })
	p := speakerParams()
	p.PeriodFrames = 0
	p.SampleRate = 0
	require.NoError(t, h.orch.Start(p))
	h.waitStopped(t)

	var periods []int
	for _, cfg := range h.opener.Configs() {
		periods = append(periods, cfg.PeriodSize)
		assert.Equal(t, pcm.DefaultRate, cfg.Rate)
		assert.Equal(t, pcm.PeriodCount, cfg.PeriodCount)
	}
	assert.Equal(t, []int{1024, 480, 240}, periods)
}

func TestReadErrorEscalation(t *testing.T) {
	t.Parallel()

	streak := func(n int) []error {
		errs := make([]error, n)
		for i := range errs {
			errs[i] = pcm.ErrXrun
		}
		return errs
	}

	t.Run("over the limit stops the session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, 0)
		ep := h.opener.Endpoint(pcm.Capture)
		ep.FailReads(streak(ReadErrorLimit + 1)...)

		require.NoError(t, h.orch.Start(speakerParams()))
		h.waitStopped(t)

		assert.Equal(t, []string{"Capture Failed"}, h.sink.errorMessages())
		assert.Equal(t, ReadErrorLimit, ep.Prepares(), "one prepare per tolerated failure")
		assert.True(t, ep.Closed())
		states := h.sink.states()
		assert.Equal(t, Stopped, states[len(states)-1])
	})

	t.Run("success inside the limit resets the streak", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, 0)
		ep := h.opener.Endpoint(pcm.Capture)
		ep.FailReads(streak(ReadErrorLimit - 1)...)
		for range 4 {
			ep.Feed(period(0x01))
		}

		require.NoError(t, h.orch.Start(speakerParams()))
		h.waitState(t, Streaming)

		ep.FailReads(streak(ReadErrorLimit - 1)...)
		ep.Feed(period(0x01))
		require.Eventually(t, func() bool { return ep.Pending() == 0 }, 3*time.Second, time.Millisecond)

		assert.True(t, h.orch.Running())
		assert.Empty(t, h.sink.errorMessages())

		h.orch.Stop()
		h.waitStopped(t)
	})

	t.Run("no data is not an error", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, 0)
		ep := h.opener.Endpoint(pcm.Capture)
		// A partial period reads as ErrNoData until the rest arrives.
		ep.Feed(make([]byte, 10))

		require.NoError(t, h.orch.Start(speakerParams()))
		h.waitState(t, Waiting)
		require.Eventually(t, func() bool { return ep.Reads() > ReadErrorLimit*2 }, 3*time.Second, time.Millisecond)

		assert.True(t, h.orch.Running())
		assert.Zero(t, ep.Prepares())

		h.orch.Stop()
		h.waitStopped(t)
	})
}

func TestIdleAndResumeTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ep := h.opener.Endpoint(pcm.Capture)
	require.NoError(t, h.orch.Start(speakerParams()))

	stop := make(chan struct{})
	fed := feedUntil(ep, 2*time.Millisecond, stop)
	h.waitState(t, Streaming)
	time.Sleep(50 * time.Millisecond)
	close(stop)
	<-fed

	h.waitState(t, Idling)
	// Stay idle well past the threshold: no repeats.
	time.Sleep(3 * testTimings().IdleThreshold)

	stop = make(chan struct{})
	fed = feedUntil(ep, 2*time.Millisecond, stop)
	require.Eventually(t, func() bool {
		return slices.Equal(h.sink.states(), []StreamState{Connecting, Waiting, Streaming, Idling, Streaming})
	}, 3*time.Second, time.Millisecond)

	h.orch.Stop()
	h.waitStopped(t)
	close(stop)
	<-fed

	assert.Equal(t, []StreamState{Connecting, Waiting, Streaming, Idling, Streaming, Stopped}, h.sink.states())
}

func TestStatsReportNegotiatedConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ep := h.opener.Endpoint(pcm.Capture)
	for range 8 {
		ep.Feed(period(0x05))
	}

	p := speakerParams()
	p.BufferFrames = 100
	require.NoError(t, h.orch.Start(p))
	require.Eventually(t, func() bool {
		_, ok := h.sink.lastStats()
		return ok
	}, 3*time.Second, time.Millisecond)

	stats, _ := h.sink.lastStats()
	assert.Equal(t, [3]int{48000, testPeriod, MinBufferFrames}, stats)

	h.orch.Stop()
	h.waitStopped(t)
}

func TestRenderUsesFallbackBurstAndMute(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	h := newHarness(t, 0)
	h.factory.newOutput = func() engine.Output { return out }
	h.orch.SetOutputMuted(true)

	ep := h.opener.Endpoint(pcm.Capture)
	for range 4 {
		ep.Feed(period(0x7f))
	}
	require.NoError(t, h.orch.Start(speakerParams()))
	require.Eventually(t, func() bool { return len(out.bytesWritten()) > 0 }, 3*time.Second, time.Millisecond)

	h.orch.Stop()
	h.waitStopped(t)

	written := out.bytesWritten()
	assert.Zero(t, len(written)%(FallbackBurstFrames*pcm.BytesPerFrame), "writes are whole bursts")
	assert.Equal(t, make([]byte, len(written)), written, "muted output renders silence")
	assert.Equal(t, 1, out.closeCalls)
}

func TestRenderAdoptsBurstReportedLater(t *testing.T) {
	t.Parallel()

	const burst = 96
	out := &lateBurstOutput{}
	h := newHarness(t, 0)
	h.factory.newOutput = func() engine.Output { return out }

	ep := h.opener.Endpoint(pcm.Capture)
	require.NoError(t, h.orch.Start(speakerParams()))
	h.waitState(t, Waiting)

	stop := make(chan struct{})
	fed := feedUntil(ep, time.Millisecond, stop)
	require.Eventually(t, func() bool { return len(out.bytesWritten()) > 0 }, 3*time.Second, time.Millisecond)

	out.known.Store(burst)
	time.Sleep(20 * time.Millisecond)
	before := len(out.bytesWritten())
	require.Eventually(t, func() bool { return len(out.bytesWritten()) > before }, 3*time.Second, time.Millisecond)

	close(stop)
	<-fed
	h.orch.Stop()
	h.waitStopped(t)

	out.mu.Lock()
	sizes := slices.Clone(out.sizes)
	out.mu.Unlock()
	require.NotEmpty(t, sizes)
	assert.Equal(t, FallbackBurstFrames*pcm.BytesPerFrame, sizes[0], "fallback until the engine knows its burst")
	assert.Equal(t, burst*pcm.BytesPerFrame, sizes[len(sizes)-1], "reported burst afterwards")
}

func TestEngineOpenFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.factory.newOutput = func() engine.Output {
		return &fakeOutput{openErr: errors.NewStd("no output device")}
	}

	require.NoError(t, h.orch.Start(speakerParams()))
	h.waitStopped(t)

	assert.Equal(t, []string{"Audio Engine Open Failed"}, h.sink.errorMessages())
	assert.Equal(t, []StreamState{Stopped}, h.sink.states())
	assert.Zero(t, h.opener.Opens(), "capture never started")
	assert.False(t, h.orch.Running())

	h.factory.newOutput = nil
	require.NoError(t, h.orch.Start(speakerParams()), "a failed session does not wedge the next start")
	h.orch.Stop()
	h.waitStopped(t)
}

func TestStartMutualExclusion(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	h := newHarness(t, 0)
	first := true
	h.factory.newOutput = func() engine.Output {
		if first {
			first = false
			return &fakeOutput{closeGate: gate}
		}
		return &fakeOutput{}
	}

	require.NoError(t, h.orch.Start(speakerParams()))
	h.waitState(t, Waiting)
	require.ErrorIs(t, h.orch.Start(speakerParams()), ErrAlreadyRunning)

	h.orch.Stop()
	require.ErrorIs(t, h.orch.Start(speakerParams()), ErrTeardownPending, "teardown is held up in Close")
	assert.False(t, h.orch.Finished())

	release()
	h.waitStopped(t)
	require.NoError(t, h.orch.Start(speakerParams()))

	h.orch.Stop()
	h.waitStopped(t)
	assert.Equal(t, 2, h.factory.outputCount())
}

func TestStartWaitsForTeardownInProgress(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, 0, func(o *Options) { o.Timings.TeardownWait = 2 * time.Second })
	first := true
	h.factory.newOutput = func() engine.Output {
		if first {
			first = false
			return &fakeOutput{closeGate: gate}
		}
		return &fakeOutput{}
	}

	require.NoError(t, h.orch.Start(speakerParams()))
	h.waitState(t, Waiting)
	h.orch.Stop()

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()
	require.NoError(t, h.orch.Start(speakerParams()), "teardown finishes inside the wait")

	h.orch.Stop()
	h.waitStopped(t)
}

func TestOutputDisconnect(t *testing.T) {
	t.Parallel()

	t.Run("stops without auto-restart", func(t *testing.T) {
		t.Parallel()

		out := &disconnectingOutput{}
		h := newHarness(t, 0)
		h.factory.newOutput = func() engine.Output { return out }
		ep := h.opener.Endpoint(pcm.Capture)
		for range 4 {
			ep.Feed(period(0x01))
		}

		require.NoError(t, h.orch.Start(speakerParams()))
		h.waitState(t, Streaming)
		out.gone.Store(true)
		h.waitStopped(t)

		assert.Equal(t, 1, h.sink.count("disconnect"))
		assert.Equal(t, []string{"Output Disconnected"}, h.sink.errorMessages())
		assert.False(t, h.orch.Running())
	})

	t.Run("restarts with the same parameters", func(t *testing.T) {
		t.Parallel()

		var trip atomic.Pointer[disconnectingOutput]
		h := newHarness(t, 0, func(o *Options) { o.AutoRestart = true })
		h.factory.newOutput = func() engine.Output {
			out := &disconnectingOutput{}
			trip.CompareAndSwap(nil, out)
			return out
		}
		ep := h.opener.Endpoint(pcm.Capture)
		for range 4 {
			ep.Feed(period(0x01))
		}

		require.NoError(t, h.orch.Start(speakerParams()))
		firstID := h.orch.SessionID()
		h.waitState(t, Streaming)
		trip.Load().gone.Store(true)

		require.Eventually(t, func() bool {
			return h.orch.SessionID() != firstID && h.orch.Running()
		}, 3*time.Second, time.Millisecond)
		assert.Equal(t, 2, h.factory.outputCount())
		assert.Equal(t, 1, h.sink.count("disconnect"))
	})
}

func TestMicOnlySession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.factory.input = &fakeInput{value: 0x33}
	p := speakerParams()
	p.Directions = DirectionMic
	p.InputPreset = engine.PresetUnprocessed

	require.NoError(t, h.orch.Start(p))
	h.waitState(t, Streaming)

	gadget := h.opener.Endpoint(pcm.Playback)
	require.Eventually(t, func() bool { return len(gadget.Written()) > 0 }, 3*time.Second, time.Millisecond)
	assert.Equal(t, byte(0x33), gadget.Written()[0])
	assert.Equal(t, int32(engine.PresetUnprocessed), h.factory.input.preset.Load())

	h.orch.SetInputMuted(true)
	before := len(gadget.Written())
	require.Eventually(t, func() bool { return len(gadget.Written()) > before+MirrorPeriodFrames*pcm.BytesPerFrame }, 3*time.Second, time.Millisecond)
	written := gadget.Written()
	tail := written[len(written)-pcm.BytesPerFrame:]
	assert.Equal(t, make([]byte, pcm.BytesPerFrame), tail, "muted input mirrors silence")

	h.orch.Stop()
	h.waitStopped(t)

	assert.Equal(t, []StreamState{Streaming, Stopped}, h.sink.states())
	assert.Zero(t, h.factory.outputCount(), "no output engine without the speaker direction")
	assert.True(t, gadget.Closed())
	assert.Equal(t, MirrorPeriodFrames, h.opener.Configs()[0].PeriodSize)
	assert.False(t, h.orch.Running())
}

func TestBothDirections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	p := speakerParams()
	p.Directions = DirectionSpeaker | DirectionMic
	ep := h.opener.Endpoint(pcm.Capture)
	for range 4 {
		ep.Feed(period(0x01))
	}

	require.NoError(t, h.orch.Start(p))
	h.waitState(t, Streaming)
	gadget := h.opener.Endpoint(pcm.Playback)
	require.Eventually(t, func() bool { return len(gadget.Written()) > 0 }, 3*time.Second, time.Millisecond)

	h.orch.Stop()
	h.waitStopped(t)
	assert.True(t, ep.Closed())
	assert.True(t, gadget.Closed())
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	mem := pcm.NewMemoryOpener(0)
	playbackOpens := atomic.Int32{}
	opener := pcm.OpenerFunc(func(card, device int, dir pcm.Direction, cfg pcm.Config) (pcm.Endpoint, error) {
		if dir == pcm.Playback {
			playbackOpens.Add(1)
			return nil, errors.NewStd("playback endpoint busy")
		}
		return mem.Open(card, device, dir, cfg)
	})
	h := newHarness(t, 0, func(o *Options) { o.Opener = opener })
	ep := mem.Endpoint(pcm.Capture)
	for range 4 {
		ep.Feed(period(0x01))
	}

	p := speakerParams()
	p.Directions = DirectionSpeaker | DirectionMic
	require.NoError(t, h.orch.Start(p))
	h.waitState(t, Streaming)
	require.Eventually(t, func() bool { return playbackOpens.Load() == 1 }, 3*time.Second, time.Millisecond)

	assert.True(t, h.orch.Running(), "mirror failures never stop the session")
	assert.Empty(t, h.sink.errorMessages())
	require.Eventually(t, func() bool { return h.sink.count("log") > 0 }, 3*time.Second, time.Millisecond)

	h.orch.Stop()
	h.waitStopped(t)
}

func TestShutdownRejectsStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	require.NoError(t, h.orch.Start(speakerParams()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
	require.ErrorIs(t, h.orch.Start(speakerParams()), ErrShutdown)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Engines: &fakeFactory{}})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestStringers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state StreamState
		want  string
		code  int
	}{
		{Stopped, "stopped", 0},
		{Connecting, "connecting", 1},
		{Waiting, "waiting", 2},
		{Streaming, "streaming", 3},
		{Idling, "idling", 4},
		{StreamState(9), "state(9)", 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
		assert.Equal(t, tt.code, int(tt.state))
	}

	assert.Equal(t, "speaker", DirectionSpeaker.String())
	assert.Equal(t, "speaker+mic", (DirectionSpeaker | DirectionMic).String())
	assert.Equal(t, "none", Directions(0).String())
}

func TestTimingsDefaults(t *testing.T) {
	t.Parallel()

	got := Timings{Preroll: time.Millisecond}.withDefaults()
	want := DefaultTimings()
	want.Preroll = time.Millisecond
	assert.Equal(t, want, got)
}

type countingReporter struct {
	mu       sync.Mutex
	reported []string
}

func (c *countingReporter) ReportError(ee *errors.EnhancedError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reported = append(c.reported, ee.Error())
}

func (c *countingReporter) IsEnabled() bool { return true }

func (c *countingReporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reported)
}

// Not parallel: the telemetry reporter is process wide.
func TestTelemetryReportsOnlyFatalFailures(t *testing.T) {
	rec := &countingReporter{}
	errors.SetTelemetryReporter(rec)
	t.Cleanup(func() { errors.SetTelemetryReporter(nil) })

	t.Run("retried opens", func(t *testing.T) {
		h := newHarness(t, 3)
		require.NoError(t, h.orch.Start(speakerParams()))
		h.waitState(t, Waiting)
		h.orch.Stop()
		h.waitStopped(t)

		assert.Empty(t, h.sink.errorMessages())
		assert.Zero(t, rec.count(), "transient open failures are not reported")
	})

	t.Run("exhausted budget", func(t *testing.T) {
		h := newHarness(t, -1)
		require.NoError(t, h.orch.Start(speakerParams()))
		h.waitStopped(t)

		assert.Equal(t, []string{"Capture Open Failed"}, h.sink.errorMessages())
		assert.Equal(t, 1, rec.count())
	})
}
