package pcm

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/patrickmn/go-cache"
	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// Device enumeration is cached because the capture loop retries opens every
// second while waiting for the host to enumerate the gadget.
const (
	deviceCacheTTL     = 5 * time.Second
	deviceCacheCleanup = time.Minute
)

// DeviceInfo describes an enumerated PCM device.
type DeviceInfo struct {
	Name    string
	ID      string // decoded backend identifier, "hw:1,0" on ALSA
	Card    int    // -1 when the identifier carries no card number
	Device  int
	Default bool
}

// ALSA opens gadget endpoints through malgo. On Linux this is the ALSA
// backend, elsewhere the platform default backend is used and cards map to
// enumeration order.
type ALSA struct {
	log     logger.Logger
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	devices *cache.Cache
}

// NewALSA creates an opener. The malgo context is created on first use.
func NewALSA(log logger.Logger) *ALSA {
	if log == nil {
		log = logger.Global().Module("pcm")
	}
	return &ALSA{
		log:     log,
		devices: cache.New(deviceCacheTTL, deviceCacheCleanup),
	}
}

// getBackend returns the appropriate backend for the current platform
func getBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

func (a *ALSA) context() (*malgo.AllocatedContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ctx != nil {
		return a.ctx, nil
	}

	ctx, err := malgo.InitContext([]malgo.Backend{getBackend()}, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, func(message string) {
		a.log.Debug("malgo", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, errors.New(err).
			Component("pcm").
			Category(errors.CategoryAudioSource).
			Context("operation", "init_context").
			Context("backend", runtime.GOOS).
			Build()
	}
	a.ctx = ctx
	return ctx, nil
}

func deviceType(dir Direction) malgo.DeviceType {
	if dir == Playback {
		return malgo.Playback
	}
	return malgo.Capture
}

func (a *ALSA) rawDevices(dir Direction) ([]malgo.DeviceInfo, error) {
	if cached, ok := a.devices.Get(dir.String()); ok {
		if infos, ok := cached.([]malgo.DeviceInfo); ok {
			return infos, nil
		}
	}

	ctx, err := a.context()
	if err != nil {
		return nil, err
	}

	infos, err := ctx.Devices(deviceType(dir))
	if err != nil {
		return nil, errors.New(err).
			Component("pcm").
			Category(errors.CategoryAudioSource).
			Context("operation", "enumerate_devices").
			Context("direction", dir.String()).
			Build()
	}

	a.devices.Set(dir.String(), infos, cache.DefaultExpiration)
	return infos, nil
}

// Devices lists the endpoints available in a direction.
func (a *ALSA) Devices(dir Direction) ([]DeviceInfo, error) {
	infos, err := a.rawDevices(dir)
	if err != nil {
		return nil, err
	}

	out := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		out = append(out, describeDevice(&infos[i], i))
	}
	return out, nil
}

func describeDevice(info *malgo.DeviceInfo, index int) DeviceInfo {
	id := decodeDeviceID(info.ID.String())
	card, device, ok := parseHardwareID(id)
	if !ok {
		card, device = -1, index
	}
	return DeviceInfo{
		Name:    info.Name(),
		ID:      id,
		Card:    card,
		Device:  device,
		Default: info.IsDefault == 1,
	}
}

// decodeDeviceID converts malgo's hex encoded identifier to text.
func decodeDeviceID(hexID string) string {
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return hexID
	}
	return strings.TrimRight(string(raw), "\x00")
}

// parseHardwareID extracts card and device from identifiers such as
// "hw:1,0" or ":1,0".
func parseHardwareID(id string) (card, device int, ok bool) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 || !strings.Contains(id[idx:], ",") {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(id[idx+1:], "%d,%d", &card, &device); err != nil {
		return 0, 0, false
	}
	return card, device, true
}

func (a *ALSA) findDevice(card, device int, dir Direction) (malgo.DeviceInfo, error) {
	infos, err := a.rawDevices(dir)
	if err != nil {
		return malgo.DeviceInfo{}, err
	}

	for i := range infos {
		d := describeDevice(&infos[i], i)
		if d.Card == card && d.Device == device {
			return infos[i], nil
		}
	}
	// Non-ALSA backends carry no card numbers, treat card as an index.
	if runtime.GOOS != "linux" && card >= 0 && card < len(infos) {
		return infos[card], nil
	}

	// A missing card may appear once the host enumerates the gadget.
	a.devices.Delete(dir.String())
	return malgo.DeviceInfo{}, errors.Newf("pcm device %d,%d not found", card, device).
		Component("pcm").
		Category(errors.CategoryNotFound).
		DeviceContext(card, device).
		Context("direction", dir.String()).
		Context("available_devices", len(infos)).
		Build()
}

// Open configures and starts the endpoint.
func (a *ALSA) Open(card, device int, dir Direction, cfg Config) (Endpoint, error) {
	if cfg.Channels == 0 {
		cfg.Channels = Channels
	}
	if cfg.PeriodCount == 0 {
		cfg.PeriodCount = PeriodCount
	}
	if cfg.PeriodSize <= 0 {
		return nil, errors.Newf("invalid period size %d", cfg.PeriodSize).
			Component("pcm").
			Category(errors.CategoryValidation).
			Build()
	}

	ctx, err := a.context()
	if err != nil {
		return nil, err
	}

	info, err := a.findDevice(card, device, dir)
	if err != nil {
		return nil, err
	}

	ep := &alsaEndpoint{
		dir:    dir,
		cfg:    cfg,
		ring:   ringbuffer.New(cfg.PeriodBytes() * cfg.PeriodCount),
		notify: make(chan struct{}, 1),
	}

	devCfg := malgo.DefaultDeviceConfig(deviceType(dir))
	sub := &devCfg.Capture
	if dir == Playback {
		sub = &devCfg.Playback
	}
	sub.Format = malgo.FormatS16
	sub.Channels = uint32(cfg.Channels)
	sub.DeviceID = info.ID.Pointer()
	devCfg.SampleRate = uint32(cfg.Rate)
	devCfg.PeriodSizeInFrames = uint32(cfg.PeriodSize)
	devCfg.Periods = uint32(cfg.PeriodCount)
	devCfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: ep.onData,
		Stop: ep.onStop,
	}

	dev, err := malgo.InitDevice(ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, errors.New(err).
			Component("pcm").
			Category(errors.CategoryAudioSource).
			DeviceContext(card, device).
			Context("operation", "init_device").
			Context("period_size", cfg.PeriodSize).
			Build()
	}

	if actual := int(dev.SampleRate()); actual != cfg.Rate {
		dev.Uninit()
		return nil, errors.Newf("device runs at %d Hz, requested %d Hz", actual, cfg.Rate).
			Component("pcm").
			Category(errors.CategoryConfiguration).
			DeviceContext(card, device).
			Build()
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, errors.New(err).
			Component("pcm").
			Category(errors.CategoryAudioSource).
			DeviceContext(card, device).
			Context("operation", "start_device").
			Build()
	}

	ep.device = dev
	ep.started.Store(true)
	return ep, nil
}

// Close releases the malgo context.
func (a *ALSA) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ctx == nil {
		return nil
	}
	err := a.ctx.Uninit()
	a.ctx.Free()
	a.ctx = nil
	return err
}

// alsaEndpoint bridges malgo's callback thread to the blocking endpoint
// contract through a mutex-guarded ring.
type alsaEndpoint struct {
	dir     Direction
	cfg     Config
	device  *malgo.Device
	ring    *ringbuffer.RingBuffer
	notify  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool
	xrun    atomic.Bool
}

func (e *alsaEndpoint) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *alsaEndpoint) onData(out, in []byte, _ uint32) {
	if e.dir == Capture {
		if e.ring.Free() < len(in) {
			e.xrun.Store(true)
		} else {
			_, _ = e.ring.Write(in)
		}
		e.signal()
		return
	}

	n := min(e.ring.Length(), len(out))
	n -= n % BytesPerFrame
	if n > 0 {
		_, _ = e.ring.Read(out[:n])
	}
	clear(out[n:])
	e.signal()
}

func (e *alsaEndpoint) onStop() {
	e.stopped.Store(true)
	e.signal()
}

func (e *alsaEndpoint) IsReady() bool {
	return e.started.Load() && !e.stopped.Load() && !e.closed.Load()
}

func (e *alsaEndpoint) transferable() bool {
	if e.stopped.Load() || e.xrun.Load() {
		return true
	}
	if e.dir == Capture {
		return e.ring.Length() >= e.cfg.PeriodBytes()
	}
	return e.ring.Free() >= e.cfg.PeriodBytes()
}

func (e *alsaEndpoint) Wait(timeout time.Duration) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for !e.transferable() {
		select {
		case <-e.notify:
		case <-deadline.C:
			return false, nil
		}
	}
	return true, nil
}

func (e *alsaEndpoint) Read(p []byte) error {
	switch {
	case e.closed.Load():
		return ErrClosed
	case e.stopped.Load():
		return ErrDisconnected
	case e.xrun.Load():
		return ErrXrun
	case e.ring.Length() < len(p):
		return ErrNoData
	}
	if n, err := e.ring.Read(p); err != nil || n != len(p) {
		return ErrNoData
	}
	return nil
}

func (e *alsaEndpoint) Write(p []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.stopped.Load() {
		return ErrDisconnected
	}

	if e.ring.Free() < len(p) {
		ok, err := e.Wait(e.cfg.PeriodDuration() * time.Duration(e.cfg.PeriodCount))
		if err != nil {
			return err
		}
		if !ok || e.ring.Free() < len(p) {
			return ErrXrun
		}
	}
	if _, err := e.ring.Write(p); err != nil {
		return ErrXrun
	}
	return nil
}

// Prepare drops buffered audio and restarts a stopped device.
func (e *alsaEndpoint) Prepare() error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.ring.Reset()
	e.xrun.Store(false)

	if e.stopped.Load() {
		if err := e.device.Start(); err != nil {
			return errors.New(err).
				Component("pcm").
				Category(errors.CategoryAudioSource).
				Context("operation", "prepare").
				Build()
		}
		e.stopped.Store(false)
	}
	return nil
}

func (e *alsaEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.device.Uninit()
	e.signal()
	return nil
}

func (e *alsaEndpoint) FramesToBytes(frames int) int {
	return framesToBytes(frames, e.cfg.Channels)
}
