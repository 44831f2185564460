package pcm

import (
	"bytes"
	"sync"
	"time"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// Memory is an in-process endpoint. Capture data is fed with Feed and
// scripted failures with FailReads; playback data accumulates in Written.
type Memory struct {
	mu       sync.Mutex
	cfg      Config
	ready    bool
	closed   bool
	pending  bytes.Buffer
	written  bytes.Buffer
	readErrs []error
	prepares int
	reads    int
	notify   chan struct{}
}

// NewMemory creates a ready in-memory endpoint.
func NewMemory(cfg Config) *Memory {
	if cfg.Channels == 0 {
		cfg.Channels = Channels
	}
	return &Memory{
		cfg:    cfg,
		ready:  true,
		notify: make(chan struct{}, 1),
	}
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Feed queues capture bytes.
func (m *Memory) Feed(p []byte) {
	m.mu.Lock()
	m.pending.Write(p)
	m.mu.Unlock()
	m.signal()
}

// FailReads queues errors returned by the next reads, in order.
func (m *Memory) FailReads(errs ...error) {
	m.mu.Lock()
	m.readErrs = append(m.readErrs, errs...)
	m.mu.Unlock()
	m.signal()
}

// SetReady overrides readiness.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
}

// Config returns the configuration the endpoint was opened with.
func (m *Memory) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Written returns a copy of every byte written so far.
func (m *Memory) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.written.Bytes())
}

// Pending returns the number of capture bytes not yet read.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// Prepares returns how many times Prepare was called.
func (m *Memory) Prepares() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepares
}

// Reads returns how many times Read was called.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready && !m.closed
}

// Wait returns true when data or a scripted error is queued.
func (m *Memory) Wait(timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		closed := m.closed
		ready := len(m.readErrs) > 0 || m.pending.Len() > 0
		m.mu.Unlock()

		if closed {
			return false, ErrClosed
		}
		if ready {
			return true, nil
		}

		select {
		case <-m.notify:
		case <-deadline.C:
			return false, nil
		}
	}
}

func (m *Memory) Read(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.closed {
		return ErrClosed
	}
	if len(m.readErrs) > 0 {
		err := m.readErrs[0]
		m.readErrs = m.readErrs[1:]
		return err
	}
	if m.pending.Len() < len(p) {
		return ErrNoData
	}
	_, _ = m.pending.Read(p)
	return nil
}

func (m *Memory) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.written.Write(p)
	return nil
}

func (m *Memory) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepares++
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) FramesToBytes(frames int) int {
	return framesToBytes(frames, m.cfg.Channels)
}

// MemoryOpener hands out Memory endpoints. The first FailOpens opens fail;
// a negative value fails every open.
type MemoryOpener struct {
	mu        sync.Mutex
	FailOpens int
	opens     int
	endpoints map[Direction]*Memory
	configs   []Config
}

// NewMemoryOpener creates an opener whose opens fail failOpens times first.
func NewMemoryOpener(failOpens int) *MemoryOpener {
	return &MemoryOpener{
		FailOpens: failOpens,
		endpoints: make(map[Direction]*Memory),
	}
}

// Endpoint returns the endpoint for dir, creating it if needed. Tests use it
// to feed data before the loop opens it.
func (o *MemoryOpener) Endpoint(dir Direction) *Memory {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpointLocked(dir, Config{})
}

func (o *MemoryOpener) endpointLocked(dir Direction, cfg Config) *Memory {
	ep, ok := o.endpoints[dir]
	if !ok {
		ep = NewMemory(cfg)
		o.endpoints[dir] = ep
	}
	return ep
}

// Opens returns the number of Open calls.
func (o *MemoryOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Configs returns the configurations passed to Open, in order.
func (o *MemoryOpener) Configs() []Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Config, len(o.configs))
	copy(out, o.configs)
	return out
}

func (o *MemoryOpener) Open(card, device int, dir Direction, cfg Config) (Endpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens++
	o.configs = append(o.configs, cfg)
	if o.FailOpens != 0 {
		if o.FailOpens > 0 {
			o.FailOpens--
		}
		return nil, errors.Newf("cannot open pcm %d,%d", card, device).
			Component("pcm").
			Category(errors.CategoryAudioSource).
			DeviceContext(card, device).
			Context("direction", dir.String()).
			Build()
	}

	ep := o.endpointLocked(dir, cfg)
	ep.mu.Lock()
	ep.cfg = cfg
	if ep.cfg.Channels == 0 {
		ep.cfg.Channels = Channels
	}
	ep.closed = false
	ep.mu.Unlock()
	return ep, nil
}
