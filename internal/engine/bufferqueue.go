package engine

import (
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// queueSlots is the number of buffers that can be in flight.
const queueSlots = 2

// QueuePlayer is a buffer-queue audio player. Enqueued buffers are played in
// order and done is called, on the player's own thread, once per finished
// buffer. The player may keep p until done fires for it.
type QueuePlayer interface {
	Open(rate, channels int, done func()) error
	Enqueue(p []byte) error
	Play() error
	Stop() error
	Close() error
}

// BufferQueueOutput feeds a QueuePlayer from a fixed set of slots. Write
// copies into a free slot and enqueues it, waiting at most WriteTimeout for
// the completion callback to release one.
type BufferQueueOutput struct {
	player QueuePlayer
	slots  [queueSlots][]byte
	next   int
	open   bool

	mu       sync.Mutex
	inFlight int
	ready    chan struct{}
}

// NewBufferQueueOutput wraps a player.
func NewBufferQueueOutput(player QueuePlayer) *BufferQueueOutput {
	return &BufferQueueOutput{
		player: player,
		ready:  make(chan struct{}, 1),
	}
}

func (o *BufferQueueOutput) Open(rate, channels int) error {
	if err := o.player.Open(rate, channels, o.onDone); err != nil {
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioEngine).
			Context("operation", "open_buffer_queue").
			Context("sample_rate", rate).
			Build()
	}
	size := BufferQueueBurstFrames * bytesPerFrame(channels)
	for i := range o.slots {
		o.slots[i] = make([]byte, 0, size)
	}
	o.open = true
	return nil
}

// onDone runs on the player thread.
func (o *BufferQueueOutput) onDone() {
	o.mu.Lock()
	if o.inFlight > 0 {
		o.inFlight--
	}
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *BufferQueueOutput) slotReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight < queueSlots
}

func (o *BufferQueueOutput) Start() error {
	if !o.open {
		return ErrNotOpen
	}
	return o.player.Play()
}

func (o *BufferQueueOutput) Write(p []byte) int {
	if !o.open || len(p) == 0 {
		return 0
	}

	if !o.slotReady() {
		deadline := time.NewTimer(WriteTimeout)
		defer deadline.Stop()
		for !o.slotReady() {
			select {
			case <-o.ready:
			case <-deadline.C:
				return 0
			}
		}
	}

	slot := append(o.slots[o.next][:0], p...)
	o.slots[o.next] = slot

	o.mu.Lock()
	o.inFlight++
	o.mu.Unlock()

	if err := o.player.Enqueue(slot); err != nil {
		o.onDone()
		return 0
	}
	o.next = (o.next + 1) % queueSlots
	return len(p)
}

func (o *BufferQueueOutput) Stop() error {
	if !o.open {
		return nil
	}
	return o.player.Stop()
}

func (o *BufferQueueOutput) Close() error {
	if !o.open {
		return nil
	}
	o.open = false
	return o.player.Close()
}

// BurstFrames is fixed. Queue latency depends on slot depth and cannot be
// measured ahead of time, so treat this as a pacing hint.
func (o *BufferQueueOutput) BurstFrames() int {
	return BufferQueueBurstFrames
}

// malgoQueuePlayer plays enqueued buffers from a malgo device callback.
type malgoQueuePlayer struct {
	stream malgoStream
	done   func()

	mu     sync.Mutex
	queue  [][]byte
	offset int
}

func newMalgoQueuePlayer(log logger.Logger) *malgoQueuePlayer {
	return &malgoQueuePlayer{stream: malgoStream{log: log}}
}

func (p *malgoQueuePlayer) Open(rate, channels int, done func()) error {
	p.done = done
	cfg := playbackConfig(rate, channels, malgo.Conservative)
	cfg.PeriodSizeInFrames = BufferQueueBurstFrames
	return p.stream.init("open_queue_player", cfg, malgo.DeviceCallbacks{
		Data: p.onData,
	})
}

func (p *malgoQueuePlayer) onData(out, _ []byte, _ uint32) {
	finished := 0

	p.mu.Lock()
	written := 0
	for written < len(out) && len(p.queue) > 0 {
		head := p.queue[0]
		n := copy(out[written:], head[p.offset:])
		written += n
		p.offset += n
		if p.offset == len(head) {
			p.queue = p.queue[1:]
			p.offset = 0
			finished++
		}
	}
	p.mu.Unlock()

	clear(out[written:])
	for range finished {
		p.done()
	}
}

func (p *malgoQueuePlayer) Enqueue(buf []byte) error {
	p.mu.Lock()
	p.queue = append(p.queue, buf)
	p.mu.Unlock()
	return nil
}

func (p *malgoQueuePlayer) Play() error {
	return p.stream.start()
}

func (p *malgoQueuePlayer) Stop() error {
	err := p.stream.stop()
	p.mu.Lock()
	pending := len(p.queue)
	p.queue = nil
	p.offset = 0
	p.mu.Unlock()
	for range pending {
		p.done()
	}
	return err
}

func (p *malgoQueuePlayer) Close() error {
	return p.stream.close()
}
