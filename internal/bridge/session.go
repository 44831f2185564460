package bridge

import (
	"sync/atomic"

	"github.com/tphakala/gadgetbridge/internal/engine"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
	"github.com/tphakala/gadgetbridge/internal/sched"
)

// mutes are the host-controlled mute flags. They outlive sessions so a
// mute set before start applies to the next session.
type mutes struct {
	output atomic.Bool
	input  atomic.Bool
}

// session is the context shared by one session's goroutines. Params and
// collaborators are fixed at creation; only the flags change.
type session struct {
	id      string
	params  Params
	timings Timings
	opener  pcm.Opener
	engines engine.Factory
	mutes   *mutes
	notify  *notifier
	log     logger.Logger

	// running is cleared by Stop or by a loop that hit a fatal error.
	running atomic.Bool
	// finished is set once every goroutine of the session has exited.
	finished atomic.Bool
	done     chan struct{}

	// period is the negotiated capture period in frames, 0 until known.
	period atomic.Int64
}

func (s *session) isRunning() bool {
	return s.running.Load()
}

// stop requests cooperative shutdown.
func (s *session) stop() {
	s.running.Store(false)
}

// finish marks the session as torn down. Called exactly once, by the
// session's root goroutine, after all other goroutines joined.
func (s *session) finish() {
	s.running.Store(false)
	s.finished.Store(true)
	close(s.done)
}

// promote pins the calling goroutine to a thread and announces it. The
// returned function must be deferred.
func (s *session) promote(role string) func() {
	tid, release, err := sched.Promote()
	s.notify.threadStarted(role, tid, err)
	return release
}
