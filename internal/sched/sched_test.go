package sched

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromoteReturnsThreadID(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tid, release, _ := Promote()
		defer release()

		// Unprivileged test runs cannot lower niceness, only the id matters.
		if runtime.GOOS == "linux" {
			assert.Positive(t, tid)
		} else {
			assert.Zero(t, tid)
		}
	}()
	<-done
}

func TestBoostedKeepsThreadLocked(t *testing.T) {
	t.Parallel()

	assert.True(t, boosted(1234, nil))
	assert.False(t, boosted(1234, errors.New("permission denied")), "refused change leaves priority alone")
	assert.False(t, boosted(0, nil), "no thread id where unsupported")
}
