// Package sched pins real-time loops to an OS thread and raises their
// scheduling priority where the platform allows it.
package sched

import "runtime"

// AudioNice is the niceness requested for audio threads.
const AudioNice = -19

// Promote locks the calling goroutine to its OS thread and asks for audio
// priority. It returns the kernel thread id (0 where unsupported) and a
// release function. The release function is valid even when err is set: a
// failed priority change is not fatal, the thread just runs with worse
// latency.
//
// Once the priority was raised release keeps the thread locked, so the
// boosted thread ends with the goroutine instead of returning to the
// scheduler. Otherwise release unlocks it.
func Promote() (tid int, release func(), err error) {
	runtime.LockOSThread()
	tid, err = promote()
	if boosted(tid, err) {
		return tid, func() {}, nil
	}
	return tid, runtime.UnlockOSThread, err
}

// boosted reports whether promote changed the thread's priority.
func boosted(tid int, err error) bool {
	return err == nil && tid > 0
}
