//go:build linux

package sched

import "golang.org/x/sys/unix"

func promote() (int, error) {
	tid := unix.Gettid()
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, AudioNice); err != nil {
		return tid, err
	}
	return tid, nil
}
