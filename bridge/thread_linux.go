//go:build linux

package bridge

import "golang.org/x/sys/unix"

func currentThreadID() (int64, bool) {
	return int64(unix.Gettid()), true
}
