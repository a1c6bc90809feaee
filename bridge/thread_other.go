//go:build !linux && !windows

package bridge

import (
	"bytes"
	"runtime"
	"strconv"
)

// No portable OS thread id here. The bridge goroutine stays locked to its
// thread, so the goroutine id identifies the thread just as well.
func currentThreadID() (int64, bool) {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	line := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(line, ' '); i > 0 {
		if id, err := strconv.ParseInt(string(line[:i]), 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}
