//go:build windows

package bridge

import "golang.org/x/sys/windows"

func currentThreadID() (int64, bool) {
	return int64(windows.GetCurrentThreadId()), true
}
