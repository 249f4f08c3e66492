//go:build linux

package threadbench

import "golang.org/x/sys/unix"

// osThreadID returns the kernel id of the OS thread running the caller.
// It is only stable for goroutines locked with runtime.LockOSThread.
func osThreadID() int {
	return unix.Gettid()
}
