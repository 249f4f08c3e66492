//go:build !linux

package threadbench

func osThreadID() int {
	return -1
}
