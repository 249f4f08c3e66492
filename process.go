package threadbench

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/process"
)

// ProcessThreads returns the number of OS threads the current process owns.
// It counts every thread, including the Go runtime's own.
func ProcessThreads() (int32, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, fmt.Errorf("inspect process: %w", err)
	}
	n, err := p.NumThreads()
	if err != nil {
		return 0, fmt.Errorf("count threads: %w", err)
	}
	return n, nil
}
