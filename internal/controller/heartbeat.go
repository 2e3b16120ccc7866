package controller

import (
	"runtime"
	"syscall"

	"github.com/meetingbots/orchestrator/internal/botdomain"
)

// captureHeartbeatSnapshot samples this worker process's own resource
// usage at heartbeat time. No cpu/mem gauge library appears anywhere
// in the corpus this was built against (see DESIGN.md); runtime's own
// MemStats and getrusage need no external dependency and are the
// standard library's answer to exactly this.
func captureHeartbeatSnapshot() botdomain.HeartbeatSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var usage syscall.Rusage
	cpuSeconds := 0.0
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err == nil {
		cpuSeconds = float64(usage.Utime.Sec+usage.Stime.Sec) + float64(usage.Utime.Usec+usage.Stime.Usec)/1e6
	}

	return botdomain.HeartbeatSnapshot{
		CPUSeconds:  cpuSeconds,
		MemoryBytes: mem.Sys,
	}
}
