package health

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the running conductor process.
type ProcessStats struct {
	PID               int32     `json:"pid"`
	StartedAt         time.Time `json:"startedAt"`
	RSSBytes          uint64    `json:"rssBytes"`
	CPUPercent        float64   `json:"cpuPercent"`
	Threads           int32     `json:"threads"`
	Goroutines        int       `json:"goroutines"`
	HostMemoryPercent float64   `json:"hostMemoryPercent"`
}

// Process samples the current process. Fields that cannot be read on this
// platform are left zero; only a failure to open the process is an error.
func Process(ctx context.Context) (ProcessStats, error) {
	pid := int32(os.Getpid())
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("health: open process: %w", err)
	}
	st := ProcessStats{PID: pid, Goroutines: runtime.NumGoroutine()}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		st.StartedAt = time.UnixMilli(ms)
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		st.RSSBytes = mi.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.Threads = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.HostMemoryPercent = vm.UsedPercent
	}
	return st, nil
}
