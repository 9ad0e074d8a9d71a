package scheduler

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"
)

// PerformanceCounters is a snapshot of a scheduler's activity. It is a plain
// value: copies are independent and == compares componentwise.
type PerformanceCounters struct {
	// TaskExecutionCount counts Execute invocations, whether or not the task
	// completed.
	TaskExecutionCount uint64
	// TimerTickCount counts shared-timer firings that promoted timed work into
	// this scheduler.
	TimerTickCount uint64
	// Uptime is the time since creation, frozen at disposal.
	Uptime time.Duration
	// PausedTime is the accumulated time spent paused, including an ongoing
	// pause.
	PausedTime time.Duration
}

// Add returns the componentwise sum of c and o.
func (c PerformanceCounters) Add(o PerformanceCounters) PerformanceCounters {
	return PerformanceCounters{
		TaskExecutionCount: c.TaskExecutionCount + o.TaskExecutionCount,
		TimerTickCount:     c.TimerTickCount + o.TimerTickCount,
		Uptime:             c.Uptime + o.Uptime,
		PausedTime:         c.PausedTime + o.PausedTime,
	}
}

// Subtract returns the componentwise difference c - o. It is meant for
// subtracting an earlier snapshot of the same scheduler.
func (c PerformanceCounters) Subtract(o PerformanceCounters) PerformanceCounters {
	return PerformanceCounters{
		TaskExecutionCount: c.TaskExecutionCount - o.TaskExecutionCount,
		TimerTickCount:     c.TimerTickCount - o.TimerTickCount,
		Uptime:             c.Uptime - o.Uptime,
		PausedTime:         c.PausedTime - o.PausedTime,
	}
}

// Equal reports componentwise equality.
func (c PerformanceCounters) Equal(o PerformanceCounters) bool { return c == o }

// Hash returns a stable FNV-1a hash; equal counters hash equally.
func (c PerformanceCounters) Hash() uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], c.TaskExecutionCount)
	binary.LittleEndian.PutUint64(buf[8:], c.TimerTickCount)
	binary.LittleEndian.PutUint64(buf[16:], uint64(c.Uptime))
	binary.LittleEndian.PutUint64(buf[24:], uint64(c.PausedTime))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

func (c PerformanceCounters) String() string {
	return fmt.Sprintf("executions=%d timer_ticks=%d uptime=%s paused=%s",
		c.TaskExecutionCount, c.TimerTickCount, c.Uptime, c.PausedTime)
}
