// Package limits carries the broker's one ambient resource concern: periodic
// CPU/memory sampling for observability. Admission is governed solely by the
// hard max_tcp_clients cap enforced by the acceptor's semaphore (spec.md §1
// Non-goals: "flow control signaling beyond connection refusal at a hard
// client-count cap") — there is no CPU- or memory-based admission brake here.
//
// Adapted from the teacher's ResourceGuard (internal/single/core/... via
// internal/shared), trimmed to drop its Kafka/broadcast rate limiters,
// goroutine limiter, and CPU/memory admission brakes — none of which this
// broker's scope calls for — while keeping its periodic gopsutil-backed
// sampling loop.
package limits

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
}

// ResourceSampler periodically reads system-wide CPU usage and the process's
// Go heap allocation and goroutine count, and hands
// the result to an observer callback (typically wired to Prometheus gauges
// and a structured log line). It never rejects or throttles anything.
type ResourceSampler struct {
	logger zerolog.Logger
}

// NewResourceSampler creates a ResourceSampler.
func NewResourceSampler(logger zerolog.Logger) *ResourceSampler {
	return &ResourceSampler{logger: logger}
}

// Sample takes one reading immediately.
func (s *ResourceSampler) Sample() Sample {
	cpuPercent := 0.0
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Sample{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}

// Start runs Sample on every tick of interval, invoking observe with each
// reading, until ctx is cancelled.
func (s *ResourceSampler) Start(ctx context.Context, interval time.Duration, observe func(Sample)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sample := s.Sample()
				s.logger.Debug().
					Float64("cpu_percent", sample.CPUPercent).
					Uint64("memory_bytes", sample.MemoryBytes).
					Int("goroutines", sample.Goroutines).
					Msg("resource sample")
				if observe != nil {
					observe(sample)
				}
			case <-ctx.Done():
				s.logger.Info().Msg("resource sampler stopped")
				return
			}
		}
	}()
}
