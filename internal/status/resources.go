package status

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"hermesgw/logger"
)

// resourceSnapshot is one sample of host and gateway process usage.
type resourceSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPct      float64   `json:"memory_percent"`
	ProcessRSS     uint64    `json:"process_rss"`
	ProcessThreads int32     `json:"process_threads"`
	Goroutines     int       `json:"goroutines"`
}

type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSnapshot
	limit    int
	interval time.Duration

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn  = mem.VirtualMemoryWithContext
	processStatsFn = sampleProcess
)

func sampleProcess(ctx context.Context) (rss uint64, threads int32, err error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, 0, err
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	threads, err = proc.NumThreadsWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return info.RSS, threads, nil
}

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{limit: limit, interval: interval, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) append(snapshot resourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, snapshot)
	if len(s.items) > s.limit {
		s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
	}
}

// run samples back to back. cpu.Percent blocks for the interval, which paces
// the loop.
func (s *resourceSampler) run(ctx context.Context) {
	log := s.log.WithComponent("resource_sampler")
	for ctx.Err() == nil {
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			log.WithError(err).Debug("failed to sample cpu usage")
			if !sleepCtx(ctx, s.interval) {
				return
			}
			continue
		}

		snap := resourceSnapshot{
			Timestamp:  time.Now(),
			CPUPercent: firstSample(cpuSamples),
			Goroutines: runtime.NumGoroutine(),
		}
		if vm, err := memoryStatsFn(ctx); err == nil {
			snap.MemoryPct = vm.UsedPercent
		} else {
			log.WithError(err).Debug("failed to sample memory usage")
		}
		if rss, threads, err := processStatsFn(ctx); err == nil {
			snap.ProcessRSS = rss
			snap.ProcessThreads = threads
		} else {
			log.WithError(err).Debug("failed to sample process usage")
		}

		s.append(snap)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
