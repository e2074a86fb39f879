// Package scheduler runs periodic background jobs: content source syncs and
// the orphan purge.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/packhub/packhub/internal/logging"
)

// job is one periodic task. The running flag makes the job non-reentrant:
// a tick arriving while the previous run is still in flight is skipped and
// logged, never queued.
type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	running  atomic.Bool
}

// Scheduler ticks each registered job on its own interval. Different jobs
// run independently and concurrently; the same job never overlaps itself.
type Scheduler struct {
	jobs []*job
	log  logging.Logger
}

func New(log logging.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		s.log.Warn(context.Background(), "job disabled, non-positive interval", "job", name)
		return
	}
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Run blocks until the context is canceled, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.runJob(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.log.Info(ctx, "job scheduled", "job", j.name, "interval", j.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !j.running.CompareAndSwap(false, true) {
				s.log.Warn(ctx, "previous run still in flight, skipping tick", "job", j.name)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer j.running.Store(false)
				start := time.Now()
				if err := j.fn(ctx); err != nil {
					s.log.Error(ctx, "job run failed", "job", j.name, "error", err)
					return
				}
				s.log.Info(ctx, "job run finished", "job", j.name, "duration", time.Since(start))
			}()
		}
	}
}
