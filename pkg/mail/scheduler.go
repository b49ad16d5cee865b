/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mail

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/metrics"
)

// DefaultSchedulerInterval is the period between timer triggered cycles.
const DefaultSchedulerInterval = 5 * time.Minute

// CycleRunner runs one dispatch cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (CycleSummary, error)
}

// SchedulerStatus is a snapshot of the scheduler for the admin status endpoint.
type SchedulerStatus struct {
	Running     bool          `json:"running"`
	InFlight    bool          `json:"inFlight"`
	Interval    string        `json:"interval"`
	LastRunAt   *time.Time    `json:"lastRunAt,omitempty"`
	LastSummary *CycleSummary `json:"lastSummary,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

// Scheduler is the timer based trigger. It runs a cycle when started and then
// once per interval. Ticks that arrive while its own cycle is still running are
// dropped. Other triggers are not coordinated with it.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	log      *zap.SugaredLogger

	started  atomic.Bool
	inFlight atomic.Bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu        sync.RWMutex
	lastRunAt time.Time
	last      *CycleSummary
	lastErr   error
}

// NewScheduler creates a scheduler. A non-positive interval selects DefaultSchedulerInterval.
func NewScheduler(runner CycleRunner, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		log:      log.Named("scheduler"),
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Infow("Dispatch scheduler started", "interval", s.interval.String())
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Dispatch scheduler shutting down")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug("Previous scheduled cycle still running, skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	metrics.DispatchTriggers.WithLabelValues("scheduler").Inc()
	summary, err := s.runSafely(ctx)

	s.mu.Lock()
	s.lastRunAt = summary.StartedAt
	s.last = &summary
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.log.Errorw("Scheduled dispatch cycle failed", "error", err)
	}
}

func (s *Scheduler) runSafely(ctx context.Context) (summary CycleSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("panic in dispatch cycle recovered", "panic", r)
			err = fmt.Errorf("dispatch cycle panicked: %v", r)
		}
	}()
	summary, err = s.runner.RunCycle(ctx)
	if summary.StartedAt.IsZero() {
		summary.StartedAt = time.Now()
	}
	return summary, err
}

// Stop cancels the loop and waits for the running cycle, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.Load() || s.cancel == nil {
		return nil
	}
	s.log.Info("Stopping dispatch scheduler")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.started.Store(false)
		s.log.Info("Dispatch scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.log.Warnw("Dispatch scheduler shutdown timeout, cycle still running")
		return ctx.Err()
	}
}

// LastSummary returns the result of the most recent scheduled cycle.
func (s *Scheduler) LastSummary() (CycleSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return CycleSummary{}, false
	}
	return *s.last, true
}

// Status returns a snapshot for reporting.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SchedulerStatus{
		Running:  s.started.Load(),
		InFlight: s.inFlight.Load(),
		Interval: s.interval.String(),
	}
	if s.last != nil {
		last := *s.last
		at := s.lastRunAt
		st.LastSummary = &last
		st.LastRunAt = &at
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
