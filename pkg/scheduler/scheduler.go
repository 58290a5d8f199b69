// Package scheduler runs one probe loop per monitored target, bounds how
// many probes for a target may be in flight at once, and hands completed
// results to a batching writer.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/vaportrail/internal/metrics"
	"github.com/runZeroInc/vaportrail/pkg/model"
	"github.com/runZeroInc/vaportrail/pkg/probe"
	"github.com/runZeroInc/vaportrail/pkg/store"
)

// maxConcurrentProbes bounds how many outstanding probes a single target
// may have in flight. A slow or hung probe can't accumulate goroutines
// without limit.
const maxConcurrentProbes = 5

// resultChanCapacity is the buffer depth of the channel between probe
// goroutines and the batch writer.
const resultChanCapacity = 1000

// Scheduler tracks one goroutine per monitored target and feeds their
// results to a background batch writer.
type Scheduler struct {
	store   *store.Store
	metrics *metrics.Registry

	mu        sync.RWMutex
	cancelFns map[int64]context.CancelFunc

	results chan model.RawResult

	writerDone chan struct{}
}

// New creates a Scheduler backed by s. Call Start to seed it with the
// store's existing targets and begin the batch writer.
func New(s *store.Store) *Scheduler {
	return &Scheduler{
		store:      s,
		cancelFns:  make(map[int64]context.CancelFunc),
		results:    make(chan model.RawResult, resultChanCapacity),
		writerDone: make(chan struct{}),
	}
}

// SetMetrics attaches a metrics registry that AddTarget/runProbeLoop report
// probe latency, errors, and skipped ticks to. Safe to skip in tests.
func (s *Scheduler) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// Start loads every target from the store, launches a probe loop for
// each, and starts the batch writer. ctx governs the writer and every
// per-target loop; cancelling it stops everything.
func (s *Scheduler) Start(ctx context.Context) error {
	targets, err := s.store.GetTargets()
	if err != nil {
		return err
	}

	logrus.Infof("scheduler: starting with %d targets", len(targets))

	go s.runBatchWriter(ctx)

	for _, target := range targets {
		s.AddTarget(ctx, target)
	}
	return nil
}

// AddTarget begins probing target on its own goroutine. A target already
// being tracked is left untouched.
func (s *Scheduler) AddTarget(ctx context.Context, target model.Target) {
	s.mu.Lock()
	if _, exists := s.cancelFns[target.ID]; exists {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelFns[target.ID] = cancel
	s.mu.Unlock()

	logrus.WithField("target", target.Name).Info("scheduler: adding target")

	go func() {
		s.runProbeLoop(loopCtx, target)
		// RemoveTarget deregisters the loops it stops, and the id may have
		// been re-added since; clean up only when the parent context ended
		// the loop.
		if ctx.Err() != nil {
			s.mu.Lock()
			delete(s.cancelFns, target.ID)
			s.mu.Unlock()
		}
	}()
}

// RemoveTarget stops the target's probe loop. Probes already in flight
// run to completion and may still enqueue a result.
func (s *Scheduler) RemoveTarget(id int64) {
	s.mu.Lock()
	cancel, ok := s.cancelFns[id]
	delete(s.cancelFns, id)
	s.mu.Unlock()

	if ok {
		cancel()
		logrus.WithField("target_id", id).Info("scheduler: removed target")
	}
}

// Wait blocks until the batch writer has exited, which happens once its
// context is canceled and any buffered results are flushed. Callers
// should cancel the context passed to Start/AddTarget before calling
// Wait so the writer actually stops.
func (s *Scheduler) Wait() {
	<-s.writerDone
}

func (s *Scheduler) runProbeLoop(ctx context.Context, target model.Target) {
	target.Normalize()

	ticker := time.NewTicker(target.Interval())
	defer ticker.Stop()

	gate := make(chan struct{}, maxConcurrentProbes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case gate <- struct{}{}:
			default:
				logrus.WithField("target", target.Name).Warn("scheduler: skipping probe due to overlap limit")
				if s.metrics != nil {
					s.metrics.ProbeSkipsTotal.WithLabelValues(target.Name).Inc()
				}
				continue
			}

			go func() {
				defer func() { <-gate }()
				s.runOneProbe(ctx, target)
			}()
		}
	}
}

func (s *Scheduler) runOneProbe(ctx context.Context, target model.Target) {
	startTime := time.Now().UTC()
	latency, err := probe.Run(ctx, target.ProbeType, target.Address, target.Timeout())

	var result model.RawResult
	switch {
	case err == nil:
		result = model.RawResult{Time: startTime, TargetID: target.ID, LatencyNS: latency}
		if s.metrics != nil {
			s.metrics.ProbeLatencySeconds.WithLabelValues(target.Name, target.ProbeType).Observe(latency / float64(time.Second))
		}
	case probe.IsTimeout(err):
		result = model.RawResult{Time: startTime, TargetID: target.ID, LatencyNS: model.TimeoutLatencyNS}
		if s.metrics != nil {
			s.metrics.ProbeErrorsTotal.WithLabelValues(target.Name, target.ProbeType, "timeout").Inc()
		}
	default:
		logrus.WithError(err).WithField("target", target.Name).Error("scheduler: probe failed")
		if s.metrics != nil {
			s.metrics.ProbeErrorsTotal.WithLabelValues(target.Name, target.ProbeType, probeErrorKind(err)).Inc()
		}
		return
	}

	s.results <- result
}

// probeErrorKind recovers the probe.Kind label from err, falling back to
// "unknown" for errors that don't carry one (context cancellation, etc.).
func probeErrorKind(err error) string {
	var pe *probe.Error
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	return "unknown"
}
