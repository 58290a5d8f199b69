// Package rollup cascades raw probe results through a target's configured
// retention windows, summarizing each completed window in a compact
// t-digest sketch once it has fully elapsed. Raw rows are left in place;
// the retention manager deletes them.
package rollup

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/vaportrail/internal/metrics"
	"github.com/runZeroInc/vaportrail/pkg/model"
	"github.com/runZeroInc/vaportrail/pkg/store"
	"github.com/runZeroInc/vaportrail/pkg/tdigest"
)

// interval is how often the manager sweeps every target's windows.
const interval = 10 * time.Second

// safetyMarginSecs is added to a target's timeout when computing the
// cutoff beyond which a window is not yet considered fully elapsed; it
// covers in-flight probes plus batch-writer commit latency.
const safetyMarginSecs = 3

// subsampleLimit caps how many synthetic points are drawn from a
// sub-window's sketch when its exact samples are unavailable: only the
// sketch's summary statistics survive, so the parent digest is fed an
// approximation rather than the original population.
const subsampleLimit = 10

// Manager runs the cascading rollup sweep across every target.
type Manager struct {
	store   *store.Store
	metrics *metrics.Registry
}

// New returns a Manager backed by s.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// SetMetrics attaches a metrics registry that processAll reports sweep
// duration and rows-written counts to. Safe to skip in tests.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// Run blocks, sweeping every target's rollup windows every interval,
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.processAll()
		}
	}
}

func (m *Manager) processAll() {
	start := time.Now()
	if m.metrics != nil {
		defer func() {
			m.metrics.RollupDurationSeconds.Observe(time.Since(start).Seconds())
		}()
	}

	targets, err := m.store.GetTargets()
	if err != nil {
		logrus.WithError(err).Error("rollup: failed to list targets")
		return
	}

	for _, target := range targets {
		if len(target.RetentionPolicies) == 0 {
			continue
		}

		policies := append([]model.RetentionPolicy(nil), target.RetentionPolicies...)
		if err := model.ValidateRetentionPolicies(policies); err != nil {
			logrus.WithError(err).WithField("target", target.Name).Warn("rollup: invalid retention policies, skipping")
			continue
		}

		var sourceWindow int32
		for _, policy := range policies {
			if policy.WindowSeconds == 0 {
				sourceWindow = 0
				continue
			}
			m.processTargetWindow(target, policy.WindowSeconds, sourceWindow)
			sourceWindow = policy.WindowSeconds
		}
	}
}

// processTargetWindow advances one (target, window) tier as far as the
// safety cutoff allows, resuming from the last rollup it wrote (or the
// truncated earliest raw sample, on a target's first rollup for this
// window).
func (m *Manager) processTargetWindow(target model.Target, windowSeconds, sourceWindow int32) {
	lastTime, hasLast, err := m.store.LastRollupTime(target.ID, windowSeconds)
	if err != nil {
		logrus.WithError(err).WithField("target", target.Name).Error("rollup: failed to get last rollup time")
		return
	}

	var nextWindowStart time.Time
	if hasLast {
		nextWindowStart = lastTime.Add(time.Duration(windowSeconds) * time.Second)
	} else {
		earliest, hasEarliest, err := m.store.EarliestRawResultTime(target.ID)
		if err != nil {
			logrus.WithError(err).WithField("target", target.Name).Error("rollup: failed to get earliest raw time")
			return
		}
		if !hasEarliest {
			return
		}
		nextWindowStart = truncateToWindow(earliest, windowSeconds)
	}

	cutoff := time.Now().Add(-time.Duration(target.TimeoutSecs*float64(time.Second)) - safetyMarginSecs*time.Second)

	var results []model.AggregatedResult
	for {
		windowEnd := nextWindowStart.Add(time.Duration(windowSeconds) * time.Second)
		if windowEnd.After(cutoff) {
			break
		}

		if agg, ok := m.aggregateWindow(target, windowSeconds, sourceWindow, nextWindowStart, windowEnd); ok {
			results = append(results, agg)
		}
		nextWindowStart = windowEnd
	}

	if len(results) == 0 {
		return
	}
	if err := m.store.AddAggregatedResults(results); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"target": target.Name, "window_seconds": windowSeconds}).
			Error("rollup: failed to save batch")
		return
	}
	if m.metrics != nil {
		m.metrics.RollupRowsTotal.WithLabelValues(target.Name, strconv.Itoa(int(windowSeconds))).Add(float64(len(results)))
	}
	logrus.WithFields(logrus.Fields{"target": target.Name, "window_seconds": windowSeconds, "count": len(results)}).
		Debug("rollup: saved rollups")
}

func (m *Manager) aggregateWindow(target model.Target, windowSeconds, sourceWindow int32, start, end time.Time) (model.AggregatedResult, bool) {
	td := tdigest.New()
	var timeoutCount int64
	var rowsProcessed int

	if sourceWindow == 0 {
		raws, err := m.store.GetRawResults(target.ID, start, end, int(^uint32(0)>>1))
		if err != nil {
			logrus.WithError(err).WithField("target", target.Name).Error("rollup: failed to fetch raw results")
			return model.AggregatedResult{}, false
		}
		rowsProcessed = len(raws)
		if len(raws) == 0 {
			return emptyRollup(target.ID, windowSeconds, start), true
		}
		for _, r := range raws {
			if r.IsTimeout() {
				timeoutCount++
				continue
			}
			td.Add(r.LatencyNS)
		}
	} else {
		subResults, err := m.store.GetAggregatedResults(target.ID, sourceWindow, start, end)
		if err != nil {
			logrus.WithError(err).WithField("target", target.Name).Error("rollup: failed to fetch aggregated results")
			return model.AggregatedResult{}, false
		}
		rowsProcessed = len(subResults)
		if len(subResults) == 0 {
			return emptyRollup(target.ID, windowSeconds, start), true
		}
		for _, sub := range subResults {
			timeoutCount += sub.TimeoutCount
			if len(sub.TDigestData) == 0 {
				continue
			}
			subTD, err := tdigest.Decode(sub.TDigestData)
			if err != nil {
				continue
			}
			min, max, _, count := subTD.Summary()
			if count <= 0 {
				continue
			}
			for _, v := range resample(min, max, count) {
				td.Add(v)
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"target":         target.Name,
		"window_seconds": windowSeconds,
		"rows":           rowsProcessed,
		"timeouts":       timeoutCount,
	}).Info("rollup: aggregated window")

	return model.AggregatedResult{
		WindowStart:   start,
		TargetID:      target.ID,
		WindowSeconds: windowSeconds,
		TDigestData:   tdigest.Encode(td),
		TimeoutCount:  timeoutCount,
	}, true
}

// resample draws up to subsampleLimit evenly spaced points between a
// sub-window sketch's min and max, standing in for the population that
// sketch summarized but no longer exposes sample-by-sample.
func resample(min, max, count float64) []float64 {
	n := int(count)
	if n > subsampleLimit {
		n = subsampleLimit
	}
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{min}
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		out[i] = min + t*(max-min)
	}
	return out
}

func emptyRollup(targetID int64, windowSeconds int32, start time.Time) model.AggregatedResult {
	return model.AggregatedResult{
		WindowStart:   start,
		TargetID:      targetID,
		WindowSeconds: windowSeconds,
		TDigestData:   tdigest.Encode(tdigest.New()),
		TimeoutCount:  0,
	}
}

// truncateToWindow rounds dt down to the start of the window_seconds-wide
// bucket containing it.
func truncateToWindow(dt time.Time, windowSeconds int32) time.Time {
	ts := dt.Unix()
	truncated := ts - ts%int64(windowSeconds)
	return time.Unix(truncated, 0).UTC()
}
