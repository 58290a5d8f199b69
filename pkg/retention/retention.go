// Package retention periodically deletes raw and aggregated rows that
// have aged past their target's configured per-window retention period.
package retention

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/vaportrail/internal/metrics"
	"github.com/runZeroInc/vaportrail/pkg/store"
)

// interval is how often every target's policies are swept for expired
// rows.
const interval = 60 * time.Second

// Manager runs the periodic age-based deletion sweep.
type Manager struct {
	store   *store.Store
	metrics *metrics.Registry
}

// New returns a Manager backed by s.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// SetMetrics attaches a metrics registry that processAll reports deleted
// row counts to. Safe to skip in tests.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// Run blocks, sweeping for expired rows every interval, until ctx is
// cancelled.
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
	targets, err := m.store.GetTargets()
	if err != nil {
		logrus.WithError(err).Error("retention: failed to list targets")
		return
	}

	now := time.Now()
	for _, target := range targets {
		for _, policy := range target.RetentionPolicies {
			cutoff := now.Add(-time.Duration(policy.RetentionSecs) * time.Second)

			if policy.WindowSeconds == 0 {
				n, err := m.store.DeleteRawResultsBefore(target.ID, cutoff)
				if err != nil {
					logrus.WithError(err).WithField("target", target.Name).
						Error("retention: failed to delete raw results")
					continue
				}
				if m.metrics != nil && n > 0 {
					m.metrics.RetentionDeletedRowsTotal.WithLabelValues(target.Name, "0").Add(float64(n))
				}
				continue
			}

			n, err := m.store.DeleteAggregatedResultsBefore(target.ID, policy.WindowSeconds, cutoff)
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"target":         target.Name,
					"window_seconds": policy.WindowSeconds,
				}).Error("retention: failed to delete aggregated results")
				continue
			}
			if m.metrics != nil && n > 0 {
				m.metrics.RetentionDeletedRowsTotal.WithLabelValues(target.Name, strconv.Itoa(int(policy.WindowSeconds))).Add(float64(n))
			}
		}
	}
}
