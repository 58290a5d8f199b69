package retention

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runZeroInc/vaportrail/pkg/model"
	"github.com/runZeroInc/vaportrail/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "vaportrail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessAllDeletesExpiredRawAndAggregated(t *testing.T) {
	s := openTestStore(t)
	m := New(s)

	target := model.Target{
		Name: "x", Address: "y", ProbeType: model.ProbePing,
		RetentionPolicies: []model.RetentionPolicy{
			{WindowSeconds: 0, RetentionSecs: 3600},
			{WindowSeconds: 60, RetentionSecs: 7200},
		},
	}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	old := time.Now().Add(-24 * time.Hour)
	recent := time.Now().Add(-time.Minute)

	require.NoError(t, s.AddRawResults([]model.RawResult{
		{Time: old, TargetID: id, LatencyNS: 1},
		{Time: recent, TargetID: id, LatencyNS: 2},
	}))
	require.NoError(t, s.AddAggregatedResults([]model.AggregatedResult{
		{WindowStart: old, TargetID: id, WindowSeconds: 60, TDigestData: []byte{1}},
		{WindowStart: recent, TargetID: id, WindowSeconds: 60, TDigestData: []byte{2}},
	}))

	m.processAll()

	raw, err := s.GetRawResults(id, old.Add(-time.Hour), time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	require.Equal(t, 2.0, raw[0].LatencyNS)

	agg, err := s.GetAggregatedResults(id, 60, old.Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, agg, 1)
}

func TestProcessAllSkipsTargetsWithoutPolicies(t *testing.T) {
	s := openTestStore(t)
	m := New(s)

	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	_, err := s.AddTarget(&target)
	require.NoError(t, err)

	m.processAll()
}
