package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runZeroInc/vaportrail/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaportrail.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetTarget(t *testing.T) {
	s := openTestStore(t)

	target := model.Target{Name: "Google", Address: "8.8.8.8", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, model.DefaultProbeInterval, target.ProbeIntervalSecs)
	require.Equal(t, model.DefaultProbeTimeout, target.TimeoutSecs)

	got, err := s.GetTarget(id)
	require.NoError(t, err)
	require.Equal(t, "Google", got.Name)
	require.Equal(t, "8.8.8.8", got.Address)
}

func TestGetTargetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTarget(999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTargetNormalizesDefaults(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbeHTTP}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	target.ID = id
	target.ProbeIntervalSecs = -1
	target.TimeoutSecs = 0
	require.NoError(t, s.UpdateTarget(&target))

	got, err := s.GetTarget(id)
	require.NoError(t, err)
	require.Equal(t, model.DefaultProbeInterval, got.ProbeIntervalSecs)
	require.Equal(t, model.DefaultProbeTimeout, got.TimeoutSecs)
}

func TestDeleteTargetCascades(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.AddRawResults([]model.RawResult{{Time: now, TargetID: id, LatencyNS: 100}}))
	require.NoError(t, s.AddAggregatedResults([]model.AggregatedResult{{WindowStart: now, TargetID: id, WindowSeconds: 60, TDigestData: []byte{1, 2, 3}}}))

	require.NoError(t, s.DeleteTarget(id))

	_, err = s.GetTarget(id)
	require.ErrorIs(t, err, ErrNotFound)

	raw, err := s.GetRawResults(id, now.Add(-time.Hour), now.Add(time.Hour), 100)
	require.NoError(t, err)
	require.Empty(t, raw)

	agg, err := s.GetAggregatedResults(id, 60, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, agg)
}

func TestAddRawResultsAndQueryOrderedAscending(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	results := []model.RawResult{
		{Time: base.Add(2 * time.Second), TargetID: id, LatencyNS: 3},
		{Time: base, TargetID: id, LatencyNS: 1},
		{Time: base.Add(time.Second), TargetID: id, LatencyNS: 2},
	}
	require.NoError(t, s.AddRawResults(results))

	got, err := s.GetRawResults(id, base, base.Add(10*time.Second), 100)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 1.0, got[0].LatencyNS)
	require.Equal(t, 2.0, got[1].LatencyNS)
	require.Equal(t, 3.0, got[2].LatencyNS)
}

func TestRawResultsHalfOpenRange(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddRawResults([]model.RawResult{
		{Time: base, TargetID: id, LatencyNS: 1},
		{Time: base.Add(time.Second), TargetID: id, LatencyNS: 2},
	}))

	got, err := s.GetRawResults(id, base, base.Add(time.Second), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1.0, got[0].LatencyNS)
}

func TestDeleteRawResultsBeforeStrictInequality(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddRawResults([]model.RawResult{
		{Time: base, TargetID: id, LatencyNS: 1},
		{Time: base.Add(time.Second), TargetID: id, LatencyNS: 2},
	}))

	n, err := s.DeleteRawResultsBefore(id, base.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.GetRawResults(id, base.Add(-time.Hour), base.Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 2.0, got[0].LatencyNS)
}

func TestEarliestRawResultTime(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	_, ok, err := s.EarliestRawResultTime(id)
	require.NoError(t, err)
	require.False(t, ok)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddRawResults([]model.RawResult{
		{Time: base.Add(time.Minute), TargetID: id, LatencyNS: 1},
		{Time: base, TargetID: id, LatencyNS: 2},
	}))

	earliest, ok, err := s.EarliestRawResultTime(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, earliest.Equal(base))
}

func TestAggregatedResultsUpsertOnConflict(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	windowStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddAggregatedResults([]model.AggregatedResult{
		{WindowStart: windowStart, TargetID: id, WindowSeconds: 60, TDigestData: []byte{1}, TimeoutCount: 1},
	}))
	require.NoError(t, s.AddAggregatedResults([]model.AggregatedResult{
		{WindowStart: windowStart, TargetID: id, WindowSeconds: 60, TDigestData: []byte{2, 3}, TimeoutCount: 5},
	}))

	got, err := s.GetAggregatedResults(id, 60, windowStart, windowStart.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte{2, 3}, got[0].TDigestData)
	require.Equal(t, int64(5), got[0].TimeoutCount)
}

func TestLastRollupTime(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	_, ok, err := s.LastRollupTime(id, 60)
	require.NoError(t, err)
	require.False(t, ok)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddAggregatedResults([]model.AggregatedResult{
		{WindowStart: base, TargetID: id, WindowSeconds: 60, TDigestData: []byte{1}},
		{WindowStart: base.Add(time.Minute), TargetID: id, WindowSeconds: 60, TDigestData: []byte{2}},
	}))

	last, ok, err := s.LastRollupTime(id, 60)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, last.Equal(base.Add(time.Minute)))
}

func TestDeleteAggregatedResultsByWindow(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "x", Address: "y", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddAggregatedResults([]model.AggregatedResult{
		{WindowStart: base, TargetID: id, WindowSeconds: 60, TDigestData: []byte{1}},
		{WindowStart: base, TargetID: id, WindowSeconds: 300, TDigestData: []byte{2}},
	}))

	require.NoError(t, s.DeleteAggregatedResultsByWindow(id, 60))

	got60, err := s.GetAggregatedResults(id, 60, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, got60)

	got300, err := s.GetAggregatedResults(id, 300, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got300, 1)
}

func TestStorageIntrospection(t *testing.T) {
	s := openTestStore(t)

	size, err := s.DBSizeBytes()
	require.NoError(t, err)
	require.Positive(t, size)

	_, err = s.PageCount()
	require.NoError(t, err)
	_, err = s.PageSize()
	require.NoError(t, err)
	_, err = s.FreelistCount()
	require.NoError(t, err)
}

func TestTDigestStats(t *testing.T) {
	s := openTestStore(t)
	target := model.Target{Name: "Google", Address: "8.8.8.8", ProbeType: model.ProbePing}
	id, err := s.AddTarget(&target)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddAggregatedResults([]model.AggregatedResult{
		{WindowStart: base, TargetID: id, WindowSeconds: 60, TDigestData: []byte{1, 2, 3, 4}},
		{WindowStart: base.Add(time.Minute), TargetID: id, WindowSeconds: 60, TDigestData: []byte{1, 2}},
	}))

	stats, err := s.TDigestStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "Google", stats[0].TargetName)
	require.Equal(t, int64(6), stats[0].TotalBytes)
	require.Equal(t, int64(2), stats[0].Count)
}
