package tdigest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuantileUniform(t *testing.T) {
	td := New()
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		td.Add(r.Float64() * 100)
	}

	median := td.Quantile(0.5)
	require.InDelta(t, 50.0, median, 5.0)

	p99 := td.Quantile(0.99)
	require.InDelta(t, 99.0, p99, 5.0)
}

func TestMergeCombinesDistributions(t *testing.T) {
	a := New()
	a.AddValues([]float64{1, 2, 3, 4, 5})

	b := New()
	b.AddValues([]float64{10, 20, 30, 40, 50})

	a.Merge(b)
	min, max, _, count := a.Summary()

	require.Equal(t, 1.0, min)
	require.Equal(t, 50.0, max)
	require.Equal(t, 10.0, count)
}

func TestSummaryMatchesInputs(t *testing.T) {
	td := New()
	td.AddValues([]float64{1, 2, 3, 4, 5})

	min, max, sum, count := td.Summary()
	require.Equal(t, 1.0, min)
	require.Equal(t, 5.0, max)
	require.Equal(t, 15.0, sum)
	require.Equal(t, 5.0, count)
}

func TestIsEmpty(t *testing.T) {
	td := New()
	require.True(t, td.IsEmpty())
	td.Add(1.0)
	require.False(t, td.IsEmpty())
}
