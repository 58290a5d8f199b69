package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRetentionPoliciesValidate(t *testing.T) {
	require.NoError(t, ValidateRetentionPolicies(DefaultRetentionPolicies()))
}

func TestValidateRetentionPoliciesRejectsNegativeWindow(t *testing.T) {
	err := ValidateRetentionPolicies([]RetentionPolicy{{WindowSeconds: -1, RetentionSecs: 10}})
	require.Error(t, err)
}

func TestValidateRetentionPoliciesRejectsNonMultiple(t *testing.T) {
	err := ValidateRetentionPolicies([]RetentionPolicy{
		{WindowSeconds: 60, RetentionSecs: 100},
		{WindowSeconds: 90, RetentionSecs: 200},
	})
	require.Error(t, err)
}

func TestValidateRetentionPoliciesAcceptsChain(t *testing.T) {
	err := ValidateRetentionPolicies([]RetentionPolicy{
		{WindowSeconds: 300, RetentionSecs: 200},
		{WindowSeconds: 0, RetentionSecs: 100},
		{WindowSeconds: 3600, RetentionSecs: 300},
	})
	require.NoError(t, err)
}

func TestTargetNormalizeAppliesDefaults(t *testing.T) {
	target := Target{ProbeIntervalSecs: 0, TimeoutSecs: -5}
	target.Normalize()
	require.Equal(t, DefaultProbeInterval, target.ProbeIntervalSecs)
	require.Equal(t, DefaultProbeTimeout, target.TimeoutSecs)
}

func TestRawResultIsTimeout(t *testing.T) {
	require.True(t, RawResult{LatencyNS: TimeoutLatencyNS}.IsTimeout())
	require.False(t, RawResult{LatencyNS: 42}.IsTimeout())
}
