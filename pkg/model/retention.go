package model

import (
	"fmt"
	"sort"
)

// RetentionPolicy pairs a rollup window (seconds; 0 means raw results) with
// how long rows at that window should be kept (seconds).
type RetentionPolicy struct {
	WindowSeconds int32
	RetentionSecs int64
}

// DefaultRetentionPolicies returns the five-tier cascade new targets get
// when none is specified: raw results for a week, then progressively
// coarser rollups kept progressively longer.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{WindowSeconds: 0, RetentionSecs: 604800},         // raw, 7 days
		{WindowSeconds: 60, RetentionSecs: 15768000},      // 1 minute, ~6 months
		{WindowSeconds: 300, RetentionSecs: 31536000},     // 5 minutes, 1 year
		{WindowSeconds: 3600, RetentionSecs: 315360000},   // 1 hour, 10 years
		{WindowSeconds: 86400, RetentionSecs: 3153600000}, // 1 day, ~100 years
	}
}

// ValidateRetentionPolicies checks that windows are non-negative and that
// the non-zero windows form a divisibility chain: each is a whole multiple
// of the previous non-zero window. The rollup manager relies on this chain
// to know which stored tier to resample from when building the next one.
// Policies are sorted by window in place before validation.
func ValidateRetentionPolicies(policies []RetentionPolicy) error {
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].WindowSeconds < policies[j].WindowSeconds
	})

	var prevWindow int32
	for _, p := range policies {
		if p.WindowSeconds < 0 {
			return fmt.Errorf("model: negative window %d", p.WindowSeconds)
		}
		if p.WindowSeconds == 0 {
			continue
		}
		if prevWindow > 0 && p.WindowSeconds%prevWindow != 0 {
			return fmt.Errorf("model: window %d is not a multiple of preceding window %d", p.WindowSeconds, prevWindow)
		}
		prevWindow = p.WindowSeconds
	}
	return nil
}
