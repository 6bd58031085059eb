// Package progress derives percentages and completion flags from raw
// counters. Nothing here touches storage; every function is safe for
// concurrent use.
package progress

// DefaultLaggingThreshold flags entities under 70% that are not yet complete.
const DefaultLaggingThreshold = 70

// Calculator carries the lagging policy. The zero value uses the default
// threshold.
type Calculator struct {
	LaggingThreshold int64
}

func NewCalculator(laggingThreshold int64) Calculator {
	if laggingThreshold <= 0 {
		laggingThreshold = DefaultLaggingThreshold
	}
	return Calculator{LaggingThreshold: laggingThreshold}
}

// Snapshot is the derived view of one counter triple. Percent is never
// clamped; values over 100 signal over-delivery.
type Snapshot struct {
	Percent   int64 `json:"percent"`
	Completed bool  `json:"completed"`
	Lagging   bool  `json:"lagging"`
}

// Percent computes round(100*valid/(quota-excluded)). A denominator at or
// below zero is a degenerate but valid state and reads as 0.
func Percent(valid, excluded, quota int64) int64 {
	denom := quota - excluded
	if denom <= 0 {
		return 0
	}
	// round half up in integer arithmetic
	return (200*valid + denom) / (2 * denom)
}

// Completed reports whether the quota is fully accounted for.
func Completed(valid, excluded, quota int64) bool {
	return valid+excluded >= quota
}

func (c Calculator) Snapshot(valid, excluded, quota int64) Snapshot {
	threshold := c.LaggingThreshold
	if threshold <= 0 {
		threshold = DefaultLaggingThreshold
	}
	pct := Percent(valid, excluded, quota)
	done := Completed(valid, excluded, quota)
	return Snapshot{
		Percent:   pct,
		Completed: done,
		Lagging:   !done && pct < threshold,
	}
}

// Clamp caps a percent at 100 for display surfaces. The raw value must be
// preserved everywhere else.
func Clamp(percent int64) int64 {
	if percent > 100 {
		return 100
	}
	return percent
}
