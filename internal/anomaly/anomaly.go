// Package anomaly derives advisory exclusion-rate and overrun flags for
// dashboards. Verdicts never block writes; a detector failure upstream
// degrades the entity to an unknown verdict instead of failing the read.
package anomaly

const (
	DefaultRatio         = 0.15
	DefaultOverrunFactor = 1.2
)

// Detector carries the thresholds. Construct with NewDetector so the zero
// value never silently disables detection.
type Detector struct {
	Ratio         float64
	OverrunFactor float64
}

func NewDetector(ratio, overrunFactor float64) Detector {
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	if overrunFactor <= 0 {
		overrunFactor = DefaultOverrunFactor
	}
	return Detector{Ratio: ratio, OverrunFactor: overrunFactor}
}

// Verdict is the detector output for one pool or allocation. TopReason is
// filled by the caller from the report history; Known is false when that
// history could not be read.
type Verdict struct {
	ExclusionRate float64 `json:"exclusion_rate"`
	Overrun       bool    `json:"overrun"`
	Anomalous     bool    `json:"anomalous"`
	TopReason     string  `json:"top_reason,omitempty"`
	Known         bool    `json:"known"`
}

// Unknown is the degraded verdict used when historical data cannot be read.
func Unknown() Verdict { return Verdict{} }

func (d Detector) ratio() float64 {
	if d.Ratio <= 0 {
		return DefaultRatio
	}
	return d.Ratio
}

func (d Detector) overrunFactor() float64 {
	if d.OverrunFactor <= 0 {
		return DefaultOverrunFactor
	}
	return d.OverrunFactor
}

// Evaluate computes the verdict for one counter triple. quota may be zero;
// the overrun signal only fires on pools with a real quota.
func (d Detector) Evaluate(valid, excluded, quota int64) Verdict {
	total := valid + excluded
	denom := total
	if denom < 1 {
		denom = 1
	}
	rate := float64(excluded) / float64(denom)
	overrun := quota > 0 && float64(total) > float64(quota)*d.overrunFactor()
	return Verdict{
		ExclusionRate: rate,
		Overrun:       overrun,
		Anomalous:     rate > d.ratio() || overrun,
		Known:         true,
	}
}
