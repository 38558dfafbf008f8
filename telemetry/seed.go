package telemetry

import (
	"time"

	"github.com/voltgrid/dispatch/battery"
)

// SeedState builds a battery.State from a live Reading, used to initialize
// or resynchronize the rolling-horizon controller against ground truth
// between runs. monthPeakKW and cumDegradation carry over from the
// previously persisted state since a single Reading cannot reconstruct
// them.
func SeedState(capacityKWh float64, r Reading, monthPeakKW, cumDegradation float64) battery.State {
	return battery.State{
		SOCkWh:         r.SOCFraction * capacityKWh,
		MonthPeakKW:    monthPeakKW,
		MonthAnchor:    monthAnchor(r.Timestamp),
		CumDegradation: cumDegradation,
	}
}

func monthAnchor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
