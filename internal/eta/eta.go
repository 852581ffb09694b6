package eta

import (
	"math"
	"time"

	"github.com/example/vendor-tracking/internal/models"
)

// Minutes is the whole number of minutes from now until target, never negative.
func Minutes(now, target time.Time) int {
	ms := float64(target.Sub(now).Milliseconds())
	m := math.Round(ms / 60000)
	if m < 0 {
		return 0
	}
	return int(m)
}

// ForSchedule returns the ETA to the schedule's current stop. It uses only the
// stop's scheduled time; live distance to the stop is not considered.
func ForSchedule(now time.Time, s *models.RoamingSchedule) (int, bool) {
	stop, ok := s.CurrentStop()
	if !ok || stop.ScheduledTime.IsZero() {
		return 0, false
	}
	return Minutes(now, stop.ScheduledTime), true
}
