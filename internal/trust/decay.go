package trust

import (
	"math"
	"time"
)

const decayHalfLifeDays = 180.0

// Decay computes 2^(-days_since/180) clamped to [0,1], monotonically
// decreasing in age.
func Decay(since time.Time, now time.Time) float64 {
	days := now.Sub(since).Hours() / 24
	if days < 0 {
		days = 0
	}
	d := math.Pow(2, -days/decayHalfLifeDays)
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}
