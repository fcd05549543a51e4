package utils

import (
	"time"

	logger "github.com/sirupsen/logrus"
)

// ResetTime resets the time component based on the granularity specified.
// Pass "minute" to reset seconds to zero.
// Pass "hour" to reset minutes and seconds to zero.
// Pass "day" to go back to midnight in t's location.
func ResetTime(t time.Time, granularity string) time.Time {
	switch granularity {
	case "second":
		return t.Truncate(time.Second)
	case "minute":
		return t.Truncate(time.Minute) // Resets seconds to zero
	case "hour":
		return t.Truncate(time.Hour) // Resets minutes and seconds to zero
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	default:
		logger.WithField("granularity", granularity).Warn("Invalid granularity, use second, minute, hour or day")
		return t
	}
}
