package calendar

import "time"

const (
	daysPerWeek          = 7
	offsetDaysForSunday  = 1
	newYearDay           = 1
	thirdMondayOffset    = 2
	fourthThursdayOffset = 3
)

// Weekdays rejects Saturdays and Sundays.
func Weekdays(day time.Time) bool {
	return day.Weekday() != time.Saturday && day.Weekday() != time.Sunday
}

// USEquityDays rejects weekends and the fixed set of NYSE holidays.
func USEquityDays(day time.Time) bool {
	return Weekdays(day) && !IsUSHoliday(day)
}

// IsUSHoliday reports New Year, MLK, Presidents, Memorial, Independence,
// Labor, Thanksgiving and Christmas days, with Sunday observance moved to Monday.
func IsUSHoliday(t time.Time) bool {
	year := t.Year()

	newYearsDay := observed(time.Date(year, time.January, newYearDay, 0, 0, 0, 0, time.UTC))
	mlkDay := nthWeekday(year, time.January, time.Monday, thirdMondayOffset)
	presidentsDay := nthWeekday(year, time.February, time.Monday, thirdMondayOffset)

	memorialDay := time.Date(year, time.May, 31, 0, 0, 0, 0, time.UTC)
	for memorialDay.Weekday() != time.Monday {
		memorialDay = memorialDay.AddDate(0, 0, -1)
	}

	independenceDay := observed(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC))
	laborDay := nthWeekday(year, time.September, time.Monday, 0)
	thanksgivingDay := nthWeekday(year, time.November, time.Thursday, fourthThursdayOffset)
	christmasDay := observed(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC))

	holidays := []time.Time{
		newYearsDay,
		mlkDay,
		presidentsDay,
		memorialDay,
		independenceDay,
		laborDay,
		thanksgivingDay,
		christmasDay,
	}
	return isDateAmong(t, holidays)
}

func observed(d time.Time) time.Time {
	if d.Weekday() == time.Sunday {
		return d.AddDate(0, 0, offsetDaysForSunday)
	}
	return d
}

// nthWeekday returns the (offset+1)-th given weekday of the month.
func nthWeekday(year int, month time.Month, wd time.Weekday, offset int) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	shift := int(wd-firstOfMonth.Weekday()+daysPerWeek) % daysPerWeek
	return firstOfMonth.AddDate(0, 0, shift+offset*daysPerWeek)
}

func isDateAmong(t time.Time, dates []time.Time) bool {
	for _, d := range dates {
		if t.Format(dayLayout) == d.Format(dayLayout) {
			return true
		}
	}
	return false
}
