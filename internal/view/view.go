// Package view holds the widget's display state and the unit conversions applied at render time.
package view

import (
	"math"

	"github.com/kjstillabower/weather-widget/internal/models"
)

// DayRange is the forecast horizon shown in the data view.
type DayRange int

const (
	Today DayRange = iota
	ThreeDay
	Weekly
)

// Days returns how many daily entries the range displays.
func (d DayRange) Days() int {
	switch d {
	case ThreeDay:
		return 3
	case Weekly:
		return 7
	default:
		return 1
	}
}

func (d DayRange) String() string {
	switch d {
	case ThreeDay:
		return "three-day"
	case Weekly:
		return "weekly"
	default:
		return "today"
	}
}

// ParseDayRange accepts the values String returns.
func ParseDayRange(s string) (DayRange, bool) {
	switch s {
	case "today":
		return Today, true
	case "three-day":
		return ThreeDay, true
	case "weekly":
		return Weekly, true
	}
	return Today, false
}

// State is the user-controlled display state of one widget.
type State struct {
	Range DayRange
	Units models.UnitSystem
}

// SelectDayRange switches the horizon. It never implies a re-fetch.
func (s *State) SelectDayRange(d DayRange) {
	s.Range = d
}

// SetUnits selects the display unit system.
func (s *State) SetUnits(u models.UnitSystem) {
	s.Units = u
}

// ToggleUnits flips between Imperial and Metric.
func (s *State) ToggleUnits() {
	if s.Units == models.Imperial {
		s.Units = models.Metric
	} else {
		s.Units = models.Imperial
	}
}

// Round rounds half up, matching how the browser widget rounded (Math.round).
func Round(f float64) int {
	return int(math.Floor(f + 0.5))
}

// FahrenheitToCelsius converts and rounds to the nearest degree.
func FahrenheitToCelsius(f float64) int {
	return Round((f - 32) * 5 / 9)
}

// CelsiusToFahrenheit converts and rounds to the nearest degree.
func CelsiusToFahrenheit(c float64) int {
	return Round(c*9/5 + 32)
}

// DisplayTemperature converts a model temperature fetched in `from` for display in `to`.
// The conversion always starts from the fetched value, so repeated toggles do not drift.
func DisplayTemperature(value float64, from, to models.UnitSystem) int {
	switch {
	case from == to:
		return Round(value)
	case from == models.Imperial:
		return FahrenheitToCelsius(value)
	default:
		return CelsiusToFahrenheit(value)
	}
}
