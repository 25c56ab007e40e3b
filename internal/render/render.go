// Package render turns a fetched report and the current view state into the
// widget's data view and HTML page. Build never performs I/O.
package render

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/theme"
	"github.com/kjstillabower/weather-widget/internal/view"
)

// ErrNoReport is returned by Build when nothing has been fetched yet.
var ErrNoReport = errors.New("no report to render")

const iconURLFormat = "https://openweathermap.org/img/wn/%s@2x.png"

var compass = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// TodayView is the single-day panel.
type TodayView struct {
	City          string
	Country       string
	Temperature   int
	Min           int
	Max           int
	WindSpeed     int
	WindUnit      string
	WindDirection string
	Condition     string
	IconURL       string
}

// DayView is one column of the multi-day panel.
type DayView struct {
	Weekday   string
	IconURL   string
	Condition string
	DayTemp   int
	Min       int
	Max       int
}

// DataView is everything the data-display region shows for one render.
type DataView struct {
	Range  view.DayRange
	Units  models.UnitSystem
	Symbol string
	Theme  theme.Style
	Today  *TodayView // set for view.Today
	Days   []DayView  // set for view.ThreeDay and view.Weekly
}

// Build derives the data view for report under state. Temperatures are converted
// from the unit the report was fetched in to state.Units on every call.
func Build(report *models.Report, state view.State) (DataView, error) {
	if report == nil {
		return DataView{}, ErrNoReport
	}
	snap := report.Snapshot
	dv := DataView{
		Range:  state.Range,
		Units:  state.Units,
		Symbol: state.Units.TemperatureSymbol(),
		Theme:  theme.ForSnapshot(snap),
	}
	temp := func(v float64) int {
		return view.DisplayTemperature(v, snap.Units, state.Units)
	}

	if state.Range == view.Today {
		today := &TodayView{
			City:          report.Location.City,
			Country:       report.Location.CountryCode,
			Temperature:   temp(snap.Current.Temperature),
			WindSpeed:     view.Round(snap.Current.WindSpeed),
			WindUnit:      snap.Units.SpeedUnit(),
			WindDirection: CardinalDirection(snap.Current.WindDirectionDegrees),
			Condition:     ToSentence(snap.Current.ConditionText),
			IconURL:       IconURL(snap.Current.IconID),
		}
		if len(snap.Daily) > 0 {
			today.Min = temp(snap.Daily[0].Min)
			today.Max = temp(snap.Daily[0].Max)
		} else {
			today.Min = today.Temperature
			today.Max = today.Temperature
		}
		dv.Today = today
		return dv, nil
	}

	n := state.Range.Days()
	if n > len(snap.Daily) {
		n = len(snap.Daily)
	}
	local := LocalDate(snap.ObservedAt, snap.TimezoneOffsetSeconds)
	dv.Days = make([]DayView, 0, n)
	for i := 0; i < n; i++ {
		d := snap.Daily[i]
		dv.Days = append(dv.Days, DayView{
			Weekday:   local.AddDate(0, 0, i).Format("Mon"),
			IconURL:   IconURL(d.IconID),
			Condition: ToSentence(d.ConditionText),
			DayTemp:   temp(d.DayTemp),
			Min:       temp(d.Min),
			Max:       temp(d.Max),
		})
	}
	return dv, nil
}

// LocalDate shifts observedAt into the location's wall clock, expressed in UTC
// so calendar arithmetic ignores the server's zone.
func LocalDate(observedAt time.Time, tzOffsetSeconds int) time.Time {
	return observedAt.UTC().Add(time.Duration(tzOffsetSeconds) * time.Second)
}

// CardinalDirection maps wind degrees onto the 8-point compass; each point
// covers 45° centered on its bearing.
func CardinalDirection(degrees float64) string {
	d := math.Mod(degrees+22.5, 360)
	if d < 0 {
		d += 360
	}
	return compass[int(d/45)%8]
}

// ToSentence capitalizes the first letter and ensures a trailing period.
func ToSentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	s = string(unicode.ToUpper(r)) + s[size:]
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

// IconURL returns the provider's image for an icon id, or "" when there is none.
func IconURL(id string) string {
	if id == "" {
		return ""
	}
	return fmt.Sprintf(iconURLFormat, id)
}
