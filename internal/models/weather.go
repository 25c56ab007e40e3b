package models

import "time"

// UnitSystem is the measurement system a snapshot was fetched in or is displayed in.
type UnitSystem int

const (
	Imperial UnitSystem = iota
	Metric
)

func (u UnitSystem) String() string {
	if u == Metric {
		return "metric"
	}
	return "imperial"
}

// TemperatureSymbol returns the display suffix for temperatures.
func (u UnitSystem) TemperatureSymbol() string {
	if u == Metric {
		return "°C"
	}
	return "°F"
}

// SpeedUnit returns the unit OpenWeather reports wind speed in for u.
func (u UnitSystem) SpeedUnit() string {
	if u == Metric {
		return "m/s"
	}
	return "mph"
}

// ParseUnitSystem accepts "imperial"/"metric" and the button labels "f"/"c".
func ParseUnitSystem(s string) (UnitSystem, bool) {
	switch s {
	case "imperial", "f", "F":
		return Imperial, true
	case "metric", "c", "C":
		return Metric, true
	}
	return Imperial, false
}

// ResolvedLocation is the output of the resolve stage.
type ResolvedLocation struct {
	City        string  `json:"city"`
	CountryCode string  `json:"countryCode"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Current holds current conditions as returned by the forecast stage.
type Current struct {
	Temperature          float64 `json:"temperature"`
	WindSpeed            float64 `json:"windSpeed"`
	WindDirectionDegrees float64 `json:"windDirectionDegrees"`
	ConditionText        string  `json:"conditionText"`
	IconID               string  `json:"iconId"`
}

// Day is one daily forecast entry. Index in Snapshot.Daily is the offset from today.
type Day struct {
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	DayTemp       float64 `json:"dayTemp"`
	ConditionText string  `json:"conditionText"`
	IconID        string  `json:"iconId"`
}

// Snapshot is the normalized forecast-stage result. Numeric fields stay in Units;
// display conversion never writes back into a Snapshot.
type Snapshot struct {
	Current               Current    `json:"current"`
	Daily                 []Day      `json:"daily"`
	TimezoneOffsetSeconds int        `json:"timezoneOffsetSeconds"`
	Units                 UnitSystem `json:"units"`
	ObservedAt            time.Time  `json:"observedAt"`
}

// Report pairs a resolved location with its snapshot; it is what one fetch cycle produces.
type Report struct {
	Location ResolvedLocation `json:"location"`
	Snapshot Snapshot         `json:"snapshot"`
}
