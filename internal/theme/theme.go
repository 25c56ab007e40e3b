// Package theme picks the widget background from local time of day and sky condition.
package theme

import (
	"strings"
	"time"

	"github.com/kjstillabower/weather-widget/internal/models"
)

// Style names a background treatment; the page uses it as a CSS class.
type Style string

const (
	Night         Style = "night"
	NightOvercast Style = "night-overcast"
	Sunrise       Style = "sunrise"
	Sunset        Style = "sunset"
	Sunny         Style = "sunny"
	Overcast      Style = "overcast"
)

// LocalHour returns the hour at the observed location: UTC hour plus the offset in
// whole hours, wrapped into [0,24).
func LocalHour(observedAt time.Time, tzOffsetSeconds int) int {
	h := (observedAt.UTC().Hour() + tzOffsetSeconds/3600) % 24
	if h < 0 {
		h += 24
	}
	return h
}

// Select applies the rule table. condition is matched case-insensitively.
func Select(hour int, condition string) Style {
	c := strings.ToLower(condition)
	switch {
	case hour >= 20 || hour < 6:
		if strings.Contains(c, "clear") || strings.Contains(c, "broken clouds") {
			return Night
		}
		return NightOvercast
	case hour < 9:
		return daytime(Sunrise, c)
	case hour >= 18:
		return daytime(Sunset, c)
	default:
		return daytime(Sunny, c)
	}
}

func daytime(s Style, c string) Style {
	if strings.Contains(c, "clear") || strings.Contains(c, "few") || strings.Contains(c, "scattered") {
		return s
	}
	return Overcast
}

// ForSnapshot selects the style for a fetched snapshot.
func ForSnapshot(s models.Snapshot) Style {
	return Select(LocalHour(s.ObservedAt, s.TimezoneOffsetSeconds), s.Current.ConditionText)
}
