package widget

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/weather-widget/internal/client"
	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/validation"
)

func invalidQueryMessage(err error) string {
	switch {
	case errors.Is(err, validation.ErrSearchEmpty):
		return "Enter a city, zip code, or coordinates."
	case errors.Is(err, validation.ErrSearchTooShort):
		return "That search is too short."
	case errors.Is(err, validation.ErrSearchTooLong):
		return "That search is too long."
	case errors.Is(err, validation.ErrSearchInvalidChars):
		return "Use letters, digits, spaces, commas, periods, hyphens or apostrophes."
	default:
		return "Enter a city, zip code, or coordinates."
	}
}

func searchFailureMessage(q location.Query, err error) string {
	switch {
	case errors.Is(err, client.ErrLocationNotFound) && !errors.Is(err, client.ErrInvalidAPIKey):
		if q.Kind == location.KindCoordinates {
			return "No weather station found near your location."
		}
		return fmt.Sprintf("No results for %q.", q.Text())
	case errors.Is(err, client.ErrCircuitOpen), errors.Is(err, client.ErrRateLimited):
		return "The weather service is busy. Try again shortly."
	default:
		return "The forecast is unavailable right now. Try again."
	}
}

func refreshFailureMessage(err error) string {
	switch {
	case errors.Is(err, client.ErrLocationNotFound):
		return "Could not find the saved location."
	case errors.Is(err, client.ErrForecastUnavailable):
		return "Could not refresh the forecast. The data shown may be out of date."
	default:
		return "The weather service is unreachable. The data shown may be out of date."
	}
}
