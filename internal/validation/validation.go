package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-widget/internal/location"
)

// Search errors all wrap location.ErrInvalidQuery so callers handle them the same
// way as a parser rejection.
var (
	ErrSearchEmpty        = fmt.Errorf("%w: search is required", location.ErrInvalidQuery)
	ErrSearchTooShort     = fmt.Errorf("%w: search too short", location.ErrInvalidQuery)
	ErrSearchTooLong      = fmt.Errorf("%w: search too long", location.ErrInvalidQuery)
	ErrSearchInvalidChars = fmt.Errorf("%w: search contains invalid characters", location.ErrInvalidQuery)
)

// ErrCoordinatesOutOfRange is returned when geolocation coordinates are outside lat/lon bounds.
var ErrCoordinatesOutOfRange = errors.New("coordinates out of range")

var validate = validator.New()

// ValidateSearch trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma,
// hyphen, period, apostrophe. Returns the trimmed string.
func ValidateSearch(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrSearchEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrSearchTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrSearchTooLong
	}
	for _, c := range r {
		if !isAllowedSearchRune(c) {
			return "", ErrSearchInvalidChars
		}
	}
	return s, nil
}

func isAllowedSearchRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// Coordinates is a geolocation fix posted by the browser.
type Coordinates struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

// ValidateCoordinates checks that c is a plausible position.
func ValidateCoordinates(c Coordinates) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrCoordinatesOutOfRange, err)
	}
	return nil
}
