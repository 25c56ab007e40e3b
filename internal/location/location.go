// Package location turns free-text search input into structured provider queries.
package location

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidQuery is returned for empty or unparseable search input. Callers reject the
// submission without touching session state or the network.
var ErrInvalidQuery = errors.New("invalid query")

// Kind identifies which variant of Query is populated.
type Kind int

const (
	KindPlace Kind = iota
	KindZip
	KindCoordinates
)

func (k Kind) String() string {
	switch k {
	case KindZip:
		return "zip"
	case KindCoordinates:
		return "coordinates"
	default:
		return "place"
	}
}

// Query is a parsed location search. Only the fields for Kind are meaningful.
type Query struct {
	Kind    Kind
	Zip     string
	Lat     float64
	Lon     float64
	City    string
	Region  string
	Country string
}

// ZipCode builds a zip query.
func ZipCode(zip, country string) Query {
	return Query{Kind: KindZip, Zip: zip, Country: country}
}

// FromCoordinates builds a coordinate query, e.g. from browser geolocation.
func FromCoordinates(lat, lon float64) Query {
	return Query{Kind: KindCoordinates, Lat: lat, Lon: lon}
}

// PlaceName builds a city query; region and country may be empty.
func PlaceName(city, region, country string) Query {
	return Query{Kind: KindPlace, City: city, Region: region, Country: country}
}

// Text renders q the way a user would type it into the search field.
func (q Query) Text() string {
	switch q.Kind {
	case KindZip:
		return q.Zip
	case KindCoordinates:
		return formatCoord(q.Lat) + "," + formatCoord(q.Lon)
	default:
		if q.Region != "" {
			return q.City + ", " + q.Region
		}
		return q.City
	}
}

func (q Query) String() string {
	return q.Kind.String() + ":" + q.Text()
}

var (
	commaSpace   = regexp.MustCompile(`\s*,\s*`)
	digitRun     = regexp.MustCompile(`\d+`)
	decimalToken = regexp.MustCompile(`\d\.\d`)
)

// Parser applies the search rules. DefaultCountry is attached to zip and city,region
// queries, which OpenWeather otherwise resolves against the US.
type Parser struct {
	DefaultCountry string
}

// Parse is Parser{DefaultCountry: "US"}.Parse.
func Parse(raw string) (Query, error) {
	return Parser{DefaultCountry: "US"}.Parse(raw)
}

// Parse converts raw search text into a Query. Rules, first match wins:
// a standalone 5-digit run is a zip code; exactly two digit.digit tokens split on
// the comma are lat,lon; exactly one comma is city,region; anything else is a city.
func (p Parser) Parse(raw string) (Query, error) {
	s := commaSpace.ReplaceAllString(strings.TrimSpace(raw), ",")
	if s == "" {
		return Query{}, fmt.Errorf("%w: empty search", ErrInvalidQuery)
	}

	if zip, ok := findZip(s); ok {
		return ZipCode(zip, p.DefaultCountry), nil
	}

	if len(decimalToken.FindAllStringIndex(s, -1)) == 2 {
		if q, ok := parseCoordinates(s); ok {
			return q, nil
		}
	}

	if strings.Count(s, ",") == 1 {
		parts := strings.SplitN(s, ",", 2)
		if parts[0] != "" && parts[1] != "" {
			return PlaceName(parts[0], parts[1], p.DefaultCountry), nil
		}
	}

	return PlaceName(s, "", ""), nil
}

// findZip returns the first run of exactly five digits that is not part of a decimal
// number. A '.' only joins the run to a number when a digit sits on its other side, so
// "94103." is still a zip while "94103.5" and "1.94103" are not.
func findZip(s string) (string, bool) {
	for _, loc := range digitRun.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		if end-start != 5 {
			continue
		}
		if start > 1 && s[start-1] == '.' && isDigit(s[start-2]) {
			continue
		}
		if end+1 < len(s) && s[end] == '.' && isDigit(s[end+1]) {
			continue
		}
		return s[start:end], true
	}
	return "", false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func parseCoordinates(s string) (Query, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Query{}, false
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Query{}, false
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Query{}, false
	}
	return FromCoordinates(lat, lon), true
}

// Params returns the OpenWeather resolve-stage parameters for q.
func (q Query) Params() url.Values {
	v := url.Values{}
	switch q.Kind {
	case KindZip:
		zip := q.Zip
		if q.Country != "" {
			zip += "," + q.Country
		}
		v.Set("zip", zip)
	case KindCoordinates:
		v.Set("lat", formatCoord(q.Lat))
		v.Set("lon", formatCoord(q.Lon))
	default:
		parts := []string{q.City}
		if q.Region != "" {
			parts = append(parts, q.Region)
		}
		if q.Country != "" {
			parts = append(parts, q.Country)
		}
		v.Set("q", strings.Join(parts, ","))
	}
	return v
}

// Encode returns the persisted form of q: its provider query string. Place queries
// also carry their fields separately, since a city may itself contain commas.
func Encode(q Query) string {
	v := q.Params()
	if q.Kind == KindPlace {
		v.Set("city", q.City)
		if q.Region != "" {
			v.Set("region", q.Region)
		}
		if q.Country != "" {
			v.Set("country", q.Country)
		}
	}
	return v.Encode()
}

// Decode parses a string produced by Encode.
func Decode(s string) (Query, error) {
	v, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(s), "&"))
	if err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	switch {
	case v.Get("zip") != "":
		zip, country, _ := strings.Cut(v.Get("zip"), ",")
		return ZipCode(zip, country), nil
	case v.Get("lat") != "" && v.Get("lon") != "":
		lat, err := strconv.ParseFloat(v.Get("lat"), 64)
		if err != nil {
			return Query{}, fmt.Errorf("%w: lat: %v", ErrInvalidQuery, err)
		}
		lon, err := strconv.ParseFloat(v.Get("lon"), 64)
		if err != nil {
			return Query{}, fmt.Errorf("%w: lon: %v", ErrInvalidQuery, err)
		}
		return FromCoordinates(lat, lon), nil
	case v.Get("city") != "":
		return PlaceName(v.Get("city"), v.Get("region"), v.Get("country")), nil
	case v.Get("q") != "":
		// Values written before place fields were stored separately.
		parts := strings.SplitN(v.Get("q"), ",", 3)
		q := PlaceName(parts[0], "", "")
		switch len(parts) {
		case 2:
			// "city,country" is what OpenWeather accepts without a state.
			q.Country = parts[1]
		case 3:
			q.Region, q.Country = parts[1], parts[2]
		}
		return q, nil
	}
	return Query{}, fmt.Errorf("%w: no location parameters in %q", ErrInvalidQuery, s)
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
