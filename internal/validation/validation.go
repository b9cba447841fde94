package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ErrCityEmpty is returned when the city name is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city name is required")

// ErrCityTooShort is returned when the city name is below the minimum length.
var ErrCityTooShort = errors.New("city name too short")

// ErrCityTooLong is returned when the city name exceeds the maximum length.
var ErrCityTooLong = errors.New("city name too long")

// ErrCityInvalidChars is returned when the city name contains disallowed characters.
var ErrCityInvalidChars = errors.New("city name contains invalid characters")

// ErrLocationUnavailable is returned when a "use my location" request carries no
// usable coordinates: missing, non-numeric, non-finite or out of range.
var ErrLocationUnavailable = errors.New("unable to retrieve your location")

// ValidateCityName trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to letters (Unicode), digits, space, comma, hyphen, period and apostrophe.
// Returns the trimmed string or an error suitable for 400 INVALID_CITY responses.
func ValidateCityName(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrCityEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrCityTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ValidateCoordinates checks lat ∈ [-90, 90] and lon ∈ [-180, 180].
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return ErrLocationUnavailable
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrLocationUnavailable
	}
	return nil
}

// ParseCityID parses a positive provider city ID from a path segment.
func ParseCityID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
