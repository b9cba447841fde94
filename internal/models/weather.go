package models

import (
	"fmt"
	"time"
)

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// WeatherRecord is a snapshot of current conditions for one provider city.
// ID is the provider-assigned city identifier and is the record's identity.
type WeatherRecord struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Country     string      `json:"country"`
	Temperature float64     `json:"temperature"`
	FeelsLike   float64     `json:"feelsLike"`
	Humidity    int         `json:"humidity"`
	WindSpeed   float64     `json:"windSpeed"`
	Conditions  string      `json:"conditions"`
	Description string      `json:"description"`
	Icon        string      `json:"icon"`
	Coord       Coordinates `json:"coord"`
	TZOffset    int         `json:"tzOffset"` // seconds east of UTC
	FetchedAt   time.Time   `json:"fetchedAt"`
}

// Valid reports whether the record carries a usable city identifier.
func (r WeatherRecord) Valid() bool {
	return r.ID > 0
}

// IconURL builds the OpenWeatherMap icon URL for an icon code. Empty code yields "".
func IconURL(code string) string {
	if code == "" {
		return ""
	}
	return fmt.Sprintf("https://openweathermap.org/img/wn/%s@2x.png", code)
}
