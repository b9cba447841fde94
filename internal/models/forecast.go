package models

import "time"

// ForecastEntry is a single three-hour forecast point as returned by the provider.
type ForecastEntry struct {
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"windSpeed"`
	Conditions  string    `json:"conditions"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
}

// Forecast is the raw provider forecast for one city.
type Forecast struct {
	CityID   int64           `json:"cityId"`
	CityName string          `json:"cityName"`
	TZOffset int             `json:"tzOffset"`
	Entries  []ForecastEntry `json:"entries"`
}

// DailyForecast is the first forecast entry seen for one weekday.
type DailyForecast struct {
	Day         string    `json:"day"` // short weekday label, e.g. "Mon"
	Date        string    `json:"date"`
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Conditions  string    `json:"conditions"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	IconURL     string    `json:"iconUrl,omitempty"`
}

// Dashboard is the view of the recent-cities list: the front city with its
// forecast, plus the remaining cities in recency order.
type Dashboard struct {
	Current       *WeatherRecord  `json:"current,omitempty"`
	Forecast      []DailyForecast `json:"forecast,omitempty"`
	ForecastError string          `json:"forecastError,omitempty"`
	Recent        []WeatherRecord `json:"recent"`
}
