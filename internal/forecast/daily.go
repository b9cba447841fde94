// Package forecast reduces the provider's three-hour forecast list to one
// entry per day.
package forecast

import (
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// DefaultDays is the number of daily entries kept when no limit is configured.
const DefaultDays = 5

// Daily returns the first entry seen for each distinct weekday label, in list
// order, stopping after maxDays labels. Labels are computed in the city's
// local time given by tzOffset (seconds east of UTC).
func Daily(entries []models.ForecastEntry, tzOffset int, maxDays int) []models.DailyForecast {
	if maxDays <= 0 {
		maxDays = DefaultDays
	}
	zone := time.FixedZone("", tzOffset)
	seen := make(map[string]struct{}, maxDays)
	out := make([]models.DailyForecast, 0, maxDays)
	for _, e := range entries {
		local := e.Time.In(zone)
		label := local.Format("Mon")
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, models.DailyForecast{
			Day:         label,
			Date:        local.Format("2006-01-02"),
			Time:        e.Time,
			Temperature: e.Temperature,
			Conditions:  e.Conditions,
			Description: e.Description,
			Icon:        e.Icon,
			IconURL:     models.IconURL(e.Icon),
		})
		if len(out) == maxDays {
			break
		}
	}
	return out
}
