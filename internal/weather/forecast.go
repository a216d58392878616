package weather

import (
	"math"
	"sort"
	"time"
)

const maxForecastDays = 5

var spanishWeekdays = [...]string{
	time.Sunday:    "domingo",
	time.Monday:    "lunes",
	time.Tuesday:   "martes",
	time.Wednesday: "miércoles",
	time.Thursday:  "jueves",
	time.Friday:    "viernes",
	time.Saturday:  "sábado",
}

// Forecast is a daily summary of the provider's 3-hour forecast.
type Forecast struct {
	Location ForecastLocation `json:"location"`
	Days     []DailyForecast  `json:"forecast"`
}

// ForecastLocation describes where a Forecast applies.
type ForecastLocation struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Timezone int     `json:"timezone"`
	City     string  `json:"city"`
	Country  string  `json:"country"`
}

// DailyTemperature holds integer-rounded temperatures for one day.
type DailyTemperature struct {
	Min   int `json:"min"`
	Max   int `json:"max"`
	Day   int `json:"day"`
	Night int `json:"night"`
}

// Condition is the textual weather condition of a forecast day.
type Condition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// DailyForecast is one day of a Forecast.
type DailyForecast struct {
	Date          string           `json:"date"`
	DayName       string           `json:"dayName"`
	Temperature   DailyTemperature `json:"temperature"`
	Weather       Condition        `json:"weather"`
	Humidity      int              `json:"humidity"`
	Pressure      int              `json:"pressure"`
	WindSpeed     float64          `json:"windSpeed"`
	WindDirection int              `json:"windDirection"`
	Clouds        int              `json:"clouds"`
	Precipitation float64          `json:"precipitation"`
	Visibility    float64          `json:"visibility"` // km
}

// NormalizeForecast picks one sample per local calendar day and keeps at most
// five days. The first sample of a day is used unless a later one falls between
// 12:00 and 15:59 local time, in which case the latest such sample wins.
func NormalizeForecast(p *ForecastPayload, lat, lon float64) Forecast {
	zone := time.FixedZone("", p.City.Timezone)

	byDay := make(map[string]ForecastItem)
	var dates []string
	for _, item := range p.List {
		t := time.Unix(item.Dt, 0).In(zone)
		date := t.Format(time.DateOnly)
		if _, seen := byDay[date]; !seen {
			dates = append(dates, date)
			byDay[date] = item
			continue
		}
		if h := t.Hour(); h >= 12 && h <= 15 {
			byDay[date] = item
		}
	}
	sort.Strings(dates)
	if len(dates) > maxForecastDays {
		dates = dates[:maxForecastDays]
	}

	days := make([]DailyForecast, 0, len(dates))
	for _, date := range dates {
		item := byDay[date]
		t := time.Unix(item.Dt, 0).In(zone)

		day := DailyForecast{
			Date:    date,
			DayName: spanishWeekdays[t.Weekday()],
			Temperature: DailyTemperature{
				Min:   roundInt(item.Main.TempMin),
				Max:   roundInt(item.Main.TempMax),
				Day:   roundInt(item.Main.Temp),
				Night: roundInt(item.Main.Temp),
			},
			Humidity:      item.Main.Humidity,
			Pressure:      item.Main.Pressure,
			WindSpeed:     item.Wind.Speed,
			WindDirection: item.Wind.Deg,
			Clouds:        item.Clouds.All,
			Visibility:    float64(item.Visibility) / 1000,
		}
		if len(item.Weather) > 0 {
			day.Weather = Condition(item.Weather[0])
		}
		if item.Rain != nil {
			day.Precipitation = item.Rain.ThreeHours
		}
		days = append(days, day)
	}

	return Forecast{
		Location: ForecastLocation{
			Lat:      lat,
			Lon:      lon,
			Timezone: p.City.Timezone,
			City:     p.City.Name,
			Country:  p.City.Country,
		},
		Days: days,
	}
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
