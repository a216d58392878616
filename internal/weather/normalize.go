package weather

import (
	"math"
	"time"
)

// roundTemp rounds a temperature to one decimal place.
func roundTemp(v float64) float64 {
	return math.Round(v*10) / 10
}

// NormalizeCurrent maps a provider payload to a Reading captured at the given
// time. It is a pure function of its inputs.
func NormalizeCurrent(p *CurrentPayload, capturedAt time.Time) Reading {
	r := Reading{
		City:        p.Name,
		Country:     p.Sys.Country,
		Temperature: roundTemp(p.Main.Temp),
		FeelsLike:   roundTemp(p.Main.FeelsLike),
		TempMin:     roundTemp(p.Main.TempMin),
		TempMax:     roundTemp(p.Main.TempMax),
		Humidity:    p.Main.Humidity,
		Pressure:    p.Main.Pressure,
		Timestamp:   capturedAt.UTC().Format(TimestampLayout),
	}

	if len(p.Weather) > 0 {
		r.Main = p.Weather[0].Main
		r.Description = p.Weather[0].Description
		r.Icon = p.Weather[0].Icon
	}
	if p.Wind != nil {
		r.WindSpeed = p.Wind.Speed
		r.WindDeg = p.Wind.Deg
	}
	if p.Visibility != nil {
		r.Visibility = *p.Visibility
	}

	return r
}
