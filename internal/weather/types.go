package weather

import (
	"encoding/json"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 form used for Reading.Timestamp (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Query is a single current-weather request.
type Query struct {
	City     string
	Region   string
	CallerID string
}

// Reading is the normalized current weather for a city. It is a value type:
// once built it is never mutated, only cached and returned.
type Reading struct {
	City        string  `json:"city"`
	Country     string  `json:"country"`
	Temperature float64 `json:"temperature"`
	FeelsLike   float64 `json:"feels_like"`
	TempMin     float64 `json:"temp_min"`
	TempMax     float64 `json:"temp_max"`
	Humidity    int     `json:"humidity"`
	Pressure    int     `json:"pressure"`
	Description string  `json:"description"`
	Main        string  `json:"main"`
	Icon        string  `json:"icon"`
	WindSpeed   float64 `json:"wind_speed"`
	WindDeg     int     `json:"wind_deg"`
	Visibility  int     `json:"visibility"`
	Timestamp   string  `json:"timestamp"`
}

// QueryLogEntry is one row of the append-only upstream query log.
type QueryLogEntry struct {
	ID        string          `json:"id"`
	City      string          `json:"city"`
	Region    string          `json:"region,omitempty"`
	Data      json.RawMessage `json:"weather_data"`
	UserID    string          `json:"user_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// FetchEvent is emitted after every successful upstream fetch.
type FetchEvent struct {
	Key       string    `json:"key"`
	City      string    `json:"city"`
	Region    string    `json:"region,omitempty"`
	Reading   Reading   `json:"reading"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CacheKey returns the cache key for a city and optional region:
// weather_<city>[_<region>], lowercased and trimmed.
func CacheKey(city, region string) string {
	key := "weather_" + strings.ToLower(strings.TrimSpace(city))
	if r := strings.ToLower(strings.TrimSpace(region)); r != "" {
		key += "_" + r
	}
	return key
}
