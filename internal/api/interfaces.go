package api

import (
	"context"

	"github.com/neexbeast/weather-lookup/internal/storage"
	"github.com/neexbeast/weather-lookup/internal/weather"
)

// WeatherService defines the lookup operations needed by handlers.
// *weather.Service satisfies it.
type WeatherService interface {
	Lookup(ctx context.Context, q weather.Query) (weather.Reading, error)
	LookupMany(ctx context.Context, cities []string) []weather.Reading
	Invalidate(ctx context.Context, city, region string) error
	Forecast(ctx context.Context, lat, lon float64) (weather.Forecast, error)
}

// QueryStore defines the query log reads needed by handlers.
type QueryStore interface {
	RecentQueries(ctx context.Context, limit int) ([]weather.QueryLogEntry, error)
	UserQueries(ctx context.Context, userID string, limit int) ([]weather.QueryLogEntry, error)
}

// UserStore defines the user reads needed by the premium handler.
type UserStore interface {
	GetUserStats(ctx context.Context, userID string) (*storage.UserStats, error)
}
