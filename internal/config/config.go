// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/neexbeast/weather-lookup/internal/weather"
)

// DefaultFeaturedCities are warmed by the scheduler and served by /featured.
var DefaultFeaturedCities = []string{
	"Buenos Aires",
	"Córdoba",
	"Rosario",
	"Mendoza",
	"La Plata",
	"Mar del Plata",
	"Salta",
	"Tucumán",
}

// Config is read once at startup and never mutated.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	BearerToken   string
	MigrationsDir string

	OpenWeatherAPIKey  string
	OpenWeatherBaseURL string
	Lang               string
	// CountryCode is appended to upstream queries; empty disables the filter.
	CountryCode string
	CacheTTL    time.Duration
	HTTPTimeout time.Duration

	FeaturedCities []string
	WarmInterval   time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	ZipkinURL    string
}

// Load reads the environment, after applying an optional .env file.
// Missing required variables wrap weather.ErrConfiguration.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		BearerToken:        os.Getenv("BEARER_TOKEN"),
		MigrationsDir:      getEnv("MIGRATIONS_DIR", "migrations"),
		OpenWeatherAPIKey:  os.Getenv("OPENWEATHER_API_KEY"),
		OpenWeatherBaseURL: os.Getenv("OPENWEATHER_BASE_URL"),
		Lang:               getEnv("WEATHER_LANG", "es"),
		CountryCode:        weather.DefaultCountryCode,
		FeaturedCities:     DefaultFeaturedCities,
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "weather-fetches"),
		ZipkinURL:          os.Getenv("ZIPKIN_URL"),
	}

	var missing []string
	for name, v := range map[string]string{
		"DATABASE_URL":        cfg.DatabaseURL,
		"REDIS_URL":           cfg.RedisURL,
		"BEARER_TOKEN":        cfg.BearerToken,
		"OPENWEATHER_API_KEY": cfg.OpenWeatherAPIKey,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: missing required env vars %s", weather.ErrConfiguration, strings.Join(missing, ", "))
	}

	if v, ok := os.LookupEnv("WEATHER_COUNTRY"); ok {
		cfg.CountryCode = strings.TrimSpace(v)
	}
	if cities := splitList(os.Getenv("FEATURED_CITIES")); len(cities) > 0 {
		cfg.FeaturedCities = cities
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", weather.DefaultCacheTTL); err != nil {
		return nil, err
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("%w: CACHE_TTL must be positive", weather.ErrConfiguration)
	}
	if cfg.HTTPTimeout, err = getDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WarmInterval, err = getDuration("WARM_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", weather.ErrConfiguration, key, err)
	}
	return d, nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
