package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCacheTTL matches the 600000 ms cache window of the upstream contract.
	DefaultCacheTTL = 10 * time.Minute

	// DefaultCountryCode is appended to every upstream query.
	DefaultCountryCode = "AR"

	backgroundTimeout = 5 * time.Second
)

// Provider is the upstream weather API. *OpenWeatherClient satisfies it.
type Provider interface {
	CurrentWeather(ctx context.Context, q string) (*CurrentPayload, error)
	Forecast(ctx context.Context, lat, lon float64) (*ForecastPayload, error)
}

// Cache is the TTL key/value store for readings. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*Reading, error)
	Set(ctx context.Context, key string, r *Reading, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// UsageRecorder increments a caller's weather request counter.
type UsageRecorder interface {
	IncrementWeatherRequests(ctx context.Context, userID string) error
}

// QueryLog appends upstream responses to the query log.
type QueryLog interface {
	SaveQuery(ctx context.Context, entry QueryLogEntry) error
}

// EventPublisher publishes fetch events. Delivery is best effort.
type EventPublisher interface {
	PublishFetch(ctx context.Context, ev FetchEvent)
}

// Options carries the optional collaborators and policies of a Service.
// Zero values select the defaults; nil collaborators are skipped.
type Options struct {
	CountryCode string
	// DisableCountryCode sends queries without any country filter.
	DisableCountryCode bool
	CacheTTL           time.Duration

	QueryLog QueryLog
	Usage    UsageRecorder
	Events   EventPublisher

	Logger *slog.Logger
	Now    func() time.Time
}

// Service resolves city queries to readings using a cache-aside strategy.
// It holds no mutable domain state; only the background task counter changes.
type Service struct {
	provider    Provider
	cache       Cache
	queries     QueryLog
	usage       UsageRecorder
	events      EventPublisher
	countryCode string
	ttl         time.Duration
	log         *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer

	bg sync.WaitGroup
}

// NewService constructs a Service.
func NewService(provider Provider, cache Cache, opts Options) *Service {
	s := &Service{
		provider:    provider,
		cache:       cache,
		queries:     opts.QueryLog,
		usage:       opts.Usage,
		events:      opts.Events,
		countryCode: strings.TrimSpace(opts.CountryCode),
		ttl:         opts.CacheTTL,
		log:         opts.Logger,
		now:         opts.Now,
		tracer:      otel.Tracer("weather"),
	}
	switch {
	case opts.DisableCountryCode:
		s.countryCode = ""
	case s.countryCode == "":
		s.countryCode = DefaultCountryCode
	}
	if s.ttl <= 0 {
		s.ttl = DefaultCacheTTL
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// upstreamQuery builds the provider's q parameter: city[,region][,country].
func (s *Service) upstreamQuery(city, region string) string {
	parts := []string{strings.TrimSpace(city)}
	if r := strings.TrimSpace(region); r != "" {
		parts = append(parts, r)
	}
	if s.countryCode != "" {
		parts = append(parts, s.countryCode)
	}
	return strings.Join(parts, ",")
}

// Lookup returns the current weather for q. Cache hits are returned verbatim,
// including the original capture timestamp.
func (s *Service) Lookup(ctx context.Context, q Query) (Reading, error) {
	if strings.TrimSpace(q.City) == "" {
		return Reading{}, fmt.Errorf("%w: city is required", ErrInvalidQuery)
	}

	ctx, span := s.tracer.Start(ctx, "weather.lookup")
	defer span.End()
	span.SetAttributes(attribute.String("weather.city", q.City))

	key := CacheKey(q.City, q.Region)

	cached, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache get failed", "key", key, "err", err)
	}
	if cached != nil {
		span.SetAttributes(attribute.Bool("weather.cache_hit", true))
		s.RecordUsage(ctx, q.CallerID)
		return *cached, nil
	}
	span.SetAttributes(attribute.Bool("weather.cache_hit", false))

	reading, err := s.fetch(ctx, key, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reading{}, err
	}

	s.RecordUsage(ctx, q.CallerID)
	return reading, nil
}

// fetch calls the upstream and overwrites the cached reading on success.
// On failure the existing cache entry is left untouched.
func (s *Service) fetch(ctx context.Context, key string, q Query) (Reading, error) {
	payload, err := s.provider.CurrentWeather(ctx, s.upstreamQuery(q.City, q.Region))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("upstream weather fetch failed", "city", q.City, "region", q.Region, "err", err)
		}
		return Reading{}, fmt.Errorf("looking up weather for %s: %w", q.City, err)
	}

	fetchedAt := s.now()
	reading := NormalizeCurrent(payload, fetchedAt)

	if err := s.cache.Set(ctx, key, &reading, s.ttl); err != nil {
		s.log.Warn("cache set failed", "key", key, "err", err)
	}

	s.afterFetch(ctx, key, q, reading, payload, fetchedAt)

	return reading, nil
}

// afterFetch appends the query log entry and publishes the fetch event in the
// background.
func (s *Service) afterFetch(ctx context.Context, key string, q Query, r Reading, p *CurrentPayload, fetchedAt time.Time) {
	if s.queries != nil {
		entry := QueryLogEntry{
			City:   q.City,
			Region: q.Region,
			Data:   p.Raw,
			UserID: q.CallerID,
		}
		s.detach(ctx, func(ctx context.Context) {
			if err := s.queries.SaveQuery(ctx, entry); err != nil {
				s.log.Warn("saving query log entry failed", "city", q.City, "err", err)
			}
		})
	}

	if s.events != nil {
		ev := FetchEvent{Key: key, City: q.City, Region: q.Region, Reading: r, FetchedAt: fetchedAt.UTC()}
		s.detach(ctx, func(ctx context.Context) {
			s.events.PublishFetch(ctx, ev)
		})
	}
}

// LookupMany looks up every city concurrently and returns the readings that
// succeeded, in input order. Individual failures are logged and dropped.
func (s *Service) LookupMany(ctx context.Context, cities []string) []Reading {
	results := make([]*Reading, len(cities))

	var g errgroup.Group
	for i, city := range cities {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("city lookup panicked", "city", city, "recover", r)
				}
			}()
			reading, lookupErr := s.Lookup(ctx, Query{City: city})
			if lookupErr != nil {
				s.log.Warn("city lookup failed", "city", city, "err", lookupErr)
				return nil
			}
			results[i] = &reading
			return nil
		})
	}
	_ = g.Wait()

	readings := make([]Reading, 0, len(cities))
	for _, r := range results {
		if r != nil {
			readings = append(readings, *r)
		}
	}
	return readings
}

// Invalidate drops the cached reading for a city and optional region.
// A missing entry is not an error.
func (s *Service) Invalidate(ctx context.Context, city, region string) error {
	key := CacheKey(city, region)
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidating %s: %w", key, err)
	}
	return nil
}

// Refresh fetches a fresh reading and overwrites the cached one. When the
// upstream fails the previous entry stays in the cache.
func (s *Service) Refresh(ctx context.Context, q Query) (Reading, error) {
	if strings.TrimSpace(q.City) == "" {
		return Reading{}, fmt.Errorf("%w: city is required", ErrInvalidQuery)
	}

	ctx, span := s.tracer.Start(ctx, "weather.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("weather.city", q.City))

	reading, err := s.fetch(ctx, CacheKey(q.City, q.Region), q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reading{}, err
	}
	s.RecordUsage(ctx, q.CallerID)
	return reading, nil
}

// RecordUsage increments the caller's request counter without blocking the
// caller. Failures are logged only.
func (s *Service) RecordUsage(ctx context.Context, callerID string) {
	if s.usage == nil || strings.TrimSpace(callerID) == "" {
		return
	}
	s.detach(ctx, func(ctx context.Context) {
		if err := s.usage.IncrementWeatherRequests(ctx, callerID); err != nil {
			s.log.Warn("incrementing weather request counter failed", "user_id", callerID, "err", err)
		}
	})
}

// Forecast returns the five-day forecast for a coordinate. Forecasts are not cached.
func (s *Service) Forecast(ctx context.Context, lat, lon float64) (Forecast, error) {
	ctx, span := s.tracer.Start(ctx, "weather.forecast")
	defer span.End()

	payload, err := s.provider.Forecast(ctx, lat, lon)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Forecast{}, fmt.Errorf("fetching forecast: %w", err)
	}
	return NormalizeForecast(payload, lat, lon), nil
}

// Wait blocks until all background tasks have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// detach runs fn in a goroutine on a context that outlives the request.
func (s *Service) detach(ctx context.Context, fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background task panicked", "recover", r)
			}
		}()

		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		fn(bgCtx)
	}()
}
