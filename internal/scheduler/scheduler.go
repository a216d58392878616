// Package scheduler keeps the featured cities warm in the cache.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/neexbeast/weather-lookup/internal/weather"
)

const runTimeout = 30 * time.Second

// Warmer is the subset of *weather.Service used by the warm-up job.
type Warmer interface {
	Refresh(ctx context.Context, q weather.Query) (weather.Reading, error)
}

// Scheduler periodically refreshes the cached readings of a fixed city list.
type Scheduler struct {
	scheduler *gocron.Scheduler
	warmer    Warmer
	cities    []string
	interval  time.Duration
	log       *slog.Logger
}

// New creates a new Scheduler. It does nothing until Start is called.
func New(warmer Warmer, cities []string, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		warmer:    warmer,
		cities:    cities,
		interval:  interval,
		log:       log,
	}
}

// Start schedules the warm-up job, running it once immediately, and starts the
// underlying scheduler. A non-positive interval or empty city list disables it.
func (s *Scheduler) Start() error {
	if len(s.cities) == 0 || s.interval <= 0 {
		s.log.Info("cache warm-up disabled", "cities", len(s.cities), "interval", s.interval.String())
		return nil
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling cache warm-up: %w", err)
	}

	s.scheduler.StartAsync()
	s.log.Info("cache warm-up scheduled", "cities", len(s.cities), "interval", s.interval.String())
	return nil
}

// RunOnce re-fetches every configured city concurrently and returns how many
// readings were refreshed. A city whose fetch fails keeps its cached reading.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	var refreshed atomic.Int32

	var g errgroup.Group
	for _, city := range s.cities {
		g.Go(func() error {
			if _, err := s.warmer.Refresh(ctx, weather.Query{City: city}); err != nil {
				s.log.Warn("cache warm-up refresh failed", "city", city, "err", err)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(refreshed.Load())
	s.log.Info("cache warm-up completed", "requested", len(s.cities), "refreshed", n)
	return n
}

// Stop stops the scheduler and cancels any future runs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
