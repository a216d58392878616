package weather_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/neexbeast/weather-lookup/internal/cache"
	"github.com/neexbeast/weather-lookup/internal/weather"
)

// buenosAiresFixture is the provider response used across tests.
const buenosAiresFixture = `{
	"name": "Buenos Aires",
	"sys": {"country": "AR"},
	"main": {"temp": 22.53, "feels_like": 25.08, "temp_min": 18.3, "temp_max": 26.7, "humidity": 65, "pressure": 1013},
	"weather": [{"main": "Clear", "description": "cielo despejado", "icon": "01d"}],
	"wind": {"speed": 3.2, "deg": 180},
	"visibility": 10000
}`

func cityFixture(name string) string {
	return strings.Replace(buenosAiresFixture, `"Buenos Aires"`, `"`+name+`"`, 1)
}

// upstream is an httptest OpenWeatherMap stand-in that counts calls per query.
type upstream struct {
	srv *httptest.Server

	mu      sync.Mutex
	queries []string
	calls   atomic.Int32
}

// newUpstream serves buenosAiresFixture (renamed to the queried city) for
// every query except those whose city starts with "Nonexistent" or "BadCity",
// which get a 404.
func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		q := r.URL.Query().Get("q")
		u.mu.Lock()
		u.queries = append(u.queries, q)
		u.mu.Unlock()

		city := strings.Split(q, ",")[0]
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(city, "Nonexistent") || strings.HasPrefix(city, "BadCity") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
			return
		}
		_, _ = w.Write([]byte(cityFixture(city)))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) Calls() int { return int(u.calls.Load()) }

func (u *upstream) Queries() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.queries...)
}

func newClient(t *testing.T, baseURL string) *weather.OpenWeatherClient {
	t.Helper()
	c, err := weather.NewOpenWeatherClient(weather.ClientConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func newRedisCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewCache(client), mr
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
