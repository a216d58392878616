package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neexbeast/weather-lookup/internal/api"
	"github.com/neexbeast/weather-lookup/internal/storage"
	"github.com/neexbeast/weather-lookup/internal/weather"
)

// ---- mock implementations ----

type mockWeather struct {
	lookupFn     func(ctx context.Context, q weather.Query) (weather.Reading, error)
	lookupManyFn func(ctx context.Context, cities []string) []weather.Reading
	invalidateFn func(ctx context.Context, city, region string) error
	forecastFn   func(ctx context.Context, lat, lon float64) (weather.Forecast, error)
}

func (m *mockWeather) Lookup(ctx context.Context, q weather.Query) (weather.Reading, error) {
	return m.lookupFn(ctx, q)
}
func (m *mockWeather) LookupMany(ctx context.Context, cities []string) []weather.Reading {
	return m.lookupManyFn(ctx, cities)
}
func (m *mockWeather) Invalidate(ctx context.Context, city, region string) error {
	return m.invalidateFn(ctx, city, region)
}
func (m *mockWeather) Forecast(ctx context.Context, lat, lon float64) (weather.Forecast, error) {
	return m.forecastFn(ctx, lat, lon)
}

type mockQueries struct {
	recentFn func(ctx context.Context, limit int) ([]weather.QueryLogEntry, error)
	userFn   func(ctx context.Context, userID string, limit int) ([]weather.QueryLogEntry, error)
}

func (m *mockQueries) RecentQueries(ctx context.Context, limit int) ([]weather.QueryLogEntry, error) {
	return m.recentFn(ctx, limit)
}
func (m *mockQueries) UserQueries(ctx context.Context, userID string, limit int) ([]weather.QueryLogEntry, error) {
	return m.userFn(ctx, userID, limit)
}

type mockUsers struct {
	statsFn func(ctx context.Context, userID string) (*storage.UserStats, error)
}

func (m *mockUsers) GetUserStats(ctx context.Context, userID string) (*storage.UserStats, error) {
	return m.statsFn(ctx, userID)
}

type mockPinger struct{ err error }

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

// ---- helpers ----

const testToken = "secret-token"

var featured = []string{"Buenos Aires", "Córdoba", "Rosario"}

func sampleReading(city string) weather.Reading {
	return weather.Reading{
		City:        city,
		Country:     "AR",
		Temperature: 22.5,
		FeelsLike:   25.1,
		Humidity:    65,
		Pressure:    1013,
		Main:        "Clear",
		Description: "cielo despejado",
		Timestamp:   "2025-01-10T15:00:00.000Z",
	}
}

// echoWeather answers every lookup with sampleReading and fails for cities
// starting with "Bad".
func echoWeather() *mockWeather {
	return &mockWeather{
		lookupFn: func(_ context.Context, q weather.Query) (weather.Reading, error) {
			if strings.HasPrefix(q.City, "Bad") {
				return weather.Reading{}, fmt.Errorf("looking up weather for %s: %w", q.City, weather.ErrNotFound)
			}
			return sampleReading(q.City), nil
		},
		lookupManyFn: func(_ context.Context, cities []string) []weather.Reading {
			out := []weather.Reading{}
			for _, c := range cities {
				if !strings.HasPrefix(c, "Bad") {
					out = append(out, sampleReading(c))
				}
			}
			return out
		},
		invalidateFn: func(_ context.Context, _, _ string) error { return nil },
		forecastFn: func(_ context.Context, lat, lon float64) (weather.Forecast, error) {
			return weather.Forecast{Location: weather.ForecastLocation{Lat: lat, Lon: lon}, Days: []weather.DailyForecast{}}, nil
		},
	}
}

type deps struct {
	weather *mockWeather
	queries *mockQueries
	users   *mockUsers
	db      *mockPinger
	redis   *mockPinger
}

func buildRouter(d deps) http.Handler {
	if d.weather == nil {
		d.weather = echoWeather()
	}
	if d.queries == nil {
		d.queries = &mockQueries{
			recentFn: func(_ context.Context, _ int) ([]weather.QueryLogEntry, error) { return []weather.QueryLogEntry{}, nil },
			userFn: func(_ context.Context, _ string, _ int) ([]weather.QueryLogEntry, error) {
				return []weather.QueryLogEntry{}, nil
			},
		}
	}
	if d.users == nil {
		d.users = &mockUsers{statsFn: func(_ context.Context, _ string) (*storage.UserStats, error) { return nil, nil }}
	}
	if d.db == nil {
		d.db = &mockPinger{}
	}
	if d.redis == nil {
		d.redis = &mockPinger{}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := api.NewHandlers(d.weather, d.queries, d.users, featured, log)
	return api.NewRouter(handlers, testToken, d.db, d.redis, log)
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func authed(extra ...string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + testToken}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body["error"]
}

// ---- GET /api/v1/weather ----

func TestGetWeather_OK(t *testing.T) {
	var got weather.Query
	mw := echoWeather()
	mw.lookupFn = func(_ context.Context, q weather.Query) (weather.Reading, error) {
		got = q
		return sampleReading(q.City), nil
	}

	w := do(t, buildRouter(deps{weather: mw}), http.MethodGet, "/api/v1/weather?city=La+Plata&province=Buenos+Aires", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, weather.Query{City: "La Plata", Region: "Buenos Aires"}, got)

	var r weather.Reading
	require.NoError(t, json.NewDecoder(w.Body).Decode(&r))
	assert.Equal(t, sampleReading("La Plata"), r)
}

func TestGetWeather_JSONFieldNames(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather?city=Salta", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&raw))
	for _, k := range []string{"city", "country", "temperature", "feels_like", "temp_min", "temp_max", "humidity", "pressure", "description", "main", "icon", "wind_speed", "wind_deg", "visibility", "timestamp"} {
		assert.Contains(t, raw, k)
	}
}

func TestGetWeather_Validation(t *testing.T) {
	tests := []struct {
		name, query string
	}{
		{"missing city", ""},
		{"blank city", "?city=%20%20"},
		{"too short", "?city=A"},
		{"too long", "?city=" + strings.Repeat("x", 51)},
		{"province too long", "?city=Salta&province=" + strings.Repeat("p", 51)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := echoWeather()
			mw.lookupFn = func(_ context.Context, _ weather.Query) (weather.Reading, error) {
				t.Fatal("service should not be called")
				return weather.Reading{}, nil
			}
			w := do(t, buildRouter(deps{weather: mw}), http.MethodGet, "/api/v1/weather"+tt.query, nil, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errorBody(t, w), "invalid request")
		})
	}
}

func TestGetWeather_MultibyteCityLength(t *testing.T) {
	// 50 runes, more than 50 bytes.
	city := strings.Repeat("ñ", 50)
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather?city="+url.QueryEscape(city), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetWeather_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", weather.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", weather.ErrUpstreamUnavailable), http.StatusBadGateway},
		{fmt.Errorf("x: %w", weather.ErrInvalidQuery), http.StatusBadRequest},
		{fmt.Errorf("something else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		mw := echoWeather()
		mw.lookupFn = func(_ context.Context, _ weather.Query) (weather.Reading, error) { return weather.Reading{}, tt.err }

		w := do(t, buildRouter(deps{weather: mw}), http.MethodGet, "/api/v1/weather?city=Salta", nil, nil)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}
}

func TestGetWeather_NotFoundMessage(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather?city=BadCity", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "city not found", errorBody(t, w))
}

// ---- GET /api/v1/weather/cities/{city} ----

func TestGetCityWeather_PathParam(t *testing.T) {
	var got weather.Query
	mw := echoWeather()
	mw.lookupFn = func(_ context.Context, q weather.Query) (weather.Reading, error) {
		got = q
		return sampleReading(q.City), nil
	}

	w := do(t, buildRouter(deps{weather: mw}), http.MethodGet, "/api/v1/weather/cities/Mar%20del%20Plata", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Mar del Plata", got.City)
	assert.Empty(t, got.CallerID)
}

// ---- GET /api/v1/weather/featured ----

func TestGetFeatured(t *testing.T) {
	var requested []string
	mw := echoWeather()
	inner := mw.lookupManyFn
	mw.lookupManyFn = func(ctx context.Context, cities []string) []weather.Reading {
		requested = cities
		return inner(ctx, cities)
	}

	w := do(t, buildRouter(deps{weather: mw}), http.MethodGet, "/api/v1/weather/featured", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, featured, requested)
	var got []weather.Reading
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Len(t, got, 3)
}

// ---- POST /api/v1/weather/multiple ----

func TestPostMultiple_DropsFailures(t *testing.T) {
	body := strings.NewReader(`{"cities":["Buenos Aires"," Cordoba ","BadCityXYZ"]}`)
	w := do(t, buildRouter(deps{}), http.MethodPost, "/api/v1/weather/multiple", body, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var got []weather.Reading
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "Buenos Aires", got[0].City)
	assert.Equal(t, "Cordoba", got[1].City)
}

func TestPostMultiple_AllFailReturnsEmptyArray(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodPost, "/api/v1/weather/multiple", strings.NewReader(`{"cities":["BadA","BadB"]}`), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestPostMultiple_Validation(t *testing.T) {
	tooMany := make([]string, 21)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("City%d", i)
	}
	tooManyJSON, _ := json.Marshal(map[string]any{"cities": tooMany})

	tests := []struct {
		name, body string
	}{
		{"bad json", `{"cities":`},
		{"missing", `{}`},
		{"empty list", `{"cities":[]}`},
		{"blank entry", `{"cities":["Salta","  "]}`},
		{"short entry", `{"cities":["X"]}`},
		{"too many", string(tooManyJSON)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, buildRouter(deps{}), http.MethodPost, "/api/v1/weather/multiple", strings.NewReader(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// ---- GET /api/v1/weather/forecast ----

func TestGetForecast_OK(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather/forecast?lat=-34.6&lon=-58.38", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var got weather.Forecast
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, -34.6, got.Location.Lat)
	assert.Equal(t, -58.38, got.Location.Lon)
}

func TestGetForecast_Validation(t *testing.T) {
	for _, q := range []string{"", "?lat=abc&lon=1", "?lat=91&lon=0", "?lat=0&lon=-181"} {
		w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather/forecast"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestGetForecast_UpstreamDown(t *testing.T) {
	mw := echoWeather()
	mw.forecastFn = func(_ context.Context, _, _ float64) (weather.Forecast, error) {
		return weather.Forecast{}, fmt.Errorf("fetching forecast: %w", weather.ErrUpstreamUnavailable)
	}

	w := do(t, buildRouter(deps{weather: mw}), http.MethodGet, "/api/v1/weather/forecast?lat=1&lon=1", nil, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// ---- GET /api/v1/weather/premium ----

func TestGetPremium_FlattensReadingWithUserStats(t *testing.T) {
	var got weather.Query
	mw := echoWeather()
	mw.lookupFn = func(_ context.Context, q weather.Query) (weather.Reading, error) {
		got = q
		return sampleReading(q.City), nil
	}
	users := &mockUsers{statsFn: func(_ context.Context, id string) (*storage.UserStats, error) {
		return &storage.UserStats{UserID: id, Email: "ana@example.com", FullName: "Ana Perez", TotalRequests: 41, MemberSince: time.Now()}, nil
	}}

	w := do(t, buildRouter(deps{weather: mw, users: users}), http.MethodGet, "/api/v1/weather/premium?city=Rosario", nil,
		authed(api.CallerIDHeader, "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, weather.Query{City: "Rosario", CallerID: "user-1"}, got)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, "Rosario", raw["city"])
	assert.Equal(t, 22.5, raw["temperature"])
	assert.NotContains(t, raw, "weather")

	var body struct {
		weather.Reading
		UserStats struct {
			TotalRequests int    `json:"totalRequests"`
			RequestedBy   string `json:"requestedBy"`
		} `json:"userStats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, sampleReading("Rosario"), body.Reading)
	assert.Equal(t, 42, body.UserStats.TotalRequests)
	assert.Equal(t, "Ana Perez", body.UserStats.RequestedBy)
}

func TestGetPremium_RequestedByFallsBackToEmail(t *testing.T) {
	users := &mockUsers{statsFn: func(_ context.Context, id string) (*storage.UserStats, error) {
		return &storage.UserStats{UserID: id, Email: "ana@example.com", TotalRequests: 3}, nil
	}}

	w := do(t, buildRouter(deps{users: users}), http.MethodGet, "/api/v1/weather/premium?city=Salta", nil,
		authed(api.CallerIDHeader, "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"requestedBy":"ana@example.com"`)
	assert.Contains(t, w.Body.String(), `"totalRequests":4`)
}

func TestGetPremium_InvalidCitySkipsStatsLookup(t *testing.T) {
	users := &mockUsers{statsFn: func(_ context.Context, _ string) (*storage.UserStats, error) {
		t.Fatal("stats should not be loaded for an invalid request")
		return nil, nil
	}}

	w := do(t, buildRouter(deps{users: users}), http.MethodGet, "/api/v1/weather/premium?city=A", nil,
		authed(api.CallerIDHeader, "user-1"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "invalid request")
}

func TestGetPremium_UnknownUser(t *testing.T) {
	users := &mockUsers{statsFn: func(_ context.Context, _ string) (*storage.UserStats, error) {
		return nil, fmt.Errorf("db down")
	}}

	w := do(t, buildRouter(deps{users: users}), http.MethodGet, "/api/v1/weather/premium?city=Salta", nil,
		authed(api.CallerIDHeader, "ghost"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalRequests":1`)
	assert.Contains(t, w.Body.String(), `"requestedBy":"ghost"`)
}

func TestGetPremium_RequiresCallerID(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather/premium?city=Salta", nil, authed())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, errorBody(t, w), api.CallerIDHeader)
}

func TestGetPremium_RequiresToken(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather/premium?city=Salta", nil,
		map[string]string{api.CallerIDHeader: "user-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---- DELETE /api/v1/weather/cache/{city} ----

func TestDeleteCache_OK(t *testing.T) {
	var city, region string
	mw := echoWeather()
	mw.invalidateFn = func(_ context.Context, c, r string) error {
		city, region = c, r
		return nil
	}

	w := do(t, buildRouter(deps{weather: mw}), http.MethodDelete, "/api/v1/weather/cache/La%20Plata?province=Buenos%20Aires", nil, authed())

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "La Plata", city)
	assert.Equal(t, "Buenos Aires", region)
}

func TestDeleteCache_Error(t *testing.T) {
	mw := echoWeather()
	mw.invalidateFn = func(_ context.Context, _, _ string) error { return fmt.Errorf("redis down") }

	w := do(t, buildRouter(deps{weather: mw}), http.MethodDelete, "/api/v1/weather/cache/Salta", nil, authed())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDeleteCache_RequiresToken(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodDelete, "/api/v1/weather/cache/Salta", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---- query log ----

func TestGetRecentQueries(t *testing.T) {
	var gotLimit int
	queries := &mockQueries{
		recentFn: func(_ context.Context, limit int) ([]weather.QueryLogEntry, error) {
			gotLimit = limit
			return []weather.QueryLogEntry{{ID: "q1", City: "Salta", Data: json.RawMessage(`{"name":"Salta"}`)}}, nil
		},
	}

	w := do(t, buildRouter(deps{queries: queries}), http.MethodGet, "/api/v1/weather/queries?limit=5", nil, authed())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, gotLimit)
	var got []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "Salta", got[0]["city"])
	assert.Equal(t, map[string]any{"name": "Salta"}, got[0]["weather_data"])
}

func TestGetRecentQueries_BadLimit(t *testing.T) {
	for _, l := range []string{"0", "-3", "ten"} {
		w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather/queries?limit="+l, nil, authed())
		assert.Equal(t, http.StatusBadRequest, w.Code, l)
	}
}

func TestGetRecentQueries_StoreError(t *testing.T) {
	queries := &mockQueries{
		recentFn: func(_ context.Context, _ int) ([]weather.QueryLogEntry, error) { return nil, fmt.Errorf("db down") },
	}
	w := do(t, buildRouter(deps{queries: queries}), http.MethodGet, "/api/v1/weather/queries", nil, authed())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetMyQueries_UsesCallerID(t *testing.T) {
	var gotUser string
	var gotLimit int
	queries := &mockQueries{
		userFn: func(_ context.Context, userID string, limit int) ([]weather.QueryLogEntry, error) {
			gotUser, gotLimit = userID, limit
			return []weather.QueryLogEntry{}, nil
		},
	}

	w := do(t, buildRouter(deps{queries: queries}), http.MethodGet, "/api/v1/weather/queries/mine", nil,
		authed(api.CallerIDHeader, "user-9"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-9", gotUser)
	assert.Zero(t, gotLimit, "absent limit defers to the store default")
	assert.JSONEq(t, `[]`, w.Body.String())
}

// ---- GET /api/v1/health ----

func TestHealth_OK(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ok", "db": "ok", "redis": "ok"}, body)
}

func TestHealth_DBDown(t *testing.T) {
	w := do(t, buildRouter(deps{db: &mockPinger{err: fmt.Errorf("db unreachable")}}), http.MethodGet, "/api/v1/health", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "error", body["db"])
	assert.Equal(t, "degraded", body["status"])
}

func TestHealth_RedisDown(t *testing.T) {
	w := do(t, buildRouter(deps{redis: &mockPinger{err: fmt.Errorf("redis unreachable")}}), http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---- Auth middleware ----

func TestBearerAuth_WrongToken(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather/queries", nil,
		map[string]string{"Authorization": "Bearer wrong-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorBody(t, w))
}

func TestBearerAuth_MissingBearerPrefix(t *testing.T) {
	w := do(t, buildRouter(deps{}), http.MethodGet, "/api/v1/weather/queries", nil,
		map[string]string{"Authorization": testToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublicRoutes_NoAuth(t *testing.T) {
	h := buildRouter(deps{})
	for _, target := range []string{"/api/v1/health", "/api/v1/weather?city=Salta", "/api/v1/weather/featured"} {
		w := do(t, h, http.MethodGet, target, nil, nil)
		assert.Equal(t, http.StatusOK, w.Code, target)
	}
}
