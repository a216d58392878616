package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/neexbeast/weather-lookup/internal/weather"
)

const maxBodyBytes = 64 << 10

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	weather  WeatherService
	queries  QueryStore
	users    UserStore
	featured []string
	validate *validator.Validate
	log      *slog.Logger
}

// NewHandlers constructs Handlers with all required dependencies.
func NewHandlers(svc WeatherService, queries QueryStore, users UserStore, featured []string, log *slog.Logger) *Handlers {
	return &Handlers{
		weather:  svc,
		queries:  queries,
		users:    users,
		featured: featured,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

type cityRequest struct {
	City     string `json:"city" validate:"required,min=2,max=50"`
	Province string `json:"province" validate:"max=50"`
}

type multipleRequest struct {
	Cities []string `json:"cities" validate:"required,min=1,max=20,dive,required,min=2,max=50"`
}

type forecastRequest struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

// premiumResponse flattens the reading and adds userStats beside its fields.
type premiumResponse struct {
	weather.Reading
	UserStats premiumStats `json:"userStats"`
}

type premiumStats struct {
	TotalRequests int    `json:"totalRequests"`
	RequestedBy   string `json:"requestedBy"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLookupError maps service errors to status codes.
func (h *Handlers) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, weather.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, weather.ErrNotFound):
		writeError(w, http.StatusNotFound, weather.ErrNotFound.Error())
	case errors.Is(err, weather.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, weather.ErrUpstreamUnavailable.Error())
	default:
		h.log.Error("weather request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), rule))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request, req cityRequest, callerID string) (weather.Reading, bool) {
	req.City = strings.TrimSpace(req.City)
	req.Province = strings.TrimSpace(req.Province)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return weather.Reading{}, false
	}

	reading, err := h.weather.Lookup(r.Context(), weather.Query{City: req.City, Region: req.Province, CallerID: callerID})
	if err != nil {
		h.writeLookupError(w, err)
		return weather.Reading{}, false
	}
	return reading, true
}

// GetWeather handles GET /api/v1/weather?city=&province=.
func (h *Handlers) GetWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reading, ok := h.lookup(w, r, cityRequest{City: q.Get("city"), Province: q.Get("province")}, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// GetCityWeather handles GET /api/v1/weather/cities/{city}.
func (h *Handlers) GetCityWeather(w http.ResponseWriter, r *http.Request) {
	reading, ok := h.lookup(w, r, cityRequest{City: chi.URLParam(r, "city"), Province: r.URL.Query().Get("province")}, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// GetFeatured handles GET /api/v1/weather/featured.
func (h *Handlers) GetFeatured(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.weather.LookupMany(r.Context(), h.featured))
}

// PostMultiple handles POST /api/v1/weather/multiple. Cities that fail are
// omitted from the response.
func (h *Handlers) PostMultiple(w http.ResponseWriter, r *http.Request) {
	var req multipleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for i := range req.Cities {
		req.Cities[i] = strings.TrimSpace(req.Cities[i])
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, h.weather.LookupMany(r.Context(), req.Cities))
}

// GetForecast handles GET /api/v1/weather/forecast?lat=&lon=.
func (h *Handlers) GetForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		writeError(w, http.StatusBadRequest, "lat and lon must be numbers")
		return
	}

	req := forecastRequest{Lat: lat, Lon: lon}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	forecast, err := h.weather.Forecast(r.Context(), req.Lat, req.Lon)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

// GetPremium handles GET /api/v1/weather/premium. The lookup counts against
// the caller and the response carries their updated request total.
func (h *Handlers) GetPremium(w http.ResponseWriter, r *http.Request) {
	callerID := CallerID(r.Context())

	q := r.URL.Query()
	req := cityRequest{City: strings.TrimSpace(q.Get("city")), Province: strings.TrimSpace(q.Get("province"))}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	// Stats are read before the lookup so the background increment it
	// triggers is not counted twice.
	requestedBy := callerID
	total := 1
	stats, err := h.users.GetUserStats(r.Context(), callerID)
	if err != nil {
		h.log.Warn("loading user stats failed", "user_id", callerID, "err", err)
	}
	if stats != nil {
		total = stats.TotalRequests + 1
		switch {
		case stats.FullName != "":
			requestedBy = stats.FullName
		case stats.Email != "":
			requestedBy = stats.Email
		}
	}

	reading, ok := h.lookup(w, r, req, callerID)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, premiumResponse{
		Reading:   reading,
		UserStats: premiumStats{TotalRequests: total, RequestedBy: requestedBy},
	})
}

// DeleteCache handles DELETE /api/v1/weather/cache/{city}?province=.
func (h *Handlers) DeleteCache(w http.ResponseWriter, r *http.Request) {
	city := strings.TrimSpace(chi.URLParam(r, "city"))
	if city == "" {
		writeError(w, http.StatusBadRequest, "city is required")
		return
	}

	if err := h.weather.Invalidate(r.Context(), city, r.URL.Query().Get("province")); err != nil {
		h.log.Error("cache invalidation failed", "city", city, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetRecentQueries handles GET /api/v1/weather/queries?limit=.
func (h *Handlers) GetRecentQueries(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.queries.RecentQueries(r.Context(), limit)
	if err != nil {
		h.log.Error("loading recent queries failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetMyQueries handles GET /api/v1/weather/queries/mine?limit=.
func (h *Handlers) GetMyQueries(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	callerID := CallerID(r.Context())
	entries, err := h.queries.UserQueries(r.Context(), callerID, limit)
	if err != nil {
		h.log.Error("loading user queries failed", "user_id", callerID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// parseLimit reads ?limit=; absent means the store default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandlerFunc returns an http.HandlerFunc that checks db and redis connectivity.
// Returns 200 if both respond, 503 otherwise.
func HealthHandlerFunc(db, redis pinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok", "db": "ok", "redis": "ok"}

		if err := db.Ping(ctx); err != nil {
			log.Error("health check: db ping failed", "err", err)
			body["db"] = "error"
			status = http.StatusServiceUnavailable
		}

		if err := redis.Ping(ctx); err != nil {
			log.Error("health check: redis ping failed", "err", err)
			body["redis"] = "error"
			status = http.StatusServiceUnavailable
		}

		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		writeJSON(w, status, body)
	}
}
