package weather

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	owmDefaultURL      = "https://api.openweathermap.org/data/2.5"
	defaultHTTPTimeout = 10 * time.Second
	defaultUnits       = "metric"
	defaultLang        = "es"
)

// ClientConfig is the immutable provider configuration, read once at startup.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Units   string
	Lang    string
	Timeout time.Duration
}

// OpenWeatherClient talks to the OpenWeatherMap 2.5 API.
type OpenWeatherClient struct {
	cfg     ClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
}

// NewOpenWeatherClient validates cfg and builds a client. A missing API key is
// a configuration error.
func NewOpenWeatherClient(cfg ClientConfig) (*OpenWeatherClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: openweathermap API key is required", ErrConfiguration)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = owmDefaultURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Units == "" {
		cfg.Units = defaultUnits
	}
	if cfg.Lang == "" {
		cfg.Lang = defaultLang
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}

	return &OpenWeatherClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker(),
		tracer:  otel.Tracer("weather"),
	}, nil
}

// newBreaker trips after five consecutive upstream failures. It never retries.
func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweathermap",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// ConditionPayload is one element of the provider's weather[] array.
type ConditionPayload struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// WindPayload is the provider's wind block.
type WindPayload struct {
	Speed float64 `json:"speed"`
	Deg   int     `json:"deg"`
}

// CurrentPayload is the subset of /weather consumed by NormalizeCurrent.
type CurrentPayload struct {
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		TempMin   float64 `json:"temp_min"`
		TempMax   float64 `json:"temp_max"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather    []ConditionPayload `json:"weather"`
	Wind       *WindPayload       `json:"wind"`
	Visibility *int               `json:"visibility"`

	// Raw is the undecoded response body, kept for the query log.
	Raw json.RawMessage `json:"-"`
}

// ForecastItem is one 3-hour sample of /forecast.
type ForecastItem struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     float64 `json:"temp"`
		TempMin  float64 `json:"temp_min"`
		TempMax  float64 `json:"temp_max"`
		Humidity int     `json:"humidity"`
		Pressure int     `json:"pressure"`
	} `json:"main"`
	Weather []ConditionPayload `json:"weather"`
	Wind    WindPayload        `json:"wind"`
	Clouds  struct {
		All int `json:"all"`
	} `json:"clouds"`
	Rain *struct {
		ThreeHours float64 `json:"3h"`
	} `json:"rain"`
	Visibility int `json:"visibility"`
}

// ForecastPayload is the subset of /forecast consumed by NormalizeForecast.
type ForecastPayload struct {
	List []ForecastItem `json:"list"`
	City struct {
		Name     string `json:"name"`
		Country  string `json:"country"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
}

// CurrentWeather fetches current conditions for a free-form q parameter
// ("city,region,country").
func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, q string) (*CurrentPayload, error) {
	ctx, span := c.tracer.Start(ctx, "openweathermap.current")
	defer span.End()
	span.SetAttributes(attribute.String("weather.query", q))

	params := url.Values{}
	params.Set("q", q)
	params.Set("units", c.cfg.Units)
	params.Set("lang", c.cfg.Lang)

	body, err := c.get(ctx, "/weather", params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("openweathermap current for %q: %w", q, err)
	}

	var payload CurrentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: decoding current weather for %q: %v", ErrUpstreamUnavailable, q, err)
	}
	payload.Raw = body

	return &payload, nil
}

// Forecast fetches the 5-day / 3-hour forecast for a coordinate.
func (c *OpenWeatherClient) Forecast(ctx context.Context, lat, lon float64) (*ForecastPayload, error) {
	ctx, span := c.tracer.Start(ctx, "openweathermap.forecast")
	defer span.End()
	span.SetAttributes(attribute.Float64("weather.lat", lat), attribute.Float64("weather.lon", lon))

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("units", c.cfg.Units)
	params.Set("lang", c.cfg.Lang)

	body, err := c.get(ctx, "/forecast", params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("openweathermap forecast for %f,%f: %w", lat, lon, err)
	}

	var payload ForecastPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: decoding forecast: %v", ErrUpstreamUnavailable, err)
	}

	return &payload, nil
}

type upstreamResponse struct {
	status int
	body   []byte
}

// get performs a GET through the circuit breaker and returns the body of a 200
// response. 404 maps to ErrNotFound; anything else to ErrUpstreamUnavailable.
// Only transport errors, 429 and 5xx count against the breaker.
func (c *OpenWeatherClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	params.Set("appid", c.cfg.APIKey)
	endpoint := c.cfg.BaseURL + path + "?" + params.Encode()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request for %s: %w", path, err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", path, redactKey(err, c.cfg.APIKey))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response from %s: %w", path, err)
		}

		out := upstreamResponse{status: resp.StatusCode, body: body}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return out, fmt.Errorf("GET %s returned status %d: %s", path, resp.StatusCode, upstreamMessage(body))
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	out := result.(upstreamResponse)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", out.status))

	switch {
	case out.status == http.StatusNotFound:
		return nil, ErrNotFound
	case out.status != http.StatusOK:
		return nil, fmt.Errorf("%w: GET %s returned status %d: %s", ErrUpstreamUnavailable, path, out.status, upstreamMessage(out.body))
	}

	return out.body, nil
}

// upstreamMessage extracts OpenWeatherMap's {"message": "..."} error text.
func upstreamMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
		return http.StatusText(http.StatusBadGateway)
	}
	return e.Message
}

// redactKey strips the API key from url.Error messages, which embed the full URL.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
