package weather

import "errors"

var (
	// ErrNotFound is returned when the provider does not know the requested city.
	ErrNotFound = errors.New("city not found")

	// ErrUpstreamUnavailable covers every other provider failure: non-2xx status,
	// transport errors, timeouts, undecodable bodies and an open circuit.
	ErrUpstreamUnavailable = errors.New("weather provider unavailable")

	// ErrConfiguration is fatal at startup (e.g. missing API key).
	ErrConfiguration = errors.New("weather configuration error")

	// ErrInvalidQuery is returned for a blank city.
	ErrInvalidQuery = errors.New("invalid weather query")
)
