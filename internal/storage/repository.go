package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neexbeast/weather-lookup/internal/weather"
)

const (
	// DefaultQueryLimit is the page size used when the caller gives none.
	DefaultQueryLimit = 10
	// MaxQueryLimit caps the number of query log entries returned per call.
	MaxQueryLimit = 100
)

// ErrUserNotFound is returned when a usage increment matches no user.
var ErrUserNotFound = errors.New("user not found")

// Querier abstracts the subset of pgxpool.Pool used by Repository.
// This allows injection of a mock in tests.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UserStats is the per-user usage summary shown on premium lookups.
type UserStats struct {
	UserID        string     `json:"userId"`
	Email         string     `json:"email"`
	FullName      string     `json:"fullName,omitempty"`
	TotalRequests int        `json:"totalRequests"`
	MemberSince   time.Time  `json:"memberSince"`
	LastLogin     *time.Time `json:"lastLogin,omitempty"`
}

// Repository provides database access for the query log and user counters.
type Repository struct {
	q Querier
}

// NewRepository constructs a Repository backed by the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{q: pool}
}

// NewRepositoryWithQuerier constructs a Repository with a custom Querier (for tests).
func NewRepositoryWithQuerier(q Querier) *Repository {
	return &Repository{q: q}
}

var (
	_ weather.QueryLog      = (*Repository)(nil)
	_ weather.UsageRecorder = (*Repository)(nil)
)

// SaveQuery appends an entry to weather_queries. A user id that is not a
// uuid, or names no row in users, is stored as NULL.
func (r *Repository) SaveQuery(ctx context.Context, e weather.QueryLogEntry) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	var region *string
	if e.Region != "" {
		region = &e.Region
	}

	var userID *string
	if parsed, err := uuid.Parse(e.UserID); err == nil {
		s := parsed.String()
		userID = &s
	}

	data := []byte(e.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	const q = `
		INSERT INTO weather_queries (id, city, region, weather_data, user_id)
		VALUES ($1, $2, $3, $4, (SELECT id FROM users WHERE id = $5))
	`

	if _, err := r.q.Exec(ctx, q, id, e.City, region, data, userID); err != nil {
		return fmt.Errorf("inserting weather query for city %s: %w", e.City, err)
	}

	return nil
}

// RecentQueries returns the newest query log entries across all users.
func (r *Repository) RecentQueries(ctx context.Context, limit int) ([]weather.QueryLogEntry, error) {
	const q = `
		SELECT id::text, city, COALESCE(region, ''), weather_data, COALESCE(user_id::text, ''), created_at
		FROM weather_queries
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.q.Query(ctx, q, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying recent weather queries: %w", err)
	}
	return scanEntries(rows)
}

// UserQueries returns the newest query log entries for one user. An id that
// is not a uuid matches nothing.
func (r *Repository) UserQueries(ctx context.Context, userID string, limit int) ([]weather.QueryLogEntry, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return []weather.QueryLogEntry{}, nil
	}

	const q = `
		SELECT id::text, city, COALESCE(region, ''), weather_data, COALESCE(user_id::text, ''), created_at
		FROM weather_queries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, q, id.String(), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying weather queries for user %s: %w", userID, err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]weather.QueryLogEntry, error) {
	defer rows.Close()

	entries := []weather.QueryLogEntry{}
	for rows.Next() {
		var e weather.QueryLogEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.City, &e.Region, &data, &e.UserID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning weather query row: %w", err)
		}
		e.Data = data
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating weather query rows: %w", err)
	}

	return entries, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return limit
}

// IncrementWeatherRequests bumps the user's request counter by one.
func (r *Repository) IncrementWeatherRequests(ctx context.Context, userID string) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUserNotFound, userID)
	}

	const q = `UPDATE users SET weather_requests = weather_requests + 1 WHERE id = $1`

	tag, err := r.q.Exec(ctx, q, id.String())
	if err != nil {
		return fmt.Errorf("incrementing weather requests for user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	return nil
}

// GetUserStats returns the usage summary for a user.
// Returns nil, nil when the user does not exist.
func (r *Repository) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, nil
	}

	const q = `
		SELECT id::text, email, COALESCE(full_name, ''), weather_requests, created_at, last_login_at
		FROM users
		WHERE id = $1
	`

	var s UserStats
	var lastLogin *time.Time

	err = r.q.QueryRow(ctx, q, id.String()).Scan(
		&s.UserID,
		&s.Email,
		&s.FullName,
		&s.TotalRequests,
		&s.MemberSince,
		&lastLogin,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying stats for user %s: %w", userID, err)
	}

	s.LastLogin = lastLogin
	return &s, nil
}
