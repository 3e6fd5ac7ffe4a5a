// Package locations stores each user's last-known coordinates, which feed the
// proximity-aware match allocator.
package locations

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/backend/internal/models"
)

// Repository handles user location persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a user location repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert writes a user's location, one row per user.
func (r *Repository) Upsert(ctx context.Context, loc *models.UserLocation) error {
	const q = `INSERT INTO user_locations (user_id, latitude, longitude, region, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
		    region = EXCLUDED.region, updated_at = NOW()
		RETURNING updated_at`
	return r.pool.QueryRow(ctx, q, loc.UserID, loc.Latitude, loc.Longitude, loc.Region).
		Scan(&loc.UpdatedAt)
}

// Get returns a user's last-known location, or nil when none is recorded.
func (r *Repository) Get(ctx context.Context, userID uuid.UUID) (*models.UserLocation, error) {
	const q = `SELECT user_id, latitude, longitude, region, updated_at
		FROM user_locations WHERE user_id = $1`
	var loc models.UserLocation
	err := r.pool.QueryRow(ctx, q, userID).
		Scan(&loc.UserID, &loc.Latitude, &loc.Longitude, &loc.Region, &loc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}
