package models

import (
	"time"

	"github.com/google/uuid"
)

// UserLocation is a user's last-known coordinates, one row per user.
type UserLocation struct {
	UserID    uuid.UUID `json:"userId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Region    string    `json:"region,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
