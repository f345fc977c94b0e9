package repository

import (
	"context"
	"errors"
	"time"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Repository is the read-only data-access collaborator for hotel, guest and
// trigger-definition records.
type Repository interface {
	ListHotels(ctx context.Context) ([]models.Hotel, error)
	GetHotel(ctx context.Context, hotelID string) (*models.Hotel, error)
	GetGuest(ctx context.Context, hotelID, guestID string) (*models.Guest, error)
	// ListInHouseGuests returns guests whose stay covers at.
	ListInHouseGuests(ctx context.Context, hotelID string, at time.Time) ([]models.Guest, error)
	ListActiveTriggers(ctx context.Context, hotelID string) ([]models.TriggerDefinition, error)
	// GetTrigger returns the definition whether or not it is active.
	GetTrigger(ctx context.Context, id int64) (*models.TriggerDefinition, error)
}
