package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// CachedRepository keeps recently read records in process memory. Guest stays
// change more often than definitions, so guests get the shorter expiry.
type CachedRepository struct {
	next     Repository
	records  *cache.Cache
	guests   *cache.Cache
	guestTTL time.Duration
}

func NewCachedRepository(next Repository, ttl time.Duration) *CachedRepository {
	guestTTL := ttl / 4
	if guestTTL < time.Second {
		guestTTL = time.Second
	}
	return &CachedRepository{
		next:     next,
		records:  cache.New(ttl, 2*ttl),
		guests:   cache.New(guestTTL, 2*guestTTL),
		guestTTL: guestTTL,
	}
}

// Invalidate drops everything, e.g. after an admin edits definitions.
func (r *CachedRepository) Invalidate() {
	r.records.Flush()
	r.guests.Flush()
}

func (r *CachedRepository) ListHotels(ctx context.Context) ([]models.Hotel, error) {
	if v, ok := r.records.Get("hotels"); ok {
		return v.([]models.Hotel), nil
	}
	hotels, err := r.next.ListHotels(ctx)
	if err != nil {
		return nil, err
	}
	r.records.SetDefault("hotels", hotels)
	return hotels, nil
}

func (r *CachedRepository) GetHotel(ctx context.Context, hotelID string) (*models.Hotel, error) {
	key := "hotel:" + hotelID
	if v, ok := r.records.Get(key); ok {
		return v.(*models.Hotel), nil
	}
	hotel, err := r.next.GetHotel(ctx, hotelID)
	if err != nil {
		return nil, err
	}
	r.records.SetDefault(key, hotel)
	return hotel, nil
}

func (r *CachedRepository) GetGuest(ctx context.Context, hotelID, guestID string) (*models.Guest, error) {
	key := hotelID + ":" + guestID
	if v, ok := r.guests.Get(key); ok {
		return v.(*models.Guest), nil
	}
	guest, err := r.next.GetGuest(ctx, hotelID, guestID)
	if err != nil {
		return nil, err
	}
	r.guests.SetDefault(key, guest)
	return guest, nil
}

// ListInHouseGuests is not cached; the answer depends on the instant asked.
func (r *CachedRepository) ListInHouseGuests(ctx context.Context, hotelID string, at time.Time) ([]models.Guest, error) {
	return r.next.ListInHouseGuests(ctx, hotelID, at)
}

func (r *CachedRepository) ListActiveTriggers(ctx context.Context, hotelID string) ([]models.TriggerDefinition, error) {
	key := "triggers:" + hotelID
	if v, ok := r.records.Get(key); ok {
		return v.([]models.TriggerDefinition), nil
	}
	defs, err := r.next.ListActiveTriggers(ctx, hotelID)
	if err != nil {
		return nil, err
	}
	r.records.SetDefault(key, defs)
	return defs, nil
}

func (r *CachedRepository) GetTrigger(ctx context.Context, id int64) (*models.TriggerDefinition, error) {
	key := fmt.Sprintf("trigger:%d", id)
	if v, ok := r.records.Get(key); ok {
		return v.(*models.TriggerDefinition), nil
	}
	def, err := r.next.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	r.records.SetDefault(key, def)
	return def, nil
}
