package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// MemoryRepository holds records in process memory. It backs local runs
// without DATABASE_URL and the tests of packages that read records.
type MemoryRepository struct {
	mu       sync.RWMutex
	hotels   map[string]models.Hotel
	guests   map[string]models.Guest
	triggers map[int64]models.TriggerDefinition
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		hotels:   make(map[string]models.Hotel),
		guests:   make(map[string]models.Guest),
		triggers: make(map[int64]models.TriggerDefinition),
	}
}

func guestKey(hotelID, guestID string) string {
	return hotelID + ":" + guestID
}

func (r *MemoryRepository) PutHotel(hotel models.Hotel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hotels[hotel.ID] = hotel
}

func (r *MemoryRepository) PutGuest(guest models.Guest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guests[guestKey(guest.HotelID, guest.ID)] = guest
}

// PutTrigger validates and stores a definition, replacing any with the same id.
func (r *MemoryRepository) PutTrigger(def models.TriggerDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[def.ID] = def
	return nil
}

func (r *MemoryRepository) SetTriggerActive(id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	}
	def.Active = active
	r.triggers[id] = def
	return nil
}

func (r *MemoryRepository) ListHotels(_ context.Context) ([]models.Hotel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hotels := make([]models.Hotel, 0, len(r.hotels))
	for _, h := range r.hotels {
		hotels = append(hotels, h)
	}
	sort.Slice(hotels, func(i, j int) bool { return hotels[i].ID < hotels[j].ID })
	return hotels, nil
}

func (r *MemoryRepository) GetHotel(_ context.Context, hotelID string) (*models.Hotel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hotel, ok := r.hotels[hotelID]
	if !ok {
		return nil, fmt.Errorf("hotel %s: %w", hotelID, ErrNotFound)
	}
	return &hotel, nil
}

func (r *MemoryRepository) GetGuest(_ context.Context, hotelID, guestID string) (*models.Guest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	guest, ok := r.guests[guestKey(hotelID, guestID)]
	if !ok {
		return nil, fmt.Errorf("guest %s: %w", guestID, ErrNotFound)
	}
	return &guest, nil
}

func (r *MemoryRepository) ListInHouseGuests(_ context.Context, hotelID string, at time.Time) ([]models.Guest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var guests []models.Guest
	for _, g := range r.guests {
		if g.HotelID != hotelID || g.CheckIn == nil || g.CheckIn.After(at) {
			continue
		}
		if g.CheckOut != nil && !g.CheckOut.After(at) {
			continue
		}
		guests = append(guests, g)
	}
	sort.Slice(guests, func(i, j int) bool { return guests[i].ID < guests[j].ID })
	return guests, nil
}

func (r *MemoryRepository) ListActiveTriggers(_ context.Context, hotelID string) ([]models.TriggerDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []models.TriggerDefinition
	for _, d := range r.triggers {
		if d.HotelID == hotelID && d.Active {
			defs = append(defs, d)
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].ID < defs[j].ID
	})
	return defs, nil
}

func (r *MemoryRepository) GetTrigger(_ context.Context, id int64) (*models.TriggerDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	}
	return &def, nil
}
