package triggers

import (
	"context"
	"strings"
	"time"

	"github.com/1rokoko/hotel-boost-sub006/pkg/contextstore"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// guestFields builds what condition-based definitions are evaluated against.
func (e *Engine) guestFields(ctx context.Context, hotel models.Hotel, guest models.Guest, conv *models.Conversation, now time.Time) Fields {
	fields := Fields{
		"hotel.id":          hotel.ID,
		"hotel.name":        hotel.Name,
		"guest.id":          guest.ID,
		"guest.name":        guest.Name,
		"guest.room_number": guest.RoomNumber,
		"guest.language":    guest.Language,
	}
	if guest.CheckIn != nil {
		fields["guest.hours_since_check_in"] = now.Sub(*guest.CheckIn).Hours()
	}
	if guest.CheckOut != nil {
		fields["guest.hours_until_check_out"] = guest.CheckOut.Sub(now).Hours()
	}

	fields["preferences"] = valueMap(e.store.Guest(guest.ID).Preferences(ctx))

	if conv != nil {
		fields["conversation.id"] = conv.ID
		fields["conversation.state"] = string(conv.State)
		fields["conversation.status"] = string(conv.Status)
		fields["conversation.hours_idle"] = now.Sub(conv.UpdatedAt).Hours()
		fields["context"] = valueMap(e.store.Conversation(conv.ID).CollectedInfo(ctx))
	}
	return fields
}

// eventFields exposes payload keys both bare and under "payload.".
func eventFields(event models.DomainEvent) Fields {
	fields := Fields{
		"event.name": event.Name,
		"hotel.id":   event.HotelID,
		"guest.id":   event.GuestID,
	}
	payload := make(map[string]interface{}, len(event.Payload))
	for k, v := range event.Payload {
		payload[k] = v
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	fields["payload"] = payload
	return fields
}

func valueMap(values map[string]contextstore.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v.Interface()
	}
	return out
}

// templateValues resolves placeholders. Context entries are weakest, event
// payload next, and guest/hotel records win.
func (e *Engine) templateValues(ctx context.Context, f models.Firing, loc *time.Location, extra map[string]interface{}) map[string]string {
	values := make(map[string]string)

	for k, v := range e.store.Guest(f.GuestID).Preferences(ctx) {
		values[strings.ToLower(k)] = v.Raw
	}
	if f.ConversationID != "" {
		for k, v := range e.store.Conversation(f.ConversationID).CollectedInfo(ctx) {
			values[strings.ToLower(k)] = v.Raw
		}
	}
	for k, v := range extra {
		values[strings.ToLower(k)] = toString(v)
	}

	if hotel, err := e.repo.GetHotel(ctx, f.HotelID); err == nil {
		values["hotel_name"] = hotel.Name
	}
	if guest, err := e.repo.GetGuest(ctx, f.HotelID, f.GuestID); err == nil {
		values["guest_name"] = guest.Name
		values["guest_first_name"] = strings.SplitN(strings.TrimSpace(guest.Name), " ", 2)[0]
		values["room_number"] = guest.RoomNumber
		if guest.CheckIn != nil {
			values["check_in_date"] = guest.CheckIn.In(loc).Format("Jan 2")
		}
		if guest.CheckOut != nil {
			values["check_out_date"] = guest.CheckOut.In(loc).Format("Jan 2")
		}
	} else {
		e.logger.WithError(err).WithField("guest_id", f.GuestID).Warn("Guest record unavailable for template rendering")
	}
	return values
}
