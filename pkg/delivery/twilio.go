package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// GuestDirectory resolves the guest's phone number
type GuestDirectory interface {
	GetGuest(ctx context.Context, hotelID, guestID string) (*models.Guest, error)
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender delivers WhatsApp messages through the Twilio REST API
type TwilioSender struct {
	api       messageCreator
	fromWhats string
	guests    GuestDirectory
	logger    *logrus.Logger
}

func NewTwilioSender(accountSID, authToken, from string, guests GuestDirectory, logger *logrus.Logger) (*TwilioSender, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if from == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioSender(rest.Api, from, guests, logger), nil
}

func newTwilioSender(api messageCreator, from string, guests GuestDirectory, logger *logrus.Logger) *TwilioSender {
	return &TwilioSender{
		api:       api,
		fromWhats: whatsappAddress(from),
		guests:    guests,
		logger:    logger,
	}
}

func (s *TwilioSender) Send(ctx context.Context, hotelID, guestID, text string) (Result, error) {
	guest, err := s.guests.GetGuest(ctx, hotelID, guestID)
	if err != nil {
		return Result{}, transient(fmt.Errorf("guest lookup failed: %w", err))
	}
	if guest == nil || guest.Phone == "" {
		return Result{}, permanent(fmt.Errorf("guest %s has no phone number", guestID))
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(guest.Phone))
	params.SetFrom(s.fromWhats)
	params.SetBody(text)

	type outcome struct {
		msg *twilioApi.ApiV2010Message
		err error
	}
	done := make(chan outcome, 1)

	// The SDK call takes no context; bound it here.
	go func() {
		msg, err := s.api.CreateMessage(params)
		done <- outcome{msg, err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, transient(fmt.Errorf("twilio send timed out: %w", ctx.Err()))
	case out := <-done:
		if out.err != nil {
			return Result{}, classify(out.err)
		}
		result := Result{}
		if out.msg != nil && out.msg.Sid != nil {
			result.DeliveryID = *out.msg.Sid
		}

		s.logger.WithFields(logrus.Fields{
			"hotel_id":    hotelID,
			"guest_id":    guestID,
			"delivery_id": result.DeliveryID,
		}).Debug("Twilio message sent")
		return result, nil
	}
}

// classify maps Twilio failures to delivery kinds: throttling and server
// errors are transient, other client errors are permanent.
func classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == http.StatusTooManyRequests || restErr.Status >= 500 {
			return transient(err)
		}
		return permanent(err)
	}
	// Network failures never reached Twilio.
	return transient(err)
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
