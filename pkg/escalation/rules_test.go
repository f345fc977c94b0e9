package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

func history(state models.ConversationState, intents ...models.Intent) []models.IntentRecord {
	records := make([]models.IntentRecord, 0, len(intents))
	for _, intent := range intents {
		records = append(records, models.IntentRecord{Intent: intent, State: state})
	}
	return records
}

func TestRules_NegativeSentiment(t *testing.T) {
	rules := DefaultRules()
	result := models.IntentResult{
		Intent:              models.IntentComplaint,
		Urgency:             2,
		SentimentScore:      -0.8,
		SentimentConfidence: 0.9,
	}

	triggers := rules.Evaluate(result, history(models.StateAwaitingStaff, models.IntentComplaint))
	require.Len(t, triggers, 1)
	assert.Equal(t, models.ReasonNegativeSentiment, triggers[0].Reason)
	assert.Equal(t, models.SeverityHigh, triggers[0].Severity)
}

func TestRules_SentimentNeedsConfidence(t *testing.T) {
	rules := DefaultRules()

	assert.Empty(t, rules.Evaluate(models.IntentResult{Urgency: 1, SentimentScore: -0.9, SentimentConfidence: 0.7}, nil))
	assert.Empty(t, rules.Evaluate(models.IntentResult{Urgency: 1, SentimentScore: -0.5, SentimentConfidence: 0.95}, nil))
}

func TestRules_Urgency(t *testing.T) {
	rules := DefaultRules()

	assert.Empty(t, rules.Evaluate(models.IntentResult{Urgency: 3}, nil))

	triggers := rules.Evaluate(models.IntentResult{Urgency: 4}, nil)
	require.Len(t, triggers, 1)
	assert.Equal(t, models.ReasonHighUrgency, triggers[0].Reason)
	assert.Equal(t, models.SeverityHigh, triggers[0].Severity)

	triggers = rules.Evaluate(models.IntentResult{Urgency: 5}, nil)
	require.Len(t, triggers, 1)
	assert.Equal(t, models.SeverityCritical, triggers[0].Severity)
}

func TestRules_ExplicitRequest(t *testing.T) {
	triggers := DefaultRules().Evaluate(models.IntentResult{Intent: models.IntentEscalationRequest, Urgency: 1}, nil)
	require.Len(t, triggers, 1)
	assert.Equal(t, models.ReasonExplicitRequest, triggers[0].Reason)
}

func TestRules_RepeatedIntentOnFifthBooking(t *testing.T) {
	rules := DefaultRules()
	result := models.IntentResult{Intent: models.IntentBookingRequest, Urgency: 1}

	var h []models.IntentRecord
	var triggers []models.EscalationTrigger
	for i := 0; i < 5; i++ {
		h = append(h, models.IntentRecord{Intent: models.IntentBookingRequest, State: models.StateCollectingInfo})
		triggers = rules.Evaluate(result, h)
	}

	require.Len(t, triggers, 1)
	assert.Equal(t, models.ReasonRepeatedIntent, triggers[0].Reason)
}

func TestRules_RepeatedIntentThreshold(t *testing.T) {
	rules := DefaultRules()
	result := models.IntentResult{Intent: models.IntentBookingRequest, Urgency: 1}

	two := history(models.StateCollectingInfo, models.IntentGreeting, models.IntentBookingRequest, models.IntentBookingRequest)
	assert.Empty(t, rules.Evaluate(result, two))

	// Only the last five entries count.
	spread := history(models.StateCollectingInfo,
		models.IntentBookingRequest, models.IntentBookingRequest,
		models.IntentGreeting, models.IntentGeneralQuestion, models.IntentThanks, models.IntentGreeting, models.IntentBookingRequest)
	assert.Empty(t, rules.Evaluate(result, spread))
}

func TestRules_RepeatedIntentResetByResolution(t *testing.T) {
	rules := DefaultRules()
	result := models.IntentResult{Intent: models.IntentBookingRequest, Urgency: 1}

	h := history(models.StateCollectingInfo, models.IntentBookingRequest, models.IntentBookingRequest)
	h = append(h, models.IntentRecord{Intent: models.IntentConfirmation, State: models.StateResolved})
	h = append(h, history(models.StateCollectingInfo, models.IntentBookingRequest, models.IntentBookingRequest)...)

	assert.Empty(t, rules.Evaluate(result, h))
}

func TestRules_AllMatchesRecordedMostSevereFirst(t *testing.T) {
	result := models.IntentResult{
		Intent:              models.IntentEscalationRequest,
		Urgency:             5,
		SentimentScore:      -0.9,
		SentimentConfidence: 0.95,
	}
	h := history(models.StateCollectingInfo, models.IntentEscalationRequest, models.IntentEscalationRequest, models.IntentEscalationRequest)

	triggers := DefaultRules().Evaluate(result, h)
	require.Len(t, triggers, 4)
	assert.Equal(t, models.ReasonHighUrgency, triggers[0].Reason)
	assert.Equal(t, models.SeverityCritical, triggers[0].Severity)
	assert.Equal(t, models.ReasonNegativeSentiment, triggers[1].Reason)
	assert.Equal(t, models.ReasonExplicitRequest, triggers[2].Reason)
	assert.Equal(t, models.ReasonRepeatedIntent, triggers[3].Reason)
}

func TestRules_SeverityDecidesOrderNotRuleOrder(t *testing.T) {
	// High urgency below the maximum ties with negative sentiment; rule order breaks the tie.
	triggers := DefaultRules().Evaluate(models.IntentResult{
		Intent:              models.IntentComplaint,
		Urgency:             4,
		SentimentScore:      -0.8,
		SentimentConfidence: 0.9,
	}, nil)
	require.Len(t, triggers, 2)
	assert.Equal(t, models.ReasonNegativeSentiment, triggers[0].Reason)
	assert.Equal(t, models.ReasonHighUrgency, triggers[1].Reason)
}
