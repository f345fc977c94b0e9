package escalation

import (
	"fmt"
	"sort"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// Rules holds the escalation thresholds
type Rules struct {
	SentimentThreshold       float64
	SentimentConfidenceFloor float64
	UrgencyCeiling           int
	RepeatedIntentCount      int
	RepeatedIntentWindow     int
}

func DefaultRules() Rules {
	return Rules{
		SentimentThreshold:       constants.DefaultSentimentThreshold,
		SentimentConfidenceFloor: constants.DefaultSentimentConfidenceFloor,
		UrgencyCeiling:           constants.DefaultUrgencyCeiling,
		RepeatedIntentCount:      constants.DefaultRepeatedIntentCount,
		RepeatedIntentWindow:     constants.DefaultRepeatedIntentWindow,
	}
}

// Evaluate checks every rule independently and returns all matches, most
// severe first, so the first element decides the record's reason and severity.
// Matches of equal severity keep rule order.
// history is the conversation's intent history including the current message.
func (r Rules) Evaluate(result models.IntentResult, history []models.IntentRecord) []models.EscalationTrigger {
	var triggers []models.EscalationTrigger

	if result.SentimentScore < r.SentimentThreshold && result.SentimentConfidence > r.SentimentConfidenceFloor {
		triggers = append(triggers, models.EscalationTrigger{
			Reason:   models.ReasonNegativeSentiment,
			Severity: models.SeverityHigh,
			Detail:   fmt.Sprintf("sentiment %.2f at confidence %.2f", result.SentimentScore, result.SentimentConfidence),
		})
	}

	if result.Urgency >= r.UrgencyCeiling {
		severity := models.SeverityHigh
		if result.Urgency >= constants.MaxUrgency {
			severity = models.SeverityCritical
		}
		triggers = append(triggers, models.EscalationTrigger{
			Reason:   models.ReasonHighUrgency,
			Severity: severity,
			Detail:   fmt.Sprintf("urgency %d", result.Urgency),
		})
	}

	if result.Intent == models.IntentEscalationRequest {
		triggers = append(triggers, models.EscalationTrigger{
			Reason:   models.ReasonExplicitRequest,
			Severity: models.SeverityMedium,
			Detail:   "guest asked for staff",
		})
	}

	if count, ok := r.repeatedUnresolved(result.Intent, history); ok {
		triggers = append(triggers, models.EscalationTrigger{
			Reason:   models.ReasonRepeatedIntent,
			Severity: models.SeverityMedium,
			Detail:   fmt.Sprintf("%s seen %d times in last %d messages", result.Intent, count, r.RepeatedIntentWindow),
		})
	}

	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].Severity > triggers[j].Severity
	})
	return triggers
}

func (r Rules) repeatedUnresolved(intent models.Intent, history []models.IntentRecord) (int, bool) {
	window := history
	if len(window) > r.RepeatedIntentWindow {
		window = window[len(window)-r.RepeatedIntentWindow:]
	}

	count := 0
	for _, record := range window {
		if record.State == models.StateResolved {
			return 0, false
		}
		if record.Intent == intent {
			count++
		}
	}
	return count, count >= r.RepeatedIntentCount
}
