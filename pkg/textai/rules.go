package textai

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

type intentRule struct {
	intent   models.Intent
	keywords []string
	weight   float64
}

// Checked in order; the first rule with a hit wins.
var intentRules = []intentRule{
	{models.IntentEscalationRequest, []string{"manager", "human", "real person", "speak to someone", "talk to someone", "staff member", "reception desk"}, 0.9},
	{models.IntentComplaint, []string{"complain", "complaint", "broken", "dirty", "not working", "doesn't work", "terrible", "awful", "noisy", "disgusting", "unacceptable", "smells"}, 0.85},
	{models.IntentBookingRequest, []string{"book", "booking", "reservation", "reserve", "availability", "available rooms", "extend my stay", "nights"}, 0.8},
	{models.IntentRoomService, []string{"room service", "towel", "towels", "pillow", "breakfast", "order food", "housekeeping", "minibar", "clean my room"}, 0.8},
	{models.IntentGoodbye, []string{"bye", "goodbye", "see you", "good night", "checking out now"}, 0.8},
	{models.IntentThanks, []string{"thanks", "thank you", "thx", "appreciate it"}, 0.8},
	{models.IntentConfirmation, []string{"yes", "yep", "confirm", "confirmed", "correct", "sounds good", "that's right", "ok", "okay"}, 0.7},
	{models.IntentGreeting, []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}, 0.75},
}

var (
	urgentWords    = []string{"urgent", "urgently", "asap", "immediately", "right now", "hurry"}
	emergencyWords = []string{"emergency", "fire", "flood", "flooding", "injured", "bleeding", "ambulance", "locked out"}

	positiveWords = []string{"great", "good", "love", "lovely", "amazing", "excellent", "perfect", "wonderful", "nice", "thanks", "thank", "happy"}
	negativeWords = []string{"bad", "terrible", "awful", "horrible", "dirty", "broken", "worst", "angry", "disgusting", "unacceptable", "rude", "noisy", "disappointed", "cold", "never"}

	roomNumberRe = regexp.MustCompile(`(?i)\broom\s*(?:number\s*)?#?(\d{1,5})\b`)
	nightsRe     = regexp.MustCompile(`(?i)\b(\d{1,2})\s*nights?\b`)
	guestsRe     = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:guests|people|persons|adults)\b`)
	dateRe       = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	wordRe       = regexp.MustCompile(`[a-z0-9']+`)
)

// RuleAnalyzer is an offline keyword backend. It needs no network and is
// deterministic, which makes it the default when no model key is configured.
type RuleAnalyzer struct{}

func NewRuleAnalyzer() *RuleAnalyzer {
	return &RuleAnalyzer{}
}

func (r *RuleAnalyzer) ExtractIntent(_ context.Context, text string, _ []string) (RawIntent, error) {
	normalized := normalize(text)
	words := wordSet(normalized)

	result := RawIntent{
		Intent:     string(models.IntentGeneralQuestion),
		Confidence: 0.4,
		Urgency:    1,
		Entities:   extractEntities(text),
		Reasoning:  "no keyword matched",
	}

	for _, rule := range intentRules {
		if kw, ok := firstHit(normalized, words, rule.keywords); ok {
			result.Intent = string(rule.intent)
			result.Confidence = rule.weight
			result.Reasoning = "matched keyword " + strconv.Quote(kw)
			break
		}
	}

	switch {
	case hasAny(normalized, words, emergencyWords):
		result.Urgency = 5
	case hasAny(normalized, words, urgentWords):
		result.Urgency = 4
	case result.Intent == string(models.IntentComplaint):
		result.Urgency = 3
	case result.Intent == string(models.IntentRoomService):
		result.Urgency = 2
	}

	return result, nil
}

func (r *RuleAnalyzer) AnalyzeSentiment(_ context.Context, text string) (Sentiment, error) {
	normalized := normalize(text)
	words := wordSet(normalized)

	pos, neg := countHits(words, positiveWords), countHits(words, negativeWords)
	hits := pos + neg
	if hits == 0 {
		return Sentiment{Label: "neutral", Score: 0, Confidence: 0.3}, nil
	}

	score := float64(pos-neg) / float64(hits)
	confidence := math.Min(1, 0.5+0.15*float64(hits))

	label := "neutral"
	if score > 0.2 {
		label = "positive"
	} else if score < -0.2 {
		label = "negative"
	}
	return Sentiment{Label: label, Score: score, Confidence: confidence}, nil
}

func (r *RuleAnalyzer) GenerateResponse(context.Context, string, map[string]string) (string, error) {
	return "", ErrGenerationUnsupported
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func wordSet(normalized string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordRe.FindAllString(normalized, -1) {
		set[w] = true
	}
	return set
}

// firstHit matches single words against the token set and phrases as substrings,
// so "hi" does not match "this".
func firstHit(normalized string, words map[string]bool, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(kw, " ") {
			if strings.Contains(normalized, kw) {
				return kw, true
			}
			continue
		}
		if words[kw] {
			return kw, true
		}
	}
	return "", false
}

func hasAny(normalized string, words map[string]bool, keywords []string) bool {
	_, ok := firstHit(normalized, words, keywords)
	return ok
}

func countHits(words map[string]bool, lexicon []string) int {
	n := 0
	for _, w := range lexicon {
		if words[w] {
			n++
		}
	}
	return n
}

func extractEntities(text string) map[string]interface{} {
	entities := make(map[string]interface{})
	if m := roomNumberRe.FindStringSubmatch(text); m != nil {
		entities["room_number"] = m[1]
	}
	if m := nightsRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			entities["nights"] = n
		}
	}
	if m := guestsRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			entities["guests"] = n
		}
	}
	if dates := dateRe.FindAllString(text, 2); len(dates) > 0 {
		entities["check_in"] = dates[0]
		if len(dates) > 1 {
			entities["check_out"] = dates[1]
		}
	}
	if len(entities) == 0 {
		return nil
	}
	return entities
}
