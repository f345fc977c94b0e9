package classifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
	"github.com/1rokoko/hotel-boost-sub006/pkg/textai"
)

// ConversationContext is what the caller knows about the conversation so far.
// The classifier keeps nothing between calls.
type ConversationContext struct {
	ConversationID string
	State          models.ConversationState
	RecentIntents  []models.IntentRecord
}

// Classifier turns a guest message into an IntentResult. It never fails:
// collaborator errors and timeouts produce the fallback result.
type Classifier struct {
	analyzer textai.Analyzer
	timeout  time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func New(analyzer textai.Analyzer, timeout time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Classifier {
	if timeout <= 0 {
		timeout = constants.DefaultCollaboratorTimeout
	}
	return &Classifier{
		analyzer: analyzer,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// Fallback is the result used whenever the collaborator cannot answer.
func Fallback(reason string) models.IntentResult {
	return models.IntentResult{
		Intent:     models.IntentGeneralQuestion,
		Confidence: 0.0,
		Urgency:    constants.MinUrgency,
		Reasoning:  "fallback: " + reason,
		Fallback:   true,
	}
}

func (c *Classifier) Classify(ctx context.Context, convCtx ConversationContext, text string) models.IntentResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	recent := make([]string, 0, len(convCtx.RecentIntents))
	for _, record := range convCtx.RecentIntents {
		recent = append(recent, string(record.Intent))
	}

	raw, err := c.analyzer.ExtractIntent(ctx, text, recent)
	if err != nil {
		c.degraded(convCtx, "intent", err)
		return Fallback(fmt.Sprintf("intent extraction unavailable (%v)", err))
	}

	result := models.IntentResult{
		Intent:     models.Intent(raw.Intent),
		Confidence: clampFloat(raw.Confidence, 0, 1),
		Entities:   raw.Entities,
		Urgency:    clampInt(raw.Urgency, constants.MinUrgency, constants.MaxUrgency),
		Reasoning:  raw.Reasoning,
	}
	if !result.Intent.IsKnown() {
		result.Reasoning = fmt.Sprintf("unknown intent %q mapped to %s", raw.Intent, models.IntentGeneralQuestion)
		result.Intent = models.IntentGeneralQuestion
	}

	sentiment, err := c.analyzer.AnalyzeSentiment(ctx, text)
	if err != nil {
		// Neutral with zero confidence can never trip the sentiment escalation rule.
		c.degraded(convCtx, "sentiment", err)
		return result
	}
	result.SentimentScore = clampFloat(sentiment.Score, -1, 1)
	result.SentimentConfidence = clampFloat(sentiment.Confidence, 0, 1)

	return result
}

func (c *Classifier) degraded(convCtx ConversationContext, call string, err error) {
	c.metrics.ClassifierFallbacks.Inc()
	c.logger.WithError(err).WithFields(logrus.Fields{
		"conversation_id": convCtx.ConversationID,
		"call":            call,
		"degraded":        true,
	}).Warn("Text understanding collaborator unavailable")
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
