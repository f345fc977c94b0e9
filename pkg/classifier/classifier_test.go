package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
	"github.com/1rokoko/hotel-boost-sub006/pkg/textai"
)

type stubAnalyzer struct {
	intent       textai.RawIntent
	intentErr    error
	sentiment    textai.Sentiment
	sentimentErr error
	delay        time.Duration
	gotRecent    []string
}

func (s *stubAnalyzer) ExtractIntent(ctx context.Context, _ string, recent []string) (textai.RawIntent, error) {
	s.gotRecent = recent
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return textai.RawIntent{}, ctx.Err()
		}
	}
	return s.intent, s.intentErr
}

func (s *stubAnalyzer) AnalyzeSentiment(context.Context, string) (textai.Sentiment, error) {
	return s.sentiment, s.sentimentErr
}

func (s *stubAnalyzer) GenerateResponse(context.Context, string, map[string]string) (string, error) {
	return "", textai.ErrGenerationUnsupported
}

func newTestClassifier(analyzer textai.Analyzer, timeout time.Duration) *Classifier {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(analyzer, timeout, logger, metrics.New(prometheus.NewRegistry()))
}

func TestClassifier_PassesThroughValidResult(t *testing.T) {
	stub := &stubAnalyzer{
		intent:    textai.RawIntent{Intent: "booking_request", Confidence: 0.9, Urgency: 2, Reasoning: "booking"},
		sentiment: textai.Sentiment{Score: 0.4, Confidence: 0.8},
	}
	c := newTestClassifier(stub, time.Second)

	result := c.Classify(context.Background(), ConversationContext{
		RecentIntents: []models.IntentRecord{{Intent: models.IntentGreeting}},
	}, "I want to book")

	assert.Equal(t, models.IntentBookingRequest, result.Intent)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, 2, result.Urgency)
	assert.Equal(t, 0.4, result.SentimentScore)
	assert.Equal(t, 0.8, result.SentimentConfidence)
	assert.False(t, result.Fallback)
	assert.Equal(t, []string{"greeting"}, stub.gotRecent)
}

func TestClassifier_FallsBackOnCollaboratorError(t *testing.T) {
	stub := &stubAnalyzer{intentErr: errors.New("connection refused")}
	c := newTestClassifier(stub, time.Second)

	result := c.Classify(context.Background(), ConversationContext{}, "anything")

	assert.Equal(t, models.IntentGeneralQuestion, result.Intent)
	assert.Equal(t, 0.0, result.Confidence)
	assert.True(t, result.Fallback)
	assert.Contains(t, result.Reasoning, "fallback")
}

func TestClassifier_FallsBackOnTimeout(t *testing.T) {
	stub := &stubAnalyzer{
		intent: textai.RawIntent{Intent: "complaint", Confidence: 0.9},
		delay:  time.Second,
	}
	c := newTestClassifier(stub, 20*time.Millisecond)

	start := time.Now()
	result := c.Classify(context.Background(), ConversationContext{}, "slow")

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, models.IntentGeneralQuestion, result.Intent)
	assert.Equal(t, 0.0, result.Confidence)
	assert.True(t, result.Fallback)
}

func TestClassifier_ClampsOutOfRangeValues(t *testing.T) {
	stub := &stubAnalyzer{
		intent:    textai.RawIntent{Intent: "complaint", Confidence: 1.7, Urgency: 9},
		sentiment: textai.Sentiment{Score: -3, Confidence: -0.2},
	}
	c := newTestClassifier(stub, time.Second)

	result := c.Classify(context.Background(), ConversationContext{}, "awful")

	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, 5, result.Urgency)
	assert.Equal(t, -1.0, result.SentimentScore)
	assert.Equal(t, 0.0, result.SentimentConfidence)

	stub.intent = textai.RawIntent{Intent: "greeting", Confidence: -1, Urgency: 0}
	result = c.Classify(context.Background(), ConversationContext{}, "hi")
	assert.Equal(t, 0.0, result.Confidence)
	assert.Equal(t, 1, result.Urgency)
}

func TestClassifier_UnknownIntentBecomesGeneralQuestion(t *testing.T) {
	stub := &stubAnalyzer{intent: textai.RawIntent{Intent: "weather_chat", Confidence: 0.6, Urgency: 1}}
	c := newTestClassifier(stub, time.Second)

	result := c.Classify(context.Background(), ConversationContext{}, "nice weather")

	assert.Equal(t, models.IntentGeneralQuestion, result.Intent)
	assert.Equal(t, 0.6, result.Confidence)
	assert.False(t, result.Fallback)
}

func TestClassifier_SentimentFailureKeepsIntent(t *testing.T) {
	stub := &stubAnalyzer{
		intent:       textai.RawIntent{Intent: "thanks", Confidence: 0.8, Urgency: 1},
		sentimentErr: errors.New("timeout"),
	}
	c := newTestClassifier(stub, time.Second)

	result := c.Classify(context.Background(), ConversationContext{}, "thanks")

	assert.Equal(t, models.IntentThanks, result.Intent)
	assert.Equal(t, 0.0, result.SentimentScore)
	assert.Equal(t, 0.0, result.SentimentConfidence)
}

func TestClassifier_WithRuleAnalyzer(t *testing.T) {
	c := newTestClassifier(textai.NewRuleAnalyzer(), time.Second)

	result := c.Classify(context.Background(), ConversationContext{}, "The room is dirty and terrible, I want the manager now")

	assert.Equal(t, models.IntentEscalationRequest, result.Intent)
	assert.Less(t, result.SentimentScore, -0.5)
	assert.Greater(t, result.SentimentConfidence, 0.7)
}
