package textai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

const conciergeSystemPrompt = "You are a concise, friendly hotel concierge replying to a guest over WhatsApp. " +
	"Answer in at most three sentences. Never invent prices or availability."

// OpenAIAnalyzer backs the Analyzer with chat completions
type OpenAIAnalyzer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	logger      *logrus.Logger
}

func NewOpenAIAnalyzer(apiKey, model string, logger *logrus.Logger) *OpenAIAnalyzer {
	return NewOpenAIAnalyzerWithConfig(openai.DefaultConfig(apiKey), model, logger)
}

// NewOpenAIAnalyzerWithConfig allows pointing the client at a compatible endpoint.
func NewOpenAIAnalyzerWithConfig(cfg openai.ClientConfig, model string, logger *logrus.Logger) *OpenAIAnalyzer {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIAnalyzer{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   300,
		temperature: 0.2,
		logger:      logger,
	}
}

func (a *OpenAIAnalyzer) ExtractIntent(ctx context.Context, text string, recentIntents []string) (RawIntent, error) {
	labels := make([]string, 0, len(models.KnownIntents))
	for _, intent := range models.KnownIntents {
		labels = append(labels, string(intent))
	}

	history := "none"
	if len(recentIntents) > 0 {
		history = strings.Join(recentIntents, ", ")
	}

	prompt := fmt.Sprintf(`Classify the hotel guest message below.
Allowed intents: %s
Recent intents in this conversation (oldest first): %s

Return the response as a JSON object with this structure:
{
    "intent": "one_of_the_allowed_intents",
    "confidence": 0.0,
    "urgency": 1,
    "entities": {"room_number": "", "check_in": "", "nights": 0},
    "reasoning": "short explanation"
}
Urgency is 1 (can wait) to 5 (emergency). Omit entities that are not present.

Message: %s`, strings.Join(labels, ", "), history, text)

	var raw RawIntent
	if err := a.completeJSON(ctx, prompt, &raw); err != nil {
		return RawIntent{}, err
	}
	return raw, nil
}

func (a *OpenAIAnalyzer) AnalyzeSentiment(ctx context.Context, text string) (Sentiment, error) {
	prompt := fmt.Sprintf(`Rate the sentiment of the hotel guest message below.

Return the response as a JSON object with this structure:
{
    "label": "positive|neutral|negative",
    "score": 0.0,
    "confidence": 0.0
}
Score ranges from -1 (very negative) to 1 (very positive); confidence from 0 to 1.

Message: %s`, text)

	var sentiment Sentiment
	if err := a.completeJSON(ctx, prompt, &sentiment); err != nil {
		return Sentiment{}, err
	}
	return sentiment, nil
}

func (a *OpenAIAnalyzer) GenerateResponse(ctx context.Context, prompt string, facts map[string]string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: conciergeSystemPrompt},
	}
	if len(facts) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Known facts about this guest and stay:\n" + formatFacts(facts),
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("empty completion")
	}
	return reply, nil
}

func (a *OpenAIAnalyzer) completeJSON(ctx context.Context, prompt string, out interface{}) error {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("empty completion")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		a.logger.WithError(err).WithField("response", content).Debug("Unparseable completion")
		return fmt.Errorf("failed to parse completion: %w", err)
	}
	return nil
}

func formatFacts(facts map[string]string) string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, facts[k])
	}
	return b.String()
}
