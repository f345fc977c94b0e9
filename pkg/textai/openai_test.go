package textai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T, status int, content string) (*OpenAIAnalyzer, *[]openai.ChatCompletionRequest) {
	var requests []openai.ChatCompletionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"upstream unavailable","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewOpenAIAnalyzerWithConfig(cfg, "gpt-4o-mini", logger), &requests
}

func TestOpenAIAnalyzer_ExtractIntent(t *testing.T) {
	analyzer, requests := newTestOpenAI(t, http.StatusOK,
		`{"intent":"booking_request","confidence":0.92,"urgency":2,"entities":{"nights":3},"reasoning":"asks to book"}`)

	raw, err := analyzer.ExtractIntent(context.Background(), "Can I book 3 nights?", []string{"greeting"})
	require.NoError(t, err)

	assert.Equal(t, "booking_request", raw.Intent)
	assert.Equal(t, 0.92, raw.Confidence)
	assert.Equal(t, 2, raw.Urgency)
	assert.Equal(t, float64(3), raw.Entities["nights"])

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	assert.Contains(t, req.Messages[0].Content, "Can I book 3 nights?")
	assert.Contains(t, req.Messages[0].Content, "greeting")
}

func TestOpenAIAnalyzer_AnalyzeSentiment(t *testing.T) {
	analyzer, _ := newTestOpenAI(t, http.StatusOK, `{"label":"negative","score":-0.8,"confidence":0.9}`)

	sentiment, err := analyzer.AnalyzeSentiment(context.Background(), "This is the worst hotel")
	require.NoError(t, err)
	assert.Equal(t, "negative", sentiment.Label)
	assert.Equal(t, -0.8, sentiment.Score)
	assert.Equal(t, 0.9, sentiment.Confidence)
}

func TestOpenAIAnalyzer_UnparseableCompletion(t *testing.T) {
	analyzer, _ := newTestOpenAI(t, http.StatusOK, "I think it is a booking")

	_, err := analyzer.ExtractIntent(context.Background(), "book", nil)
	assert.Error(t, err)
}

func TestOpenAIAnalyzer_UpstreamError(t *testing.T) {
	analyzer, _ := newTestOpenAI(t, http.StatusInternalServerError, "")

	_, err := analyzer.AnalyzeSentiment(context.Background(), "hello")
	assert.Error(t, err)
}

func TestOpenAIAnalyzer_GenerateResponseIncludesFacts(t *testing.T) {
	analyzer, requests := newTestOpenAI(t, http.StatusOK, "  The pool opens at 7am.  ")

	reply, err := analyzer.GenerateResponse(context.Background(), "When does the pool open?", map[string]string{
		"hotel_name": "Sea View",
		"guest_name": "Ana",
	})
	require.NoError(t, err)
	assert.Equal(t, "The pool opens at 7am.", reply)

	require.Len(t, *requests, 1)
	msgs := (*requests)[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[1].Role)
	assert.Equal(t, "Known facts about this guest and stay:\n- guest_name: Ana\n- hotel_name: Sea View\n", msgs[1].Content)
	assert.Equal(t, "When does the pool open?", msgs[2].Content)
}
