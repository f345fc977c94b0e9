package textai

import (
	"context"
	"errors"
)

// ErrGenerationUnsupported is returned by backends that cannot write free text.
var ErrGenerationUnsupported = errors.New("response generation not supported by this backend")

// Sentiment is the collaborator's view of a message's tone
type Sentiment struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// RawIntent is an unvalidated intent extraction. Values may be out of range.
type RawIntent struct {
	Intent     string                 `json:"intent"`
	Confidence float64                `json:"confidence"`
	Urgency    int                    `json:"urgency"`
	Entities   map[string]interface{} `json:"entities"`
	Reasoning  string                 `json:"reasoning"`
}

// Analyzer is the text-understanding collaborator. Every call may block and
// callers bound it with a context deadline.
type Analyzer interface {
	ExtractIntent(ctx context.Context, text string, recentIntents []string) (RawIntent, error)
	AnalyzeSentiment(ctx context.Context, text string) (Sentiment, error)
	GenerateResponse(ctx context.Context, prompt string, facts map[string]string) (string, error)
}
