// Package checkpoint schedules periodic conversation analysis through an
// external analyzer. The engine only decides when to call and carries the
// opaque result; report content is the analyzer's business.
package checkpoint

import (
	"context"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Checkpoint is one analysis result attached to an increment.
type Checkpoint struct {
	IncrementIndex int       `json:"increment_index"`
	Summary        string    `json:"summary"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Request carries the transcript window for one analysis call.
type Request struct {
	SessionID      string
	IncrementIndex int
	Transcript     []string
}

// Analyzer runs one analysis pass over a transcript window.
type Analyzer interface {
	// Name returns the analyzer name
	Name() string

	// Analyze produces a checkpoint for the given window
	Analyze(ctx context.Context, req Request) (*Checkpoint, error)
}

// Due reports whether an increment should trigger analysis: index 0 always
// does, then every interval-th increment.
func Due(index, interval int) bool {
	if index == 0 {
		return true
	}
	if interval <= 0 {
		return false
	}
	return (index+1)%interval == 0
}

// NoopAnalyzer satisfies Analyzer without doing any work. Used when
// checkpoint analysis is disabled and in tests.
type NoopAnalyzer struct{}

// Name returns the analyzer name
func (a *NoopAnalyzer) Name() string { return "noop" }

// Analyze returns an empty checkpoint.
func (a *NoopAnalyzer) Analyze(_ context.Context, req Request) (*Checkpoint, error) {
	return &Checkpoint{
		IncrementIndex: req.IncrementIndex,
		CreatedAt:      time.Now(),
	}, nil
}

// OpenAIAnalyzer summarizes the transcript window with a chat completion.
type OpenAIAnalyzer struct {
	logger *logrus.Logger
	client *openai.Client
	model  string
}

// NewOpenAIAnalyzer creates an analyzer backed by the OpenAI API.
func NewOpenAIAnalyzer(logger *logrus.Logger, apiKey, model string) *OpenAIAnalyzer {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIAnalyzer{
		logger: logger,
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Name returns the analyzer name
func (a *OpenAIAnalyzer) Name() string { return "openai" }

// Analyze sends the window transcript for summarization.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (*Checkpoint, error) {
	start := time.Now()

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Summarize the key points of this meeting transcript window in a short paragraph.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: strings.Join(req.Transcript, "\n"),
			},
		},
	})
	if err != nil {
		return nil, err
	}

	summary := ""
	if len(resp.Choices) > 0 {
		summary = resp.Choices[0].Message.Content
	}

	a.logger.WithFields(logrus.Fields{
		"session_id":  req.SessionID,
		"increment":   req.IncrementIndex,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Checkpoint analysis completed")

	return &Checkpoint{
		IncrementIndex: req.IncrementIndex,
		Summary:        summary,
		Model:          a.model,
		CreatedAt:      time.Now(),
	}, nil
}
