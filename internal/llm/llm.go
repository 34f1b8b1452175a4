// Package llm talks to the hosted generative model: it lists the models an
// API key can use and generates replies, optionally with an image attached.
package llm

import (
	"context"
	"errors"
	"slices"

	"TutorChat/internal/session"
)

// ActionGenerateContent is the capability a model needs to act as the tutor.
const ActionGenerateContent = "generateContent"

var ErrEmptyResponse = errors.New("empty response from model")

// ModelInfo describes one entry of the model listing.
type ModelInfo struct {
	Name        string
	DisplayName string
	Actions     []string
}

func (m ModelInfo) Supports(action string) bool {
	return slices.Contains(m.Actions, action)
}

// Request is one generate call. Prompt already carries the system
// instructions; History holds earlier turns, oldest first.
type Request struct {
	Model       string
	Prompt      string
	Image       *session.Image
	History     []session.Message
	Temperature float64
}

type Response struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Client is implemented by the Gemini adapter and by test fakes.
type Client interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Generate(ctx context.Context, req Request) (Response, error)
}
