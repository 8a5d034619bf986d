// Package provider holds the AI collaborators of the pipeline: speech to text,
// text generation and embeddings. Each call is single-shot; failures are
// returned to the caller untouched and never retried here.
package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey = errors.New("provider api key is not configured")
	ErrEmptyInput    = errors.New("empty input text")
	ErrEmptyResponse = errors.New("provider returned an empty response")
	ErrUnknownKind   = errors.New("unknown generation kind")
)

// Kind selects which artifact a Generator produces.
type Kind string

const (
	KindSummary Kind = "summary"
	KindQuiz    Kind = "quiz"
	KindPlan    Kind = "plan"
	KindAnswer  Kind = "answer"
)

// Options carries per-kind parameters.
type Options struct {
	// Days is the study-plan horizon.
	Days int
	// Tone, History and Passages shape an answer; input is the question.
	Tone     Tone
	History  string
	Passages string
}

// Transcriber turns one audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Generator produces summary, quiz or plan text from input text.
type Generator interface {
	Generate(ctx context.Context, kind Kind, input string, opts Options) (string, error)
}

// Embedder maps texts to vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// APIError is a non-2xx answer from an HTTP provider.
type APIError struct {
	Provider string
	Status   int
	Type     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s api error: status %d type %s message %s", e.Provider, e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("%s api error: status %d %s", e.Provider, e.Status, e.Message)
}
