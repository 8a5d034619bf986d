package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// NewLimiter returns a limiter allowing rps calls per second with burst 1.
// A non-positive rps disables limiting.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

type limitedTranscriber struct {
	next    Transcriber
	limiter *rate.Limiter
}

// LimitTranscriber throttles t through l.
func LimitTranscriber(t Transcriber, l *rate.Limiter) Transcriber {
	return &limitedTranscriber{next: t, limiter: l}
}

func (l *limitedTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if err := wait(ctx, l.limiter); err != nil {
		return "", err
	}
	return l.next.Transcribe(ctx, audioPath) //nolint:wrapcheck
}

type limitedGenerator struct {
	next    Generator
	limiter *rate.Limiter
}

// LimitGenerator throttles g through l.
func LimitGenerator(g Generator, l *rate.Limiter) Generator {
	return &limitedGenerator{next: g, limiter: l}
}

func (l *limitedGenerator) Generate(ctx context.Context, kind Kind, input string, opts Options) (string, error) {
	if err := wait(ctx, l.limiter); err != nil {
		return "", err
	}
	return l.next.Generate(ctx, kind, input, opts) //nolint:wrapcheck
}

type limitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

// LimitEmbedder throttles e through l.
func LimitEmbedder(e Embedder, l *rate.Limiter) Embedder {
	return &limitedEmbedder{next: e, limiter: l}
}

func (l *limitedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := wait(ctx, l.limiter); err != nil {
		return nil, err
	}
	return l.next.Embed(ctx, texts) //nolint:wrapcheck
}
