// Package qa answers questions about an indexed lecture, grounding each
// answer in the closest passages and the recent conversation of that task.
package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"lectureflow/internal/index"
	"lectureflow/internal/provider"

	"github.com/rs/zerolog/log"
)

const (
	// maxHistory counts messages, one per question and one per answer.
	maxHistory     = 6
	passagesPerAsk = 5
)

var ErrEmptyQuestion = errors.New("empty question")

// Searcher returns the passages of taskID closest to query.
type Searcher interface {
	Search(ctx context.Context, taskID, query string, k int) ([]index.Hit, error)
}

// Answer is a generated reply with the passages it was built from.
type Answer struct {
	Question string      `json:"question"`
	Answer   string      `json:"answer"`
	Tone     string      `json:"tone"`
	Sources  []index.Hit `json:"sources"`
}

type message struct {
	role string
	text string
}

// Assistant keeps a bounded conversation per task.
type Assistant struct {
	searcher  Searcher
	generator provider.Generator

	mu      sync.Mutex
	history map[string][]message
}

func NewAssistant(searcher Searcher, generator provider.Generator) *Assistant {
	return &Assistant{searcher: searcher, generator: generator, history: make(map[string][]message)}
}

// Answer retrieves passages for question and asks the generator for a reply
// in tone. The exchange is remembered only when it succeeds.
func (a *Assistant) Answer(ctx context.Context, taskID, question string, tone provider.Tone) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}
	hits, err := a.searcher.Search(ctx, taskID, question, passagesPerAsk)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieve passages: %w", err)
	}
	reply, err := a.generator.Generate(ctx, provider.KindAnswer, question, provider.Options{
		Tone:     tone,
		History:  a.transcript(taskID),
		Passages: formatPassages(hits),
	})
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}
	a.remember(taskID, message{role: "user", text: question}, message{role: "assistant", text: reply})
	log.Info().Str("task_id", taskID).Int("sources", len(hits)).Str("tone", string(tone)).Msg("question answered")
	return Answer{Question: question, Answer: reply, Tone: string(tone), Sources: hits}, nil
}

// Forget drops the conversation of taskID.
func (a *Assistant) Forget(taskID string) {
	a.mu.Lock()
	delete(a.history, taskID)
	a.mu.Unlock()
}

func (a *Assistant) transcript(taskID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	lines := make([]string, 0, len(a.history[taskID]))
	for _, m := range a.history[taskID] {
		lines = append(lines, m.role+": "+m.text)
	}
	return strings.Join(lines, "\n")
}

func (a *Assistant) remember(taskID string, msgs ...message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[taskID], msgs...)
	if len(h) > maxHistory {
		h = append([]message(nil), h[len(h)-maxHistory:]...)
	}
	a.history[taskID] = h
}

func formatPassages(hits []index.Hit) string {
	parts := make([]string, 0, len(hits))
	for i, h := range hits {
		header := fmt.Sprintf("[%d]", i+1)
		if h.Source != "" {
			header += " (" + h.Source + ")"
		}
		parts = append(parts, header+"\n"+h.Text)
	}
	return strings.Join(parts, "\n\n")
}
