package provider

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const systemPrompt = "You are a helpful teaching assistant. Answer in the language of the lecture."

var prompts = template.Must(template.New("prompts").Parse(`
{{define "summary"}}Summarize the lecture below in detail so a student can study from the summary alone.
1. State the lecture topic first.
2. Then write the summary, numbered by topic.
3. Explain every core concept fully enough that the student can understand and apply it.

{{.Input}}

Topic:
Summary:
{{end}}
{{define "quiz"}}Based on the key points of the lecture below, write exactly 5 open-ended quiz questions, each followed by its answer.

{{.Input}}

Question:
Answer:
{{end}}
{{define "plan"}}Based on the lecture summary below, build a step-by-step study plan for the remaining {{.Days}} days.
1. Structure it as a {{.Days}}-day curriculum.
2. For each day include the learning goal, study activities and a review method.
3. Increase difficulty gradually until the material can be fully understood and applied.

{{.Input}}
{{end}}
{{define "answer"}}{{if .History}}Previous conversation:
{{.History}}

{{end}}Lecture material related to the question:
{{.Passages}}

Question: {{.Input}}

Answer in detail using the material above, combining every relevant part.
If the material does not contain the answer, say that the lecture does not cover it.
Use a {{.Tone}} tone.
{{end}}
`))

// Tone selects the voice of an answer.
type Tone string

const (
	ToneBlunt   Tone = "blunt"
	ToneNeutral Tone = "neutral"
	ToneWarm    Tone = "warm"
)

var toneDescriptions = map[Tone]string{
	ToneBlunt:   "curt, slightly condescending",
	ToneNeutral: "plain, neutral",
	ToneWarm:    "warm, kind and polite",
}

// Describe returns the prompt wording of t, falling back to neutral.
func (t Tone) Describe() string {
	if d, ok := toneDescriptions[t]; ok {
		return d
	}
	return toneDescriptions[ToneNeutral]
}

type promptData struct {
	Input    string
	Days     int
	Tone     string
	History  string
	Passages string
}

// BuildPrompt renders the user prompt for kind.
func BuildPrompt(kind Kind, input string, opts Options) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", ErrEmptyInput
	}
	switch kind {
	case KindSummary, KindQuiz, KindPlan, KindAnswer:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, string(kind), promptData{
		Input:    input,
		Days:     opts.Days,
		Tone:     opts.Tone.Describe(),
		History:  opts.History,
		Passages: opts.Passages,
	}); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", kind, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
