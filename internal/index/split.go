package index

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	minParagraphRunes = 50
	minPassages       = 3
	windowRunes       = 500
	minWindowRunes    = 100
)

var (
	markerPattern    = regexp.MustCompile(`---\s*(page|slide)\s*(\d+)\s*---`)
	paragraphPattern = regexp.MustCompile(`\n{2,}`)
)

// Passage is one retrievable span of lecture text.
type Passage struct {
	Text   string    `json:"text"`
	Source string    `json:"source"`
	Vector []float32 `json:"vector,omitempty"`
}

// SplitPassages cuts text into passages by page and slide markers, then by
// blank-line paragraphs of at least 50 runes. When that yields fewer than
// three passages the whole text is cut into 500-rune windows instead,
// dropping windows shorter than 100 runes.
func SplitPassages(text string) []Passage {
	passages := splitBySections(text)
	if len(passages) >= minPassages {
		return passages
	}
	return splitByWindows(text)
}

func splitBySections(text string) []Passage {
	var out []Passage
	add := func(section, source string) {
		for _, para := range paragraphPattern.Split(section, -1) {
			para = strings.TrimSpace(para)
			if utf8.RuneCountInString(para) < minParagraphRunes {
				continue
			}
			out = append(out, Passage{Text: para, Source: source})
		}
	}

	matches := markerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		add(text, "text")
		return out
	}
	add(text[:matches[0][0]], "text")
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		source := text[m[2]:m[3]] + " " + text[m[4]:m[5]]
		add(text[m[1]:end], source)
	}
	return out
}

func splitByWindows(text string) []Passage {
	runes := []rune(text)
	var out []Passage
	for start, n := 0, 0; start < len(runes); start, n = start+windowRunes, n+1 {
		end := start + windowRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if utf8.RuneCountInString(chunk) < minWindowRunes {
			continue
		}
		out = append(out, Passage{Text: chunk, Source: "chunk " + strconv.Itoa(n)})
	}
	return out
}
