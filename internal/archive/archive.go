// Package archive packs a finished lecture into a downloadable zip.
package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"lectureflow/internal/domain"
)

// Entry is one file of the archive: inline Content, or a file on disk at Path.
type Entry struct {
	Name    string
	Path    string
	Content []byte
}

// Result describes the outcome of writing a single entry.
type Result struct {
	Filename string
	Err      string
}

var ErrNoEntries = errors.New("no entries to archive")

// StudyPackEntries lists the texts of res plus the processed audio when
// audioPath is set. Empty texts are left out.
func StudyPackEntries(res domain.PipelineResult, audioPath string) []Entry {
	texts := []struct {
		name string
		body string
	}{
		{"transcript.txt", res.Transcript},
		{"summary.md", res.Summary},
		{"quiz.md", res.Quiz},
		{"study_plan.md", res.StudyPlan},
	}
	entries := make([]Entry, 0, len(texts)+2)
	for _, t := range texts {
		if strings.TrimSpace(t.body) == "" {
			continue
		}
		entries = append(entries, Entry{Name: t.name, Content: []byte(t.body)})
	}
	if raw, err := json.MarshalIndent(res, "", "  "); err == nil {
		entries = append(entries, Entry{Name: "result.json", Content: raw})
	}
	if audioPath != "" {
		entries = append(entries, Entry{Name: res.TaskID + ".mp3", Path: audioPath})
	}
	return entries
}

// Write streams entries as a zip into w. It returns one Result per entry;
// entries that fail are omitted from the archive and carry Err.
func Write(w io.Writer, entries []Entry) ([]Result, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	zw := zip.NewWriter(w)
	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = writeEntry(zw, e, i)
	}
	if err := zw.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	return results, nil
}

func writeEntry(zw *zip.Writer, e Entry, index int) Result {
	name := safeName(e.Name, index)
	result := Result{Filename: name}

	var src io.Reader
	if e.Path != "" {
		f, err := os.Open(e.Path) //nolint:gosec // path is constructed by the application
		if err != nil {
			result.Err = err.Error()
			log.Warn().Str("file", e.Path).Err(err).Msg("open archive entry failed")
			return result
		}
		defer func() { _ = f.Close() }()
		src = f
	} else {
		src = strings.NewReader(string(e.Content))
	}

	ew, err := zw.Create(name)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("file", name).Err(err).Msg("zip entry create failed")
		return result
	}
	if _, err := io.Copy(ew, src); err != nil {
		result.Err = err.Error()
		log.Warn().Str("file", name).Err(err).Msg("copy into zip failed")
	}
	return result
}

// safeName keeps only the base name, falling back to index-based naming.
func safeName(name string, index int) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "/" || base == "." || base == "" || base == ".." {
		return fmt.Sprintf("file-%d", index+1)
	}
	return base
}
