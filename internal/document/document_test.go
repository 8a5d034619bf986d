package document

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lectureflow/internal/command"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type scriptedRunner struct {
	stdout string
	err    error
	calls  []string
}

func (s *scriptedRunner) Run(_ context.Context, name string, args ...string) (command.Result, error) {
	s.calls = append(s.calls, name)
	if s.err != nil {
		return command.Result{ExitCode: 1, Stderr: "Syntax Error: Couldn't read xref table"}, s.err
	}
	if name == "soffice" {
		var outDir string
		for i := 0; i < len(args)-1; i++ {
			if args[i] == "--outdir" {
				outDir = args[i+1]
			}
		}
		src := args[len(args)-1]
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		return command.Result{}, os.WriteFile(filepath.Join(outDir, base+".pdf"), []byte("%PDF-1.4"), 0o600)
	}
	return command.Result{Stdout: s.stdout}, nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writePPTX(t *testing.T, slides map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deck.pptx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range slides {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

const slideXML = `<?xml version="1.0"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:sp><p:txBody><a:p><a:r><a:t>%TITLE%</a:t></a:r></a:p></p:txBody></p:sp>
<p:sp><p:txBody><a:p><a:r><a:t>first </a:t></a:r><a:r><a:t>point</a:t></a:r></a:p><a:p><a:r><a:t>second point</a:t></a:r></a:p></p:txBody></p:sp>
</p:spTree></p:cSld></p:sld>`

func TestIsDocument(t *testing.T) {
	assert.True(t, IsDocument("/x/LECTURE.PDF"))
	assert.True(t, IsDocument("deck.pptx"))
	assert.True(t, IsDocument("deck.ppt"))
	assert.False(t, IsDocument("talk.mp4"))
	assert.False(t, IsDocument("noext"))
}

func TestCorruptPDFFailsEveryExtractorWithOneAggregatedError(t *testing.T) {
	runner := &scriptedRunner{err: errors.New("exit status 1")}
	svc := NewService(Options{PdftotextPath: "pdftotext"}, runner)
	path := writeFile(t, "broken.pdf", "this is not a pdf")

	_, err := svc.ExtractText(context.Background(), path)
	require.Error(t, err)

	attempts := multierr.Errors(errors.Unwrap(err))
	require.Len(t, attempts, 2)
	assert.Contains(t, attempts[0].Error(), "pdf-reader")
	assert.Contains(t, attempts[1].Error(), "pdftotext")
	assert.Contains(t, err.Error(), "xref table")
}

func TestPDFFallsBackToPdftotext(t *testing.T) {
	runner := &scriptedRunner{stdout: "Intro to graphs\n\fDijkstra's algorithm\n\f"}
	svc := NewService(Options{PdftotextPath: "pdftotext"}, runner)
	path := writeFile(t, "notes.pdf", "garbage")

	text, err := svc.ExtractText(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "--- page 1 ---\nIntro to graphs\n\n--- page 2 ---\nDijkstra's algorithm\n\n", text)
}

func TestPPTXReaderKeepsSlideOrder(t *testing.T) {
	path := writePPTX(t, map[string]string{
		"ppt/slides/slide10.xml":           strings.Replace(slideXML, "%TITLE%", "Ten", 1),
		"ppt/slides/slide2.xml":            strings.Replace(slideXML, "%TITLE%", "Two", 1),
		"ppt/slides/slide1.xml":            strings.Replace(slideXML, "%TITLE%", "One", 1),
		"ppt/slides/_rels/slide1.xml.rels": "<Relationships/>",
	})
	svc := NewService(Options{}, &scriptedRunner{})

	text, err := svc.ExtractText(context.Background(), path)
	require.NoError(t, err)
	one := strings.Index(text, "--- slide 1 ---\nOne\nfirst point\nsecond point")
	two := strings.Index(text, "--- slide 2 ---\nTwo")
	ten := strings.Index(text, "--- slide 10 ---\nTen")
	require.True(t, one >= 0 && two > one && ten > two, text)
}

func TestPPTGoesThroughOfficeConversion(t *testing.T) {
	runner := &scriptedRunner{stdout: "Converted slide text"}
	svc := NewService(Options{PdftotextPath: "pdftotext", SofficePath: "soffice"}, runner)
	path := writeFile(t, "legacy.ppt", "binary ppt")

	text, err := svc.ExtractText(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, text, "Converted slide text")
	assert.Equal(t, []string{"soffice", "pdftotext"}, runner.calls)
}

func TestChainSkipsEmptyResults(t *testing.T) {
	chain := Chain{
		stubExtractor{name: "blank", text: "   "},
		stubExtractor{name: "good", text: "content"},
	}
	text, err := chain.Extract(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, "content", text)
}

func TestUnsupportedExtension(t *testing.T) {
	svc := NewService(Options{}, nil)
	_, err := svc.ExtractText(context.Background(), "notes.docx")
	assert.ErrorIs(t, err, ErrUnsupported)
}

type stubExtractor struct {
	name string
	text string
}

func (s stubExtractor) Name() string { return s.name }
func (s stubExtractor) Extract(context.Context, string) (string, error) {
	return s.text, nil
}
