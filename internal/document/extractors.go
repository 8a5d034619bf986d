package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"lectureflow/internal/command"
	fileutil "lectureflow/internal/file"

	"github.com/ledongthuc/pdf"
)

// pdfReader extracts text in-process, page by page.
type pdfReader struct{}

func (pdfReader) Name() string { return "pdf-reader" }

func (pdfReader) Extract(_ context.Context, path string) (text string, err error) {
	// the parser panics on some malformed streams
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		writeSection(&out, pageMarker(i), content)
	}
	return out.String(), nil
}

// pdftotext shells out to poppler; pages are separated by form feeds.
type pdftotext struct {
	bin     string
	runner  command.Runner
	timeout time.Duration
}

func (p pdftotext) Name() string { return "pdftotext" }

func (p pdftotext) Extract(ctx context.Context, path string) (string, error) {
	res, err := command.Exec(ctx, p.runner, p.timeout, p.bin, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	var out strings.Builder
	for i, page := range strings.Split(res.Stdout, "\f") {
		writeSection(&out, pageMarker(i+1), page)
	}
	return out.String(), nil
}

// pptxReader reads slide XML straight from the OOXML zip.
type pptxReader struct{}

func (pptxReader) Name() string { return "pptx-reader" }

func (pptxReader) Extract(_ context.Context, path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	type slide struct {
		n    int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		n, ok := slideNumber(f.Name)
		if ok {
			slides = append(slides, slide{n: n, file: f})
		}
	}
	if len(slides) == 0 {
		return "", fmt.Errorf("no slides in %s", filepath.Base(path))
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var out strings.Builder
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return "", fmt.Errorf("open slide %d: %w", s.n, err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("read slide %d: %w", s.n, err)
		}
		writeSection(&out, slideMarker(s.n), slideText(b))
	}
	return out.String(), nil
}

// slideNumber parses ppt/slides/slideN.xml.
func slideNumber(name string) (int, bool) {
	const prefix, suffix = "ppt/slides/slide", ".xml"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// slideText gathers <a:t> runs, one line per <a:p> paragraph.
func slideText(xmlBytes []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(xmlBytes))
	var out, para strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local != "t" {
				continue
			}
			var v string
			if err := dec.DecodeElement(&v, &el); err == nil {
				para.WriteString(v)
			}
		case xml.EndElement:
			if el.Name.Local == "p" {
				if line := strings.TrimSpace(para.String()); line != "" {
					out.WriteString(line)
					out.WriteString("\n")
				}
				para.Reset()
			}
		}
	}
	if line := strings.TrimSpace(para.String()); line != "" {
		out.WriteString(line)
		out.WriteString("\n")
	}
	return out.String()
}

// officeConverter turns a presentation into PDF with LibreOffice and hands
// the result to the PDF chain.
type officeConverter struct {
	bin     string
	runner  command.Runner
	timeout time.Duration
	then    Chain
}

func (o officeConverter) Name() string { return "soffice" }

func (o officeConverter) Extract(ctx context.Context, path string) (string, error) {
	outDir, err := os.MkdirTemp(filepath.Dir(path), ".convert-*")
	if err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	defer fileutil.RemoveQuiet(outDir)

	_, err = command.Exec(ctx, o.runner, o.timeout, o.bin,
		"--headless", "--nologo", "--nolockcheck", "--norestore",
		"--convert-to", "pdf",
		"--outdir", outDir,
		path,
	)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	pdfPath := filepath.Join(outDir, base+".pdf")
	if !fileutil.Exists(pdfPath) {
		return "", fmt.Errorf("converted pdf not found for %s", filepath.Base(path))
	}
	return o.then.Extract(ctx, pdfPath)
}

func writeSection(out *strings.Builder, marker, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	out.WriteString(marker)
	out.WriteString("\n")
	out.WriteString(body)
	out.WriteString("\n\n")
}
