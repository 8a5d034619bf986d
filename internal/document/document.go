package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lectureflow/internal/command"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrUnsupported = errors.New("unsupported document type")
	ErrEmptyText   = errors.New("no text extracted")
)

var documentExtensions = map[string]struct{}{
	".pdf":  {},
	".ppt":  {},
	".pptx": {},
}

// IsDocument reports whether path is routed through text extraction
// instead of the audio stages.
func IsDocument(path string) bool {
	_, ok := documentExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extractor pulls plain text out of one document.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, path string) (string, error)
}

// Chain tries extractors in order and returns the first non-empty text.
type Chain []Extractor

// Extract returns the first non-empty result. When every extractor fails the
// error lists each attempt.
func (c Chain) Extract(ctx context.Context, path string) (string, error) {
	var errs error
	for _, ex := range c {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := ex.Extract(ctx, path)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyText
		}
		if err != nil {
			log.Debug().Str("extractor", ex.Name()).Str("file", filepath.Base(path)).Err(err).Msg("extractor failed, trying next")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ex.Name(), err))
			continue
		}
		return text, nil
	}
	if errs == nil {
		return "", fmt.Errorf("%w: no extractor configured", ErrUnsupported)
	}
	return "", fmt.Errorf("extract %s: %w", filepath.Base(path), errs)
}

// Options configures external converters.
type Options struct {
	PdftotextPath string
	SofficePath   string
	Timeout       time.Duration
}

// Service routes a document to the chain for its extension.
type Service struct {
	chains map[string]Chain
}

func NewService(opts Options, runner command.Runner) *Service {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	pdfChain := Chain{pdfReader{}}
	if opts.PdftotextPath != "" {
		pdfChain = append(pdfChain, pdftotext{bin: opts.PdftotextPath, runner: runner, timeout: opts.Timeout})
	}
	pptxChain := Chain{pptxReader{}}
	pptChain := Chain{}
	if opts.SofficePath != "" {
		conv := officeConverter{bin: opts.SofficePath, runner: runner, timeout: opts.Timeout, then: pdfChain}
		pptxChain = append(pptxChain, conv)
		pptChain = append(pptChain, conv)
	}
	return &Service{chains: map[string]Chain{
		".pdf":  pdfChain,
		".pptx": pptxChain,
		".ppt":  pptChain,
	}}
}

// NewServiceWithChains builds a service from explicit chains keyed by extension.
func NewServiceWithChains(chains map[string]Chain) *Service {
	return &Service{chains: chains}
}

// ExtractText returns the text of path with page or slide markers.
func (s *Service) ExtractText(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	chain, ok := s.chains[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	return chain.Extract(ctx, path)
}

func pageMarker(n int) string  { return fmt.Sprintf("--- page %d ---", n) }
func slideMarker(n int) string { return fmt.Sprintf("--- slide %d ---", n) }
