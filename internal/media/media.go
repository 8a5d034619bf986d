package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"lectureflow/internal/command"
	fileutil "lectureflow/internal/file"

	"github.com/rs/zerolog/log"
)

const (
	defaultHTTPTimeout = 30 * time.Minute

	// acquisition occupies the 10-40 band of overall progress
	bandStart = 10.0
	bandEnd   = 40.0
)

var ErrEmptyURL = errors.New("empty url")

type ctxKey int

const (
	ctxKeyHTTPTimeout ctxKey = iota
)

// WithHTTPTimeout returns a child context that carries the HTTP client timeout.
func WithHTTPTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyHTTPTimeout, timeout)
}

func httpTimeoutFromContext(ctx context.Context, fallback time.Duration) time.Duration {
	v := ctx.Value(ctxKeyHTTPTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return fallback
}

// Progress receives acquisition progress already mapped into the 10-40 band.
type Progress func(pct float64, msg string)

// Options configures the acquirer.
type Options struct {
	UploadsDir        string
	AllowedExtensions []string
	YtDlpPath         string
	Timeout           time.Duration
}

// Acquirer resolves a remote source into a local file under uploads/<task_id>.
// URLs naming a file with an allowed extension are fetched over HTTP; any
// other page is handed to yt-dlp.
type Acquirer struct {
	opts    Options
	allowed map[string]struct{}
	runner  command.Runner
	client  *http.Client
}

func NewAcquirer(opts Options, runner command.Runner) *Acquirer {
	if opts.UploadsDir == "" {
		opts.UploadsDir = "uploads"
	}
	if opts.YtDlpPath == "" {
		opts.YtDlpPath = "yt-dlp"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Acquirer{opts: opts, allowed: allowed, runner: runner, client: &http.Client{}}
}

// TaskDir is the upload directory of taskID.
func (a *Acquirer) TaskDir(taskID string) string {
	return filepath.Join(a.opts.UploadsDir, taskID)
}

// SaveUpload streams an uploaded file into the task's upload directory.
func (a *Acquirer) SaveUpload(taskID, filename string, r io.Reader) (string, int64, error) {
	name := sanitizeFilename(filename)
	if name == "" {
		name = "upload"
	}
	dest := filepath.Join(a.TaskDir(taskID), name)
	n, err := fileutil.CopyAtomic(dest, r)
	if err != nil {
		return "", 0, fmt.Errorf("save upload: %w", err)
	}
	return dest, n, nil
}

// Resolve downloads rawURL for taskID and returns the local path.
func (a *Acquirer) Resolve(ctx context.Context, taskID, rawURL string, report Progress) (string, error) {
	if report == nil {
		report = func(float64, string) {}
	}
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", ErrEmptyURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("unsupported url %q", trimmed)
	}
	if err := fileutil.EnsureDir(a.TaskDir(taskID)); err != nil {
		return "", err
	}

	report(bandStart, "downloading")
	ext := strings.ToLower(path.Ext(parsed.Path))
	var local string
	if _, direct := a.allowed[ext]; direct {
		local, err = a.download(ctx, taskID, parsed, report)
	} else {
		local, err = a.ytdlp(ctx, taskID, trimmed)
	}
	if err != nil {
		return "", err
	}
	report(bandEnd, "download complete")
	log.Info().Str("task_id", taskID).Str("file", filepath.Base(local)).Msg("source acquired")
	return local, nil
}

func (a *Acquirer) download(ctx context.Context, taskID string, u *url.URL, report Progress) (string, error) {
	client := a.client
	if timeout := httpTimeoutFromContext(ctx, a.opts.Timeout); timeout != client.Timeout {
		client = &http.Client{Timeout: timeout, Transport: a.client.Transport}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Str("task_id", taskID).Str("url", u.Redacted()).Err(err).Msg("http request failed")
		return "", fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("task_id", taskID).Str("url", u.Redacted()).Int("status", resp.StatusCode).Msg("unexpected status code")
		return "", fmt.Errorf("download: http %d", resp.StatusCode)
	}

	dest := filepath.Join(a.TaskDir(taskID), deriveFilename(u.Path))
	body := &progressReader{r: resp.Body, total: resp.ContentLength, lastPct: bandStart, report: report}
	if _, err := fileutil.CopyAtomic(dest, body); err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	return dest, nil
}

func (a *Acquirer) ytdlp(ctx context.Context, taskID, rawURL string) (string, error) {
	dir := a.TaskDir(taskID)
	_, err := command.Exec(ctx, a.runner, a.opts.Timeout, a.opts.YtDlpPath,
		"-f", "best",
		"--no-playlist",
		"--restrict-filenames",
		"-o", filepath.Join(dir, "%(title)s.%(ext)s"),
		rawURL,
	)
	if err != nil {
		return "", fmt.Errorf("yt-dlp: %w", err)
	}
	local, err := newestFile(dir)
	if err != nil {
		return "", fmt.Errorf("yt-dlp: %w", err)
	}
	return local, nil
}

// progressReader maps bytes read into the acquisition band. Without a
// Content-Length no intermediate progress is reported.
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	lastPct float64
	report  Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		pct := bandStart + (bandEnd-bandStart)*float64(p.read)/float64(p.total)
		if pct > bandEnd {
			pct = bandEnd
		}
		// one report per whole percent is plenty for pollers
		if pct-p.lastPct >= 1 {
			p.lastPct = pct
			p.report(pct, fmt.Sprintf("downloaded %d of %d bytes", p.read, p.total))
		}
	}
	return n, err //nolint:wrapcheck
}

// deriveFilename extracts a safe filename from a URL path or falls back to a
// fixed name.
func deriveFilename(urlPath string) string {
	base := sanitizeFilename(path.Base(strings.TrimSpace(urlPath)))
	if base == "" || base == "/" || base == "." {
		return "download"
	}
	return base
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.TrimSpace(name)
}

func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read dir: %w", err)
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", errors.New("no file produced")
	}
	return newest, nil
}
