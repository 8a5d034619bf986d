package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lectureflow/internal/command"
)

func TestDeriveFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/lectures/week1.mp4", "week1.mp4"},
		{"/path/", "path"},
		{"   ", "download"},
		{"/", "download"},
	}
	for _, c := range cases {
		if got := deriveFilename(c.in); got != c.want {
			t.Fatalf("deriveFilename(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func newStubServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/week1.mp4":
			w.Header().Set("Content-Length", "4096")
			_, _ = io.Copy(w, bytes.NewReader(make([]byte, 4096)))
		case "/slow.mp4":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		case "/bad.mp4":
			http.Error(w, "nope", http.StatusTeapot)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newAcquirer(t *testing.T, runner command.Runner) *Acquirer {
	t.Helper()
	return NewAcquirer(Options{
		UploadsDir:        filepath.Join(t.TempDir(), "uploads"),
		AllowedExtensions: []string{".mp4", ".pdf"},
	}, runner)
}

func TestResolveDirectDownloadReportsBand(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	a := newAcquirer(t, nil)

	var pcts []float64
	local, err := a.Resolve(context.Background(), "t1", srv.URL+"/week1.mp4", func(pct float64, _ string) {
		pcts = append(pcts, pct)
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if local != filepath.Join(a.TaskDir("t1"), "week1.mp4") {
		t.Fatalf("unexpected local path %q", local)
	}
	info, err := os.Stat(local)
	if err != nil || info.Size() != 4096 {
		t.Fatalf("downloaded file wrong: %v %v", info, err)
	}
	if len(pcts) < 2 || pcts[0] != 10 || pcts[len(pcts)-1] != 40 {
		t.Fatalf("progress must start at 10 and end at 40, got %v", pcts)
	}
	for i := 1; i < len(pcts); i++ {
		if pcts[i] < pcts[i-1] {
			t.Fatalf("progress decreased: %v", pcts)
		}
	}
}

func TestResolveHTTPErrors(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	a := newAcquirer(t, nil)

	if _, err := a.Resolve(context.Background(), "t1", srv.URL+"/bad.mp4", nil); err == nil || !strings.Contains(err.Error(), "http 418") {
		t.Fatalf("expected http 418 error, got %v", err)
	}

	ctx := WithHTTPTimeout(context.Background(), 20*time.Millisecond)
	if _, err := a.Resolve(ctx, "t2", srv.URL+"/slow.mp4", nil); err == nil {
		t.Fatal("expected timeout error")
	}

	if _, err := a.Resolve(context.Background(), "t3", "  ", nil); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("expected ErrEmptyURL, got %v", err)
	}
	if _, err := a.Resolve(context.Background(), "t4", "ftp://host/a.mp4", nil); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

type ytdlpRunner struct {
	args []string
	fail bool
}

func (r *ytdlpRunner) Run(_ context.Context, _ string, args ...string) (command.Result, error) {
	r.args = args
	if r.fail {
		return command.Result{ExitCode: 1, Stderr: "ERROR: Unsupported URL"}, errors.New("exit status 1")
	}
	var tmpl string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-o" {
			tmpl = args[i+1]
		}
	}
	out := strings.Replace(tmpl, "%(title)s.%(ext)s", "Lecture_One.mp4", 1)
	return command.Result{}, os.WriteFile(out, []byte("video"), 0o600)
}

func TestResolvePageURLUsesYtDlp(t *testing.T) {
	runner := &ytdlpRunner{}
	a := newAcquirer(t, runner)

	local, err := a.Resolve(context.Background(), "t1", "https://video.example.com/watch?v=abc", nil)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if filepath.Base(local) != "Lecture_One.mp4" {
		t.Fatalf("unexpected file %q", local)
	}
	if runner.args[len(runner.args)-1] != "https://video.example.com/watch?v=abc" {
		t.Fatalf("url not passed last: %v", runner.args)
	}

	failing := newAcquirer(t, &ytdlpRunner{fail: true})
	if _, err := failing.Resolve(context.Background(), "t2", "https://video.example.com/x", nil); err == nil || !strings.Contains(err.Error(), "Unsupported URL") {
		t.Fatalf("expected yt-dlp stderr in error, got %v", err)
	}
}

func TestSaveUpload(t *testing.T) {
	a := newAcquirer(t, nil)
	path, n, err := a.SaveUpload("t1", "../../etc/lecture.mp3", strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if n != 5 || path != filepath.Join(a.TaskDir("t1"), "lecture.mp3") {
		t.Fatalf("unexpected save result %q %d", path, n)
	}
}
