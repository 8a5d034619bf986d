package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	res Result
	err error
	// block waits for ctx cancellation before returning
	block bool
}

func (s stubRunner) Run(ctx context.Context, _ string, _ ...string) (Result, error) {
	if s.block {
		<-ctx.Done()
		return Result{ExitCode: -1}, errors.New("signal: killed")
	}
	return s.res, s.err
}

func TestExecWrapsFailureWithStderr(t *testing.T) {
	r := stubRunner{res: Result{ExitCode: 1, Stderr: "Invalid data found when processing input"}, err: errors.New("exit status 1")}
	_, err := Exec(context.Background(), r, 0, "ffmpeg", "-i", "x")
	require.Error(t, err)

	var cmdErr *Error
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "ffmpeg", cmdErr.Command)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestExecTimeout(t *testing.T) {
	_, err := Exec(context.Background(), stubRunner{block: true}, 10*time.Millisecond, "yt-dlp")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorTruncatesLongStderr(t *testing.T) {
	e := &Error{Command: "ffmpeg", ExitCode: 1, Stderr: strings.Repeat("x", 5000)}
	assert.Less(t, len(e.Error()), 2100)
}

func TestExecSuccess(t *testing.T) {
	res, err := Exec(context.Background(), stubRunner{res: Result{Stdout: "12.5\n"}}, time.Second, "ffprobe")
	require.NoError(t, err)
	assert.Equal(t, "12.5\n", res.Stdout)
}
