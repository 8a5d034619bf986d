package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lectureflow/internal/domain"
	"lectureflow/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRespectsConcurrencyCeiling(t *testing.T) {
	const jobs = 40
	const workers = 3

	q := queue.New()
	var current, peak atomic.Int32
	var mu sync.Mutex
	done := make(map[string]bool, jobs)

	pool := NewPool(q, func(_ context.Context, job domain.Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		mu.Lock()
		done[job.TaskID] = true
		mu.Unlock()
		return nil
	})
	pool.Start(context.Background(), workers)

	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Submit(domain.Job{TaskID: fmt.Sprintf("t%d", i)}))
	}
	pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, pool.Wait(ctx), "workers did not exit")

	assert.Len(t, done, jobs)
	assert.LessOrEqual(t, int(peak.Load()), workers)
	assert.Equal(t, int64(jobs), pool.Processed())
	assert.Equal(t, 0, pool.Active())
}

func TestWorkerSurvivesErrorsAndPanics(t *testing.T) {
	q := queue.New()
	var handled atomic.Int32
	pool := NewPool(q, func(_ context.Context, job domain.Job) error {
		handled.Add(1)
		switch job.TaskID {
		case "boom":
			panic("stage exploded")
		case "fail":
			return errors.New("provider down")
		}
		return nil
	})
	pool.Start(context.Background(), 1)

	for _, id := range []string{"boom", "fail", "ok"} {
		require.NoError(t, q.Submit(domain.Job{TaskID: id}))
	}
	pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, pool.Wait(ctx))
	assert.Equal(t, int32(3), handled.Load(), "a single worker must keep going after failures")
}

func TestStopLetsInFlightJobFinish(t *testing.T) {
	q := queue.New()
	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool

	pool := NewPool(q, func(_ context.Context, _ domain.Job) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	pool.Start(context.Background(), 1)
	require.NoError(t, q.Submit(domain.Job{TaskID: "long"}))
	<-started

	pool.Stop()
	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.False(t, pool.Wait(short), "stop must not interrupt the running job")
	assert.Equal(t, 1, pool.Active())

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.True(t, pool.Wait(ctx))
	assert.True(t, finished.Load())
}

func TestCancelledContextStopsIdleWorkers(t *testing.T) {
	q := queue.New()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, func(context.Context, domain.Job) error { return nil })
	pool.Start(ctx, 2)
	cancel()

	wait, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	assert.True(t, pool.Wait(wait))
}
