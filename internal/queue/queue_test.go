package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lectureflow/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Submit(domain.Job{TaskID: fmt.Sprintf("t%d", i)}))
	}
	assert.Equal(t, 5, q.Len())
	assert.True(t, q.Contains("t3"))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		job, err := q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("t%d", i), job.TaskID)
	}
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Contains("t3"))
}

func TestTakeBlocksUntilSubmit(t *testing.T) {
	q := New()
	got := make(chan domain.Job, 1)
	go func() {
		job, err := q.Take(context.Background())
		if err == nil {
			got <- job
		}
	}()

	select {
	case <-got:
		t.Fatal("take returned before anything was submitted")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, q.Submit(domain.Job{TaskID: "late"}))
	select {
	case job := <-got:
		assert.Equal(t, "late", job.TaskID)
	case <-time.After(time.Second):
		t.Fatal("take did not wake up")
	}
}

func TestTakeHonoursContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDuplicateIDsAreNotDeduplicated(t *testing.T) {
	q := New()
	require.NoError(t, q.Submit(domain.Job{TaskID: "same"}))
	require.NoError(t, q.Submit(domain.Job{TaskID: "same"}))
	assert.Equal(t, 2, q.Len())
}

func TestPoisonAfterClose(t *testing.T) {
	q := New()
	q.Close()
	assert.ErrorIs(t, q.Submit(domain.Job{TaskID: "x"}), ErrQueueClosed)

	q.Poison()
	job, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.True(t, job.IsPoison())
}

func TestManyConsumersReceiveEveryJobOnce(t *testing.T) {
	q := New()
	const jobs = 200
	const consumers = 6

	var mu sync.Mutex
	seen := make(map[string]int, jobs)
	var wg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Take(context.Background())
				if err != nil || job.IsPoison() {
					return
				}
				mu.Lock()
				seen[job.TaskID]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Submit(domain.Job{TaskID: fmt.Sprintf("t%d", i)}))
	}
	for c := 0; c < consumers; c++ {
		q.Poison()
	}
	wg.Wait()

	require.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
