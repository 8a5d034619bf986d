package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverPostsJSON(t *testing.T) {
	received := make(chan map[string]any, 1)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher("", time.Second)
	ok := d.Deliver(context.Background(), srv.URL, map[string]any{"task_id": "t1", "status": "completed"})
	require.True(t, ok)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "t1", (<-received)["task_id"])
}

func TestDeliverUsesDefaultURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL+"/api/ai/callback/complete", time.Second)
	assert.True(t, d.Deliver(context.Background(), "", map[string]string{"status": "error"}))
	assert.Equal(t, int32(1), hits.Load())

	assert.False(t, NewDispatcher("", time.Second).Deliver(context.Background(), "", nil))
}

func TestDeliverFailuresAreSwallowed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher("", time.Second)
	assert.False(t, d.Deliver(context.Background(), srv.URL, map[string]string{}))
	assert.Equal(t, int32(1), hits.Load(), "no retry on failure")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()
	assert.False(t, NewDispatcher("", 20*time.Millisecond).Deliver(context.Background(), slow.URL, nil))

	assert.False(t, d.Deliver(context.Background(), "http://127.0.0.1:1/unreachable", nil))
}
