package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps text to keyword counts so similarity is predictable.
type keywordEmbedder struct {
	calls int
	err   error
}

func (k *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	k.calls++
	if k.err != nil {
		return nil, k.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{
			float32(strings.Count(t, "alpha")),
			float32(strings.Count(t, "beta")),
			float32(strings.Count(t, "gamma")),
		}
	}
	return out, nil
}

func paragraph(word string) string {
	return strings.TrimSpace(strings.Repeat(word+" filler text ", 6))
}

func TestSplitPassagesByMarkers(t *testing.T) {
	text := "--- page 1 ---\n" + paragraph("alpha") + "\n\nshort\n\n" + paragraph("beta") +
		"\n--- page 2 ---\n" + paragraph("gamma")

	got := SplitPassages(text)
	require.Len(t, got, 3)
	assert.Equal(t, "page 1", got[0].Source)
	assert.Equal(t, "page 1", got[1].Source)
	assert.Equal(t, "page 2", got[2].Source)
	assert.True(t, strings.HasPrefix(got[2].Text, "gamma"))
}

func TestSplitPassagesFallsBackToWindows(t *testing.T) {
	// a transcript is one long line with no paragraph breaks
	text := strings.Repeat("가", 1150)

	got := SplitPassages(text)
	require.Len(t, got, 3)
	assert.Equal(t, "chunk 0", got[0].Source)
	assert.Equal(t, 500, len([]rune(got[0].Text)))
	assert.Equal(t, 150, len([]rune(got[2].Text)))

	tail := strings.Repeat("x", 1020)
	assert.Len(t, SplitPassages(tail), 2, "a trailing window under 100 runes is dropped")
	assert.Empty(t, SplitPassages("tiny"))
}

func TestIndexAndSearch(t *testing.T) {
	dir := t.TempDir()
	emb := &keywordEmbedder{}
	ix := NewIndexer(dir, emb)
	text := paragraph("alpha") + "\n\n" + paragraph("beta") + "\n\n" + paragraph("gamma")

	n, err := ix.Index(context.Background(), "t1", text)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = os.Stat(filepath.Join(dir, "t1.json"))
	require.NoError(t, err)
	assert.True(t, ix.Has("t1"))

	hits, err := ix.Search(context.Background(), "t1", "tell me about beta", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.True(t, strings.HasPrefix(hits[0].Text, "beta"))
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	// a fresh indexer reads the persisted file
	reloaded := NewIndexer(dir, emb)
	hits, err = reloaded.Search(context.Background(), "t1", "gamma", 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.True(t, strings.HasPrefix(hits[0].Text, "gamma"))
}

func TestIndexErrors(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("quota exceeded")
	ix := NewIndexer(dir, &keywordEmbedder{err: boom})

	_, err := ix.Index(context.Background(), "t1", strings.Repeat("alpha ", 100))
	require.ErrorIs(t, err, boom)
	assert.False(t, ix.Has("t1"))

	_, err = ix.Index(context.Background(), "t2", "tiny")
	require.ErrorIs(t, err, ErrNoPassages)

	_, err = NewIndexer(dir, &keywordEmbedder{}).Search(context.Background(), "missing", "alpha", 1)
	require.ErrorIs(t, err, ErrNotIndexed)

	_, err = NewIndexer(dir, &keywordEmbedder{}).Search(context.Background(), "t1", " ", 1)
	require.ErrorIs(t, err, ErrEmptyQuery)

	_, err = NewIndexer(dir, nil).Index(context.Background(), "t3", "text")
	require.ErrorIs(t, err, ErrNoEmbedder)
}
