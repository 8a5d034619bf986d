// Package index builds a per-task semantic index over lecture text and
// answers similarity queries against it.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fileutil "lectureflow/internal/file"
	"lectureflow/internal/provider"

	"github.com/rs/zerolog/log"
)

const defaultTopK = 5

var (
	ErrNoPassages  = errors.New("no indexable passages")
	ErrNotIndexed  = errors.New("task is not indexed")
	ErrEmptyQuery  = errors.New("empty query")
	ErrNoEmbedder  = errors.New("embedder is not configured")
	errVectorCount = errors.New("embedder returned a different number of vectors")
)

// document is the on-disk form of one task index.
type document struct {
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	Passages  []Passage `json:"passages"`
}

// Hit is one search result.
type Hit struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Indexer embeds passages and keeps them under <dir>/<task_id>.json.
type Indexer struct {
	dir      string
	embedder provider.Embedder

	mu    sync.RWMutex
	cache map[string]*document
}

func NewIndexer(dir string, embedder provider.Embedder) *Indexer {
	return &Indexer{dir: dir, embedder: embedder, cache: make(map[string]*document)}
}

func (ix *Indexer) path(taskID string) string {
	return filepath.Join(ix.dir, taskID+".json")
}

// Index splits text, embeds every passage and persists the result. It returns
// the number of indexed passages.
func (ix *Indexer) Index(ctx context.Context, taskID, text string) (int, error) {
	if ix.embedder == nil {
		return 0, ErrNoEmbedder
	}
	passages := SplitPassages(text)
	if len(passages) == 0 {
		return 0, ErrNoPassages
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed passages: %w", err)
	}
	if len(vectors) != len(passages) {
		return 0, fmt.Errorf("%w: %d for %d passages", errVectorCount, len(vectors), len(passages))
	}
	for i := range passages {
		passages[i].Vector = vectors[i]
	}

	doc := &document{TaskID: taskID, CreatedAt: time.Now().UTC(), Passages: passages}
	if err := fileutil.WriteJSONAtomic(ix.path(taskID), doc); err != nil {
		return 0, fmt.Errorf("persist index: %w", err)
	}
	ix.mu.Lock()
	ix.cache[taskID] = doc
	ix.mu.Unlock()

	log.Info().Str("task_id", taskID).Int("passages", len(passages)).Msg("lecture indexed")
	return len(passages), nil
}

// Search returns the k passages most similar to query, best first.
func (ix *Indexer) Search(ctx context.Context, taskID, query string, k int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if ix.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if k <= 0 {
		k = defaultTopK
	}
	doc, err := ix.load(taskID)
	if err != nil {
		return nil, err
	}
	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: %d for 1 query", errVectorCount, len(vectors))
	}

	hits := make([]Hit, 0, len(doc.Passages))
	for _, p := range doc.Passages {
		hits = append(hits, Hit{Text: p.Text, Source: p.Source, Score: cosine(vectors[0], p.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Has reports whether taskID has an index in memory or on disk.
func (ix *Indexer) Has(taskID string) bool {
	ix.mu.RLock()
	_, ok := ix.cache[taskID]
	ix.mu.RUnlock()
	return ok || fileutil.Exists(ix.path(taskID))
}

func (ix *Indexer) load(taskID string) (*document, error) {
	ix.mu.RLock()
	doc, ok := ix.cache[taskID]
	ix.mu.RUnlock()
	if ok {
		return doc, nil
	}

	var loaded document
	if err := fileutil.ReadJSON(ix.path(taskID), &loaded); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotIndexed
		}
		return nil, fmt.Errorf("load index: %w", err)
	}
	ix.mu.Lock()
	ix.cache[taskID] = &loaded
	ix.mu.Unlock()
	return &loaded, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
