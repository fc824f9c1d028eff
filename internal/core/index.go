package core

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/pagetalk/pagetalk/internal/utils"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// IndexBuildError marks a failed (re)build: the embedding backend errored
// part-way through and no partial index was published.
type IndexBuildError struct {
	Err error
}

func (e *IndexBuildError) Error() string {
	return fmt.Sprintf("index build failed: %v", e.Err)
}

func (e *IndexBuildError) Unwrap() error {
	return e.Err
}

// Index holds document vectors for similarity search. It is immutable after
// BuildIndex returns; rebuilding produces a fresh Index and the old one is
// discarded wholesale.
type Index struct {
	docs    []Document
	vectors [][]float32
}

// Hit is one search result.
type Hit struct {
	Document Document
	Score    float32
}

// BuildIndex embeds every document in batches and returns the finished
// index. Any embedding failure aborts the whole build: callers never see a
// partially-embedded index. batchSize is a throughput knob only.
func BuildIndex(ctx context.Context, docs []Document, embedder Embedder, batchSize int) (*Index, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}

	vectors := make([][]float32, 0, len(docs))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, &IndexBuildError{Err: fmt.Errorf("embedding batch %d-%d: %w", start, end, err)}
		}
		if len(batch) != end-start {
			return nil, &IndexBuildError{Err: fmt.Errorf("embedder returned %d vectors for batch of %d", len(batch), end-start)}
		}
		vectors = append(vectors, batch...)
		log.Printf("Embedded %d/%d documents", end, len(texts))
	}

	return &Index{docs: docs, vectors: vectors}, nil
}

// Len reports the number of indexed documents.
func (ix *Index) Len() int {
	return len(ix.docs)
}

// Search returns up to k hits ordered by descending cosine similarity.
// Ties break by insertion order. Documents whose stored vector cannot be
// compared to the query are skipped.
func (ix *Index) Search(queryVector []float32, k int) []Hit {
	if k <= 0 {
		return nil
	}

	hits := make([]Hit, 0, len(ix.docs))
	for i, vec := range ix.vectors {
		score, err := utils.CosineSimilarity(queryVector, vec)
		if err != nil {
			log.Printf("Skipping document %s: %v", ix.docs[i].Metadata.ConversationKey, err)
			continue
		}
		hits = append(hits, Hit{Document: ix.docs[i], Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
