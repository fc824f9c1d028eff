package core

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pagetalk/pagetalk/internal/llm"
	"github.com/pagetalk/pagetalk/internal/training"
)

// RetrievalConfig carries the search knobs; defaults live in configuration,
// not here.
type RetrievalConfig struct {
	// Limit is the maximum number of conversations pulled into a prompt.
	Limit int
	// MinScore drops hits below this similarity.
	MinScore float32
	// BatchSize controls how many documents are embedded per backend call.
	BatchSize int
}

// ConversationLoader supplies the full conversation set for a (re)build.
type ConversationLoader func() ([]training.Conversation, error)

// Retriever finds the historical conversations most relevant to a query and
// flattens them into role-tagged prompt messages. The index is built lazily
// on first use; concurrent first callers share one build. Rebuilds replace
// the conversation store and the index together, atomically.
type Retriever struct {
	loader   ConversationLoader
	embedder Embedder
	composer Composer
	ownerID  string
	cfg      RetrievalConfig

	group singleflight.Group
	mu    sync.RWMutex
	store *training.Store
	index *Index
}

func NewRetriever(loader ConversationLoader, embedder Embedder, composer Composer, ownerID string, cfg RetrievalConfig) *Retriever {
	return &Retriever{
		loader:   loader,
		embedder: embedder,
		composer: composer,
		ownerID:  ownerID,
		cfg:      cfg,
	}
}

// Ready reports whether the index has been built.
func (r *Retriever) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index != nil
}

// ConversationCount reports how many conversations the current store holds.
func (r *Retriever) ConversationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.store == nil {
		return 0
	}
	return r.store.Len()
}

// Warm builds the index if it hasn't been built yet. Safe to call from a
// startup goroutine.
func (r *Retriever) Warm(ctx context.Context) error {
	_, _, err := r.ensure(ctx)
	return err
}

// Reinitialize reloads the conversations and rebuilds the index from
// scratch. The previous store and index keep serving until the new pair is
// ready; a failed rebuild leaves them in place.
func (r *Retriever) Reinitialize(ctx context.Context) error {
	conversations, err := r.loader()
	if err != nil {
		return &IndexBuildError{Err: fmt.Errorf("loading conversations: %w", err)}
	}
	store := training.NewStore(conversations)

	docs := BuildDocuments(store.All(), r.composer)
	built, err := BuildIndex(ctx, docs, r.embedder, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.store = store
	r.index = built
	r.mu.Unlock()
	log.Printf("Vectorized %d conversations", built.Len())
	return nil
}

// ensure returns the current store and index, building them at most once
// even under concurrent first requests. A failed build clears the guard so
// the next request retries.
func (r *Retriever) ensure(ctx context.Context) (*training.Store, *Index, error) {
	r.mu.RLock()
	store, index := r.store, r.index
	r.mu.RUnlock()
	if index != nil {
		return store, index, nil
	}

	_, err, _ := r.group.Do("build", func() (interface{}, error) {
		r.mu.RLock()
		built := r.index != nil
		r.mu.RUnlock()
		if built {
			return nil, nil
		}
		return nil, r.Reinitialize(ctx)
	})
	if err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store, r.index, nil
}

// Retrieve returns the messages of the most relevant conversations, in
// descending score order, each message role-tagged: assistant iff its
// author is the configured owner. An empty result is normal, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]llm.Message, error) {
	store, index, err := r.ensure(ctx)
	if err != nil {
		return nil, err
	}

	queryVector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits := index.Search(queryVector, r.cfg.Limit)

	var messages []llm.Message
	dropped := 0
	for _, hit := range hits {
		if hit.Score < r.cfg.MinScore {
			continue
		}
		conv, ok := store.Get(hit.Document.Metadata.ConversationKey)
		if !ok {
			// The index is a derived cache; the store is the source of
			// truth. A stale hit is dropped, never a request failure.
			dropped++
			continue
		}
		for _, msg := range conv.Messages {
			role := llm.RoleUser
			if msg.AuthorID == r.ownerID {
				role = llm.RoleAssistant
			}
			messages = append(messages, llm.Message{Role: role, Content: msg.Content})
		}
	}

	if dropped > 0 {
		log.Printf("Dropped %d retrieval hits with no matching conversation", dropped)
	}
	return messages, nil
}
