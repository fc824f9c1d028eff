// Package training holds the historical comment/reply exchanges that the
// retrieval layer searches. Conversations are loaded once from a JSON export
// and are read-only afterwards.
package training

// Message is one turn in a historical exchange.
type Message struct {
	Content   string `json:"content"`
	Author    string `json:"author"`
	AuthorID  string `json:"authorId"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Conversation is an ordered comment thread. PostID and CommentID together
// form its unique key.
type Conversation struct {
	PostID    string    `json:"postId"`
	CommentID string    `json:"commentId"`
	Messages  []Message `json:"messages"`
}

// Key returns the lookup key used by the Store and by index metadata.
func (c Conversation) Key() string {
	return c.PostID + "/" + c.CommentID
}

// Store is an in-memory, read-only collection of conversations. It is the
// source of truth for reconstructing exchanges after a similarity search;
// the embedding index only carries keys back into it.
type Store struct {
	byKey map[string]Conversation
	order []Conversation
}

// NewStore builds a store from loaded conversations. Later duplicates of the
// same key win, matching a map-assignment load.
func NewStore(conversations []Conversation) *Store {
	s := &Store{
		byKey: make(map[string]Conversation, len(conversations)),
		order: make([]Conversation, 0, len(conversations)),
	}
	for _, conv := range conversations {
		if _, exists := s.byKey[conv.Key()]; !exists {
			s.order = append(s.order, conv)
		}
		s.byKey[conv.Key()] = conv
	}
	return s
}

// Get looks up a conversation by its key.
func (s *Store) Get(key string) (Conversation, bool) {
	conv, ok := s.byKey[key]
	return conv, ok
}

// All returns the conversations in load order.
func (s *Store) All() []Conversation {
	return s.order
}

// Len reports how many conversations are loaded.
func (s *Store) Len() int {
	return len(s.order)
}
