// Package core contains the retrieval pipeline and the chat orchestrator:
// conversations become documents, documents become an embedding index, and
// the index feeds few-shot examples into completion requests.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pagetalk/pagetalk/internal/training"
)

// Document is the embeddable text derived from one conversation, plus the
// metadata needed to find the conversation again after a search hit.
type Document struct {
	Content  string
	Metadata DocumentMetadata
}

type DocumentMetadata struct {
	ConversationKey string
	PostID          string
	MessageCount    int
	Timestamp       string
	Topics          []string
	HasQuestion     bool
	HasResponse     bool
}

// Composer turns one conversation into one document. The composition
// heuristics affect retrieval quality, so they are swappable independently
// of the index mechanics.
type Composer interface {
	Compose(conv training.Conversation) Document
}

// TopicGroup maps a topic label to the keywords that signal it. Matching is
// substring-based and case-insensitive.
type TopicGroup struct {
	Label    string   `json:"label"`
	Keywords []string `json:"keywords"`
}

// LoadTopicGroups reads keyword groups from a JSON file. A missing path
// means no topic tagging, which is valid.
func LoadTopicGroups(path string) ([]TopicGroup, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topic groups file %s: %w", path, err)
	}
	var groups []TopicGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse topic groups: %w", err)
	}
	return groups, nil
}

// SectionComposer renders a conversation as labeled sections: the first
// non-owner message as the question, the first owner message as the answer,
// any further turns as a follow-up transcript, and a trailing topic line.
type SectionComposer struct {
	ownerID string
	topics  []TopicGroup
}

func NewSectionComposer(ownerID string, topics []TopicGroup) *SectionComposer {
	return &SectionComposer{ownerID: ownerID, topics: topics}
}

func (c *SectionComposer) Compose(conv training.Conversation) Document {
	var questions, responses []string
	for _, msg := range conv.Messages {
		if msg.AuthorID == c.ownerID {
			responses = append(responses, msg.Content)
		} else {
			questions = append(questions, msg.Content)
		}
	}

	var sections []string
	if len(questions) > 0 {
		sections = append(sections, fmt.Sprintf("Question: %s", questions[0]))
	}
	if len(responses) > 0 {
		sections = append(sections, fmt.Sprintf("Answer: %s", responses[0]))
	}
	if len(conv.Messages) > 2 {
		sections = append(sections, "Follow-up conversation:")
		for _, msg := range conv.Messages[2:] {
			speaker := "User"
			if msg.AuthorID == c.ownerID {
				speaker = "You"
			}
			sections = append(sections, fmt.Sprintf("%s: %s", speaker, msg.Content))
		}
	}

	topics := c.extractTopics(conv.Messages)
	if len(topics) > 0 {
		sections = append(sections, strings.Join(topics, ", "))
	}

	var timestamp string
	if len(conv.Messages) > 0 {
		timestamp = conv.Messages[0].Timestamp
	}

	return Document{
		Content: strings.Join(sections, "\n\n"),
		Metadata: DocumentMetadata{
			ConversationKey: conv.Key(),
			PostID:          conv.PostID,
			MessageCount:    len(conv.Messages),
			Timestamp:       timestamp,
			Topics:          topics,
			HasQuestion:     len(questions) > 0,
			HasResponse:     len(responses) > 0,
		},
	}
}

// extractTopics scans the concatenated lowercase content for each keyword
// group. Group order is preserved so document text stays deterministic.
func (c *SectionComposer) extractTopics(messages []training.Message) []string {
	var parts []string
	for _, msg := range messages {
		parts = append(parts, strings.ToLower(msg.Content))
	}
	content := strings.Join(parts, " ")

	var topics []string
	for _, group := range c.topics {
		for _, keyword := range group.Keywords {
			if strings.Contains(content, strings.ToLower(keyword)) {
				topics = append(topics, group.Label)
				break
			}
		}
	}
	return topics
}

// BuildDocuments produces exactly one document per conversation, in input
// order.
func BuildDocuments(conversations []training.Conversation, composer Composer) []Document {
	docs := make([]Document, len(conversations))
	for i, conv := range conversations {
		docs[i] = composer.Compose(conv)
	}
	return docs
}
