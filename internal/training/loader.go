package training

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// LoadFile reads a JSON array of conversations as exported by the
// social-media collection job. Conversations without any messages are
// skipped; they cannot produce a document and have nothing to retrieve.
func LoadFile(path string) ([]Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read training data file %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) ([]Conversation, error) {
	var raw []Conversation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse training data: %w", err)
	}

	conversations := make([]Conversation, 0, len(raw))
	for _, conv := range raw {
		if len(conv.Messages) == 0 {
			log.Printf("Skipping conversation %s: no messages", conv.Key())
			continue
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}
