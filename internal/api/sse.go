package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter emits server-sent events for the streaming chat endpoint. Each
// request gets a sequence of token events followed by exactly one terminal
// event: done, quota_exceeded or error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) event(name string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

func (s *sseWriter) token(token string) {
	s.event("token", map[string]string{"token": token})
}

func (s *sseWriter) done() {
	s.event("done", struct{}{})
}

func (s *sseWriter) quotaExceeded(currentUsage, limit int64) {
	s.event("quota_exceeded", map[string]int64{
		"currentUsage": currentUsage,
		"limit":        limit,
	})
}

func (s *sseWriter) error(message string) {
	s.event("error", map[string]string{"message": message})
}
