package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmylchreest/transcodarr/internal/events"
)

// defaultHeartbeat keeps idle progress streams open through proxies.
const defaultHeartbeat = 15 * time.Second

// sseStream writes server-sent events and flushes after each one.
type sseStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	s := &sseStream{w: w, rc: http.NewResponseController(w)}
	if err := s.comment("connected"); err != nil {
		return nil, err
	}
	return s, nil
}

// event writes one event with a JSON payload in a single write.
func (s *sseStream) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// jobEvent writes a job snapshot using its type as the event name.
func (s *sseStream) jobEvent(ev events.JobEvent) error {
	return s.event(ev.Type(), ev)
}

func (s *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ":%s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseStream) heartbeat() error {
	return s.comment(fmt.Sprintf("heartbeat %d", time.Now().Unix()))
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError writes err in the same problem format huma uses.
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(apiErr)
}
