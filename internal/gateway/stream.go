package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/warden/internal/bus"
)

// sseEvent is one server-sent event describing a client's task lifecycle.
type sseEvent struct {
	Type     string `json:"type"`
	Kind     string `json:"kind,omitempty"`
	State    string `json:"state,omitempty"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Message  string `json:"message,omitempty"`
}

// toSSE maps a bus event for clientID to an SSE payload. Events for other
// clients, or of no interest to observers, return nil.
func toSSE(ev bus.Event, clientID string) *sseEvent {
	switch p := ev.Payload.(type) {
	case bus.TaskStartedEvent:
		if p.ClientID == clientID {
			return &sseEvent{Type: ev.Topic}
		}
	case bus.TaskFinishedEvent:
		if p.ClientID == clientID {
			return &sseEvent{Type: ev.Topic, State: p.State, Message: p.Err}
		}
	case bus.DecisionRequestedEvent:
		if p.ClientID == clientID {
			return &sseEvent{Type: ev.Topic, Kind: p.Kind}
		}
	case bus.DecisionResolvedEvent:
		if p.ClientID == clientID {
			return &sseEvent{Type: ev.Topic, Kind: p.Kind, Decision: p.Decision, Reason: p.Reason}
		}
	case bus.GuardrailCheckedEvent:
		if p.ClientID == clientID {
			return &sseEvent{Type: ev.Topic, Kind: p.Check, Outcome: p.Outcome}
		}
	case bus.GuardrailViolationEvent:
		if p.ClientID == clientID {
			return &sseEvent{Type: ev.Topic, Kind: p.Check, Message: p.Message}
		}
	}
	return nil
}

// handleEvents implements GET /api/v1/events?client_id=X. It streams the
// client's lifecycle events and ends after the task finishes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "client_id", clientID)
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			out := toSSE(ev, clientID)
			if out == nil {
				continue
			}
			data, err := json.Marshal(out)
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("sse: write failed", "client_id", clientID, "error", err)
				return
			}
			flusher.Flush()
			if ev.Topic == bus.TopicTaskFinished {
				return
			}
		}
	}
}
