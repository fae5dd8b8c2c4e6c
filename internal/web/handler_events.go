package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/remimikalsen/local-image-description-ha/internal/events"
)

const (
	eventBuffer       = 16
	keepaliveInterval = 30 * time.Second
)

// handleEvents streams image analyzed events as SSE until the client goes
// away. Events are dropped for a client whose buffer is full.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("cannot clear write deadline for event stream", "error", err)
	}

	ch := make(chan events.ImageAnalyzed, eventBuffer)
	unsubscribe := s.bus.Subscribe(func(ev events.ImageAnalyzed) {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("event stream client too slow, dropping event", "event_id", ev.ID)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Error("flush event stream failed", "error", err)
		return
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal event failed", "event_id", ev.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", events.TopicImageAnalyzed, ev.ID, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
