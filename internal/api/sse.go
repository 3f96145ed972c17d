package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"taskd/internal/domain"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) keepalive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamTask sends the task's current state and then every update until
// the task finishes or the client goes away.
func (s *Server) streamTask(w http.ResponseWriter, r *http.Request) {
	updates, cancel, ok := s.m.SubscribeTask(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	defer cancel()

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	ticker := time.NewTicker(s.TaskKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u, open := <-updates:
			if !open {
				return
			}
			if err := sw.data(u); err != nil {
				log.Ctx(ctx).Debug().Err(err).Msg("task stream write failed")
				return
			}
			ticker.Reset(s.TaskKeepalive)
		case <-ticker.C:
			if err := sw.keepalive(); err != nil {
				return
			}
		}
	}
}

// streamQueue sends the full task list, then membership changes until the
// client goes away.
func (s *Server) streamQueue(w http.ResponseWriter, r *http.Request) {
	snapshot, events, cancel := s.m.SubscribeQueue()
	defer cancel()

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	if snapshot == nil {
		snapshot = []domain.TaskView{}
	}
	initial := struct {
		Type  domain.QueueEventType `json:"type"`
		Tasks []domain.TaskView     `json:"tasks"`
	}{domain.QueueUpdated, snapshot}
	if err := sw.data(initial); err != nil {
		return
	}

	ticker := time.NewTicker(s.QueueKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sw.data(ev); err != nil {
				log.Ctx(ctx).Debug().Err(err).Msg("queue stream write failed")
				return
			}
			ticker.Reset(s.QueueKeepalive)
		case <-ticker.C:
			if err := sw.keepalive(); err != nil {
				return
			}
		}
	}
}
