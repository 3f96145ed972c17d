package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"taskd/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type recurringReq struct {
	CronExpression string         `json:"cron_expression"`
	MaxConcurrent  int            `json:"max_concurrent"`
	Task           domain.Request `json:"task"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownKind), errors.Is(err, domain.ErrInvalidCron):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.m.List())
}

func (s *Server) listKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kinds.Kinds())
}

func (s *Server) listGates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.m.Gates())
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.enq.Now(req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// factory rejected its parameters
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	v, ok := s.m.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.m.Delete(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) searchTasks(w http.ResponseWriter, r *http.Request) {
	var criteria map[string]any
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.m.Search(criteria))
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.m.ListRecurring())
}

func (s *Server) registerRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	template, err := s.kinds.Build(req.Task)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.m.RegisterRecurring(req.CronExpression, template, req.MaxConcurrent)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"recurring_id": id})
}

func (s *Server) getRecurring(w http.ResponseWriter, r *http.Request) {
	v, ok := s.m.GetRecurring(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Recurring task not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) removeRecurring(w http.ResponseWriter, r *http.Request) {
	if !s.m.RemoveRecurring(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "Recurring task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableRecurring(w http.ResponseWriter, r *http.Request) {
	s.toggleRecurring(w, r, s.m.EnableRecurring)
}

func (s *Server) disableRecurring(w http.ResponseWriter, r *http.Request) {
	s.toggleRecurring(w, r, s.m.DisableRecurring)
}

func (s *Server) toggleRecurring(w http.ResponseWriter, r *http.Request, toggle func(string) bool) {
	id := chi.URLParam(r, "id")
	if !toggle(id) {
		writeError(w, http.StatusNotFound, "Recurring task not found")
		return
	}
	v, _ := s.m.GetRecurring(id)
	writeJSON(w, http.StatusOK, v)
}
