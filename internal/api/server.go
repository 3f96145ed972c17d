package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"taskd/internal/domain"
	"taskd/internal/engine"
	"taskd/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Manager is the task manager surface the HTTP layer needs.
type Manager interface {
	Submit(t *engine.Task) (string, error)
	Get(id string) (domain.TaskView, bool)
	List() []domain.TaskView
	Delete(id string) bool
	Search(criteria map[string]any) []string
	SubscribeTask(id string) (<-chan domain.TaskUpdate, func(), bool)
	SubscribeQueue() ([]domain.TaskView, <-chan domain.QueueEvent, func())
	Gates() []domain.GateView

	RegisterRecurring(cronExpr string, template *engine.Task, maxConcurrent int) (string, error)
	GetRecurring(id string) (domain.RecurringView, bool)
	ListRecurring() []domain.RecurringView
	EnableRecurring(id string) bool
	DisableRecurring(id string) bool
	RemoveRecurring(id string) bool
}

type Kinds interface {
	usecase.Builder
	Kinds() []string
}

type Server struct {
	router *chi.Mux
	m      Manager
	kinds  Kinds
	enq    usecase.Enqueuer

	// TaskKeepalive and QueueKeepalive bound the silence on SSE streams.
	TaskKeepalive  time.Duration
	QueueKeepalive time.Duration
}

func NewServer(m Manager, kinds Kinds) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		m:              m,
		kinds:          kinds,
		enq:            usecase.Enqueuer{M: m, Kinds: kinds},
		TaskKeepalive:  10 * time.Second,
		QueueKeepalive: 30 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Get("/queue", s.listTasks)
	r.Get("/queue/stream", s.streamQueue)
	r.Get("/kinds", s.listKinds)
	r.Get("/gates", s.listGates)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.submitTask)
		r.Post("/search", s.searchTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.deleteTask)
		r.Get("/{id}/stream", s.streamTask)
	})

	r.Route("/recurring", func(r chi.Router) {
		r.Get("/", s.listRecurring)
		r.Post("/", s.registerRecurring)
		r.Get("/{id}", s.getRecurring)
		r.Delete("/{id}", s.removeRecurring)
		r.Post("/{id}/enable", s.enableRecurring)
		r.Post("/{id}/disable", s.disableRecurring)
	})
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		requestIDHandler,
		realIPHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/" }),
		corsHandler,
	)
}

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)

	// No write timeout since SSE streams stay open. Request contexts derive
	// from ctx so open streams end when shutdown begins.
	httpServer := http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}
