package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-worksync/internal/config"
	"github.com/npezzotti/go-worksync/internal/session"
)

// Inspector serves the state of a session over HTTP and lets a local
// operator drive the session's mutations.
type Inspector struct {
	log   *log.Logger
	sess  *session.Session
	srv   *http.Server
	token string
}

func NewInspector(mux *http.ServeMux, logger *log.Logger, sess *session.Session, cfg *config.Config) *Inspector {
	s := &Inspector{
		log:   logger,
		sess:  sess,
		token: cfg.Token,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/state", s.authMiddleware(s.state))
	mux.Handle("/api/rooms", s.authMiddleware(s.rooms))
	mux.Handle("GET /api/presence", s.authMiddleware(s.presence))
	mux.Handle("/api/typing", s.authMiddleware(s.typing))
	mux.Handle("GET /api/notifications", s.authMiddleware(s.notifications))
	mux.Handle("DELETE /api/notifications", s.authMiddleware(s.deleteNotification))
	mux.Handle("POST /api/notifications/refresh", s.authMiddleware(s.refreshNotifications))
	mux.Handle("POST /api/notifications/read", s.authMiddleware(s.markRead))
	mux.Handle("/api/tasks", s.authMiddleware(s.tasks))
	mux.Handle("POST /api/tasks/reorder", s.authMiddleware(s.reorderTask))
	mux.Handle("POST /api/tasks/toggle", s.authMiddleware(s.toggleTask))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(mux)

	h = handlers.LoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.InspectAddr,
		Handler: h,
	}
	return s
}

// Handler is the fully wrapped handler, for callers that serve it themselves.
func (s *Inspector) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Inspector) Start() error {
	s.log.Printf("starting inspector on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Inspector) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down inspector...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("inspector shutdown: %w", err)
	}

	return nil
}
