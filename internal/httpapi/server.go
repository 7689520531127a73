// Package httpapi exposes the scheduler over HTTP.
//
// Authentication is a boundary, not a feature of this layer: the owning user
// for created tasks comes from an IdentityFunc installed by the caller.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sendlater/internal/schedule"
	"sendlater/internal/send"
	"sendlater/internal/store"
	logx "sendlater/pkg/logx"
)

// IdentityFunc resolves the authenticated user for a request. It returns ""
// for anonymous requests; task ownership is then left empty.
type IdentityFunc func(r *http.Request) string

// HeaderIdentity trusts a reverse-proxy-injected header. Deployments that
// terminate auth upstream (the usual setup) set X-User-Email per request.
func HeaderIdentity(r *http.Request) string {
	return r.Header.Get("X-User-Email")
}

type Server struct {
	st       store.Store
	engine   *schedule.Engine
	sender   *send.Service
	uploads  string
	identity IdentityFunc
	log      logx.Logger
}

func NewServer(st store.Store, engine *schedule.Engine, sender *send.Service, uploadsDir string, identity IdentityFunc, log logx.Logger) *Server {
	if identity == nil {
		identity = HeaderIdentity
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		st:       st,
		engine:   engine,
		sender:   sender,
		uploads:  uploadsDir,
		identity: identity,
		log:      log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", s.handleSend)
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks/delete", s.handleDeleteTasks)
		r.Patch("/tasks/{id}", s.handleReschedule)
		r.Post("/tasks/{id}/pause", s.handlePause)
		r.Post("/tasks/{id}/resume", s.handleResume)
		r.Get("/receipts", s.handleListReceipts)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
