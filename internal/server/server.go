// Package server exposes the profile API, the quota subscription channel and
// the page routes over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/naka-gawa/profile-summary/internal/domain"
	"github.com/naka-gawa/profile-summary/internal/usecase"
)

// DefaultRequestsPerMinute is the per-IP budget for /api/* routes.
const DefaultRequestsPerMinute = 20

// ProfileService answers the API routes.
type ProfileService interface {
	CanLoad(ctx context.Context, login string) (usecase.Decision, error)
	Profile(ctx context.Context, login string) (*domain.UserProfile, error)
}

// Options configures a Server.
type Options struct {
	// GTMID is set as the gtm-id cookie on every response.
	GTMID string
	// StaticDir holds index.html and static assets. Empty serves a placeholder page.
	StaticDir string
	// RequestsPerMinute is the per-IP budget for /api/*. Zero uses the default.
	RequestsPerMinute int
}

// Server is the HTTP handler for the whole application.
type Server struct {
	profiles  ProfileService
	logger    *slog.Logger
	staticDir string
	mux       *http.ServeMux
	handler   http.Handler
}

// New wires the routes. quota serves the /rate-limit-status subscription.
func New(profiles ProfileService, quota http.Handler, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		profiles:  profiles,
		logger:    logger,
		staticDir: opts.StaticDir,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /api/can-load", s.canLoad)
	s.mux.HandleFunc("GET /api/user/{user}", s.user)
	s.mux.Handle("/rate-limit-status", quota)
	s.mux.HandleFunc("GET /search", s.page)
	s.mux.HandleFunc("GET /user/{user}", s.page)
	if s.staticDir != "" {
		s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
	}
	s.mux.HandleFunc("/", s.notFound)

	perMinute := opts.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	limiter := newIPLimiter(perMinute)
	s.handler = s.recoverer(gtmCookie(opts.GTMID, limiter.middleware(s.mux)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// canLoad handles GET /api/can-load?user=<name>.
func (s *Server) canLoad(w http.ResponseWriter, r *http.Request) {
	login := r.URL.Query().Get("user")
	if login == "" {
		jsonErr(w, http.StatusBadRequest, "missing user parameter")
		return
	}
	decision, err := s.profiles.CanLoad(r.Context(), login)
	switch {
	case errors.Is(err, usecase.ErrUserNotFound):
		jsonErr(w, http.StatusNotFound, "user not found")
	case err != nil:
		s.internalError(w, r, err)
	case !decision.Admitted():
		jsonErr(w, http.StatusBadRequest, "profile cannot be loaded right now")
	default:
		jsonResp(w, http.StatusOK, canLoadResponse{Admission: decision.String()})
	}
}

// user handles GET /api/user/{user}.
func (s *Server) user(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profiles.Profile(r.Context(), r.PathValue("user"))
	switch {
	case errors.Is(err, usecase.ErrUserNotFound):
		jsonErr(w, http.StatusNotFound, "user not found")
	case errors.Is(err, usecase.ErrNotPermitted):
		jsonErr(w, http.StatusBadRequest, "profile cannot be loaded right now")
	case err != nil:
		s.internalError(w, r, err)
	default:
		jsonResp(w, http.StatusOK, profile)
	}
}

const placeholderPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Profile summary</title></head>
<body><p>Load a profile from <code>/api/user/{name}</code>.</p></body></html>
`

// page serves the single-page frontend for the view routes.
func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	if s.staticDir != "" {
		index := filepath.Join(s.staticDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			http.ServeFile(w, r, index)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(placeholderPage)) //nolint:errcheck
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	w.WriteHeader(http.StatusInternalServerError)
}

// notFound redirects every unmatched route to the search page.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/search", http.StatusFound)
}

type canLoadResponse struct {
	Admission string `json:"admission"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
