package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type user struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// server is an in-memory identity backend: login, profile, refresh-token
// exchange and cookie sessions.
type server struct {
	latency time.Duration
	logger  *zap.Logger

	logins, profiles, exchanges, opened, logouts atomic.Int64

	mu       sync.Mutex
	users    map[string]*user
	tokens   map[string]*user // access tokens
	refresh  map[string]*user
	sessions map[string]*user
}

func newServer(latency time.Duration, logger *zap.Logger) *server {
	return &server{
		latency:  latency,
		logger:   logger,
		users:    make(map[string]*user),
		tokens:   make(map[string]*user),
		refresh:  make(map[string]*user),
		sessions: make(map[string]*user),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.delay)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.login)
		r.Post("/token", s.token)
		r.Post("/logout", s.logout)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/users/{id}/profile", s.profile)
		r.Post("/session", s.session)
	})
	return r
}

func (s *server) delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.mu.Lock()
	u, ok := s.users[body.Username]
	if !ok {
		u = &user{ID: len(s.users) + 1, Username: body.Username, Email: body.Username + "@example.com"}
		s.users[body.Username] = u
	}
	token, refresh := uuid.NewString(), uuid.NewString()
	s.tokens[token] = u
	s.refresh[refresh] = u
	s.mu.Unlock()

	s.logins.Add(1)
	s.logger.Debug("login", zap.String("user", u.Username))
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "refreshToken": refresh, "user": u})
}

func (s *server) profile(w http.ResponseWriter, r *http.Request) {
	u := s.bearer(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "missing or unknown token")
		return
	}
	if id, err := strconv.Atoi(chi.URLParam(r, "id")); err != nil || id != u.ID {
		writeError(w, http.StatusForbidden, "token does not belong to this user")
		return
	}
	s.profiles.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *server) token(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("grant_type") != "refresh_token" {
		writeError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}
	s.mu.Lock()
	u, ok := s.refresh[r.FormValue("refresh_token")]
	access := uuid.NewString()
	if ok {
		s.tokens[access] = u
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown refresh token")
		return
	}
	s.exchanges.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"access_token": access, "token_type": "Bearer", "expires_in": 3600})
}

func (s *server) session(w http.ResponseWriter, r *http.Request) {
	u := s.bearer(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "missing or unknown token")
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = u
	s.mu.Unlock()

	s.opened.Add(1)
	http.SetCookie(w, &http.Cookie{Name: "session", Value: id, Path: "/", HttpOnly: true, MaxAge: 1800})
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": id, "expiresIn": 1800})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie("session")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	s.mu.Lock()
	delete(s.sessions, c.Value)
	s.mu.Unlock()

	s.logouts.Add(1)
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) bearer(r *http.Request) *user {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

func (s *server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
