package server

import (
	"net/http"
)

// Handler returns an http.Handler implementing the session API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.handleGetStatus(w, r, id)
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.handleAbortSession(w, r, id)
	})
	mux.HandleFunc("GET /sessions/{id}/missing", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.handleMissingParts(w, r, id)
	})
	mux.HandleFunc("POST /sessions/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.handleCompleteSession(w, r, id)
	})

	// Parts
	mux.HandleFunc("PUT /sessions/{id}/parts/{part}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		part := r.PathValue("part")
		s.handleUploadPart(w, r, id, part)
	})

	// Objects
	mux.HandleFunc("GET /objects/{key...}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		s.handleGetObject(w, r, key)
	})

	var handler http.Handler = mux
	if s.cfg.BasePath != "" {
		handler = http.StripPrefix(s.cfg.BasePath, mux)
	}

	return SlashFix(LogRequest(RequireAuthentication(s.cfg.Authenticator, Recoverer(handler))))
}
