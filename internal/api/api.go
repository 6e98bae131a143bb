// Package api exposes a local REST facade over one or more groups' read
// models (balances, activities, entries, settlement plan) and their
// mutation endpoints, explicitly "a shell around the core" (spec §1) for a
// future UI to consume over HTTP.
//
// Grounded on pkg/api/api.go's Server shape: an http.ServeMux route table,
// CORS headers applied to every response, ServeHTTP/ListenAndServe, and an
// SSE /events endpoint fed by an Engine.Subscribe() channel — widened from
// a single flat entry collection to group-scoped resources.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/ledgererr"
)

// Server is the HTTP API server.
type Server struct {
	engine Engine
	mux    *http.ServeMux
}

// New creates a Server backed by engine.
func New(engine Engine) *Server {
	s := &Server{engine: engine, mux: http.NewServeMux()}
	s.mux.HandleFunc("/groups/", s.handleGroupScoped)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

// handleGroupScoped dispatches /groups/{groupId}/{resource}[/{id}[/action]].
func (s *Server) handleGroupScoped(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/groups/"), "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		http.Error(w, "expected /groups/:id/:resource", http.StatusBadRequest)
		return
	}

	groupID, resource, rest := segments[0], segments[1], segments[2:]

	switch resource {
	case "entries":
		s.handleEntries(w, r, groupID, rest)
	case "balances":
		s.handleBalances(w, r, groupID)
	case "activities":
		s.handleActivities(w, r, groupID)
	case "settlement":
		s.handleSettlement(w, r, groupID)
	case "status":
		s.handleStatus(w, r, groupID)
	case "events":
		s.handleEvents(w, r, groupID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, groupID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			entries, err := s.engine.ListEntries(groupID)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, entries)
		case http.MethodPost:
			var entry core.Entry
			if !decodeJSON(w, r, &entry) {
				return
			}
			created, err := s.engine.AddEntry(groupID, entry)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusCreated, created)
		default:
			methodNotAllowed(w)
		}
	case 1:
		entryID := rest[0]
		switch r.Method {
		case http.MethodPut:
			var entry core.Entry
			if !decodeJSON(w, r, &entry) {
				return
			}
			modified, err := s.engine.ModifyEntry(groupID, entryID, entry)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, modified)
		case http.MethodDelete:
			actor := core.MemberID(r.URL.Query().Get("actor"))
			reason := r.URL.Query().Get("reason")
			deleted, err := s.engine.DeleteEntry(groupID, entryID, actor, reason)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, deleted)
		default:
			methodNotAllowed(w)
		}
	case 2:
		entryID, action := rest[0], rest[1]
		if action != "undelete" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		actor := core.MemberID(r.URL.Query().Get("actor"))
		undeleted, err := s.engine.UndeleteEntry(groupID, entryID, actor)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, undeleted)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request, groupID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	balances, err := s.engine.Balances(groupID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, balances)
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request, groupID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	activities, err := s.engine.Activities(groupID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, activities)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request, groupID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	plan, err := s.engine.SettlementPlan(groupID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, groupID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.engine.Status(groupID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleEvents streams change notifications as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, groupID string) {
	sub, err := s.engine.Subscribe(groupID)
	if err != nil {
		respondError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps the ledgererr taxonomy (spec §7) to HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	http.Error(w, err.Error(), status)
}

func errorStatus(err error) int {
	var identityMissing ledgererr.IdentityMissing
	var groupNotFound ledgererr.GroupNotFound
	var keyNotFound ledgererr.KeyNotFound
	var missingPreviousKey ledgererr.MissingPreviousKey
	var decryptionFailed ledgererr.DecryptionFailed
	var signatureInvalid ledgererr.SignatureInvalid
	var invalidMemberEvent ledgererr.InvalidMemberEvent
	var networkUnavailable ledgererr.NetworkUnavailable
	var relayError ledgererr.RelayError
	var entryNotFound ledgererr.EntryNotFound

	switch {
	case errors.As(err, &identityMissing):
		return http.StatusUnauthorized
	case errors.As(err, &groupNotFound), errors.As(err, &entryNotFound):
		return http.StatusNotFound
	case errors.As(err, &keyNotFound), errors.As(err, &missingPreviousKey):
		return http.StatusUnprocessableEntity
	case errors.As(err, &decryptionFailed):
		return http.StatusUnprocessableEntity
	case errors.As(err, &signatureInvalid):
		return http.StatusUnauthorized
	case errors.As(err, &invalidMemberEvent):
		return http.StatusBadRequest
	case errors.As(err, &networkUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &relayError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
