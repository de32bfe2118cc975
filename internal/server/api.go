package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/TheSigmaSociety/DisasterDesk/internal/session"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
)

const maxBodyBytes = 1 << 20

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is the dispatch view of stored calls and the resource registry.
type Store interface {
	ListCalls(ctx context.Context) ([]storage.Call, error)
	GetCall(ctx context.Context, id string) (storage.Call, error)
	ListResources(ctx context.Context) ([]storage.Resource, error)
	CreateResource(ctx context.Context, r storage.Resource) (storage.Resource, error)
	AssignResource(ctx context.Context, callID, resourceID string) (storage.Assignment, error)
	Ping(ctx context.Context) error
}

type assignmentRequest struct {
	CallID     string `json:"callId"`
	ResourceID string `json:"resourceId"`
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/calls", func(w http.ResponseWriter, r *http.Request) {
		calls, err := s.store.ListCalls(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list calls: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, calls)
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validID(id) {
			writeJSONError(w, http.StatusBadRequest, "invalid call id")
			return
		}

		call, err := s.store.GetCall(r.Context(), id)
		if err != nil {
			writeJSONError(w, statusFor(err), fmt.Sprintf("get call: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, call)
	})

	mux.HandleFunc("GET /api/resources", func(w http.ResponseWriter, r *http.Request) {
		resources, err := s.store.ListResources(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list resources: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, resources)
	})

	mux.HandleFunc("POST /api/resources", func(w http.ResponseWriter, r *http.Request) {
		var in storage.Resource
		if err := decodeBody(w, r, &in); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		created, err := s.store.CreateResource(r.Context(), in)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("POST /api/assignments", func(w http.ResponseWriter, r *http.Request) {
		var in assignmentRequest
		if err := decodeBody(w, r, &in); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !validID(in.CallID) || !validID(in.ResourceID) {
			writeJSONError(w, http.StatusBadRequest, "callId and resourceId are required")
			return
		}

		a, err := s.store.AssignResource(r.Context(), in.CallID, in.ResourceID)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, a)
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": s.calls.Active()})
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		call, err := s.calls.Get(r.PathValue("id"))
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		snap, err := call.Snapshot()
		if err != nil {
			writeJSONError(w, statusFor(err), "session ended")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "activeCalls": len(s.calls.Active())})
	})
}

func validID(id string) bool {
	return idPattern.MatchString(id)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, session.ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidResource):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrResourceUnavailable), errors.Is(err, session.ErrInvalidSessionState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %s", strings.TrimSpace(err.Error()))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
