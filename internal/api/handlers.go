package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/types"
	"github.com/hyperengineering/heritage/internal/validation"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
	maxQueryLimit       = 500
	maxBodyBytes        = 1 << 20
)

// Handler serves the document store API over a remote.Store.
type Handler struct {
	store   remote.Store
	hub     *Hub
	version string
}

// NewHandler creates a new Handler. hub may be nil, which disables /v1/watch.
func NewHandler(s remote.Store, hub *Hub, version string) *Handler {
	return &Handler{store: s, hub: hub, version: version}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// kindParam validates the {kind} path segment, writing a 404 when unknown.
func kindParam(w http.ResponseWriter, r *http.Request) (types.Kind, bool) {
	kind, err := types.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		WriteProblem(w, r, http.StatusNotFound, err.Error())
		return "", false
	}
	return kind, true
}

// Health handles GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remote.HealthResponse{Status: "healthy", Version: h.version})
}

// Changes handles GET /v1/docs/{kind}/changes?since=&limit=
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("since must be RFC 3339: %s", err))
			return
		}
		since = t
	}

	limit := defaultChangesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxChangesLimit)
	}

	docs, err := h.store.FetchChanged(r.Context(), kind, since, limit)
	if err != nil {
		slog.Error("fetch changes failed", "component", "api", "kind", kind, "error", err)
		MapRemoteError(w, r, err)
		return
	}
	if docs == nil {
		docs = []types.Document{}
	}
	writeJSON(w, http.StatusOK, remote.ChangesResponse{Documents: docs})
}

// PutDocument handles PUT /v1/docs/{kind}/{id}
func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateKey("id", id); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid document id", []validation.ValidationError{*verr})
		return
	}

	var req remote.WriteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if len(req.Fields) == 0 {
		WriteProblemWithErrors(w, r, "Document contains invalid fields",
			[]validation.ValidationError{{Field: "fields", Message: "is required"}})
		return
	}

	result, err := h.store.WriteDocument(r.Context(), kind, id, req.Fields, req.ExpectedVersion)
	if err != nil {
		slog.Warn("write rejected",
			"component", "api",
			"kind", kind,
			"id", id,
			"source_id", SourceIDFromContext(r.Context()),
			"error", err,
		)
		MapRemoteError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// DeleteDocument handles DELETE /v1/docs/{kind}/{id}
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteDocument(r.Context(), kind, id); err != nil {
		MapRemoteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Query handles POST /v1/docs/{kind}/query
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	var req remote.ListRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.Limit < 0 {
		WriteProblem(w, r, http.StatusBadRequest, "limit must not be negative")
		return
	}
	req.Limit = min(req.Limit, maxQueryLimit)

	result, err := h.store.ListPage(r.Context(), kind, req)
	if err != nil {
		MapRemoteError(w, r, err)
		return
	}
	if result.Documents == nil {
		result.Documents = []types.Document{}
	}
	writeJSON(w, http.StatusOK, result)
}

// Watch handles GET /v1/watch
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Change feed disabled")
		return
	}
	h.hub.ServeHTTP(w, r)
}
