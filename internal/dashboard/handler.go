package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/photomirror/photomirror/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// mappingsResponse is the paginated listing payload.
type mappingsResponse struct {
	Mappings []store.Mapping `json:"mappings"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

// deleteRequest is the bulk delete payload.
type deleteRequest struct {
	SourceIDs []string `json:"sourceIds"`
}

// deleteResponse reports how many rows a delete removed.
type deleteResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics())
}

// handleListMappings serves GET /api/mappings with page, pageSize,
// search, sort and dir query parameters.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := intParam(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := intParam(q.Get("pageSize"), defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	search := q.Get("search")

	opts := store.PageOptions{
		Page:     page,
		PageSize: pageSize,
		Search:   search,
		SortBy:   store.SortKey(q.Get("sort")),
		Dir:      store.SortDirection(q.Get("dir")),
	}

	mappings, err := s.store.ListPage(r.Context(), opts)
	if err != nil {
		var storageErr *store.StorageError
		if errors.As(err, &storageErr) {
			httpError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		// Invalid sort key or direction.
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := s.store.Count(r.Context(), search)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	if mappings == nil {
		mappings = []store.Mapping{}
	}
	writeJSON(w, http.StatusOK, mappingsResponse{
		Mappings: mappings,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// handleDeleteMapping serves DELETE /api/mappings/{sourceId}. Deleting
// a mapping forces the item to resync on the next cycle.
func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("sourceId")
	if sourceID == "" {
		httpError(w, http.StatusBadRequest, "missing source id")
		return
	}

	deleted := 0
	if _, err := s.store.GetBySourceID(r.Context(), sourceID); err == nil {
		deleted = 1
	}
	if err := s.store.DeleteBySourceID(r.Context(), sourceID); err != nil {
		httpError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	s.broadcastDeleted([]string{sourceID}, deleted)
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
}

// handleBulkDelete serves POST /api/mappings/delete.
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.SourceIDs) == 0 {
		httpError(w, http.StatusBadRequest, "sourceIds is required")
		return
	}

	deleted, err := s.store.DeleteBySourceIDs(r.Context(), req.SourceIDs)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	s.broadcastDeleted(req.SourceIDs, deleted)
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
}

func (s *Server) broadcastDeleted(sourceIDs []string, deleted int) {
	data, err := json.Marshal(map[string]interface{}{
		"sourceIds": sourceIDs,
		"deleted":   deleted,
	})
	if err != nil {
		return
	}
	s.send(Message{Type: MessageTypeMappingDeleted, Timestamp: time.Now(), Data: data})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
