package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gigapi/gigapi-datasets/core"
	"github.com/gigapi/gigapi-datasets/registry"
)

// DefaultRowLimit caps the rows endpoint when no limit is given.
const DefaultRowLimit = 100

// Server exposes the registry over HTTP.
type Server struct {
	Registry *registry.Registry
}

// NewServer creates a new server instance
func NewServer(reg *registry.Registry) *Server {
	return &Server{Registry: reg}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

var reqId int32

func requestContext(r *http.Request) context.Context {
	return core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
}

// addCORSHeaders adds CORS headers to the response
func addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// preflight writes CORS headers and reports whether the request is fully handled.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	addCORSHeaders(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return true
	case http.MethodGet:
		return false
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return true
}

// Send an error response in JSON format
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
	})
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrCatalogUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sendError(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		core.Errorf(ctx, "Request failed: %v", err)
	}
	sendErrorResponse(w, err.Error(), status)
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// param reads a path value, falling back to the query string so the same
// handlers serve hosts without pattern routing.
func param(r *http.Request, name string) string {
	if v := r.PathValue(name); v != "" {
		return v
	}
	return r.URL.Query().Get(name)
}

func formatterFor(r *http.Request) (formatterFn, error) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	f, ok := formatters[format]
	if !ok {
		return nil, fmt.Errorf("%w: unknown format %q", core.ErrInvalidArgument, format)
	}
	return f, nil
}

func layerAndName(r *http.Request) (core.Layer, string, error) {
	layer, err := core.ParseLayer(param(r, "layer"))
	if err != nil {
		return "", "", err
	}
	name := param(r, "name")
	if err := core.ValidateName(name); err != nil {
		return "", "", err
	}
	return layer, name, nil
}

func positiveInt(r *http.Request, key string) (int64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", core.ErrInvalidArgument, key)
	}
	return v, nil
}

// Health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	sendJSON(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleListDatasets lists catalog records, most recent first.
// Query: layer, name, format (json | ndjson).
func (s *Server) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	ctx := requestContext(r)
	var filter core.ListFilter
	if l := r.URL.Query().Get("layer"); l != "" {
		layer, err := core.ParseLayer(l)
		if err != nil {
			sendError(ctx, w, err)
			return
		}
		filter.Layer = &layer
	}
	filter.Name = r.URL.Query().Get("name")
	format, err := formatterFor(r)
	if err != nil {
		sendError(ctx, w, err)
		return
	}

	records, err := s.Registry.ListDatasets(ctx, filter)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	rows := make([]map[string]any, len(records))
	for i, rec := range records {
		rows[i] = recordRow(rec)
	}
	if err := format(rows, w); err != nil {
		core.Errorf(ctx, "Failed to write response: %v", err)
	}
}

// HandleDescribe returns one catalog record by id.
func (s *Server) HandleDescribe(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	ctx := requestContext(r)
	id, err := strconv.ParseInt(param(r, "id"), 10, 64)
	if err != nil {
		sendError(ctx, w, fmt.Errorf("%w: invalid dataset id", core.ErrInvalidArgument))
		return
	}
	rec, err := s.Registry.Describe(ctx, id)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	sendJSON(w, rec)
}

// HandleLatest returns the record of the newest version of layer/name.
func (s *Server) HandleLatest(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	ctx := requestContext(r)
	layer, name, err := layerAndName(r)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	version, err := s.Registry.Catalog.LatestVersion(ctx, name, layer)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	rec, err := s.Registry.Catalog.Resolve(ctx, name, layer, version)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	sendJSON(w, rec)
}

// HandleRows returns the first rows of a dataset version.
// Query: version (default latest), limit (default DefaultRowLimit), format.
func (s *Server) HandleRows(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	ctx := requestContext(r)
	layer, name, err := layerAndName(r)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	version, err := positiveInt(r, "version")
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	limit, err := positiveInt(r, "limit")
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	if limit == 0 {
		limit = DefaultRowLimit
	}
	format, err := formatterFor(r)
	if err != nil {
		sendError(ctx, w, err)
		return
	}

	var opts []registry.ReadOption
	if version > 0 {
		opts = append(opts, registry.AtVersion(version))
	}
	tbl, _, err := s.Registry.ReadDataset(ctx, name, layer, opts...)
	if err != nil {
		sendError(ctx, w, err)
		return
	}
	defer tbl.Release()
	if err := format(ProcessResultsForJSON(TableToRows(tbl, limit)), w); err != nil {
		core.Errorf(ctx, "Failed to write response: %v", err)
	}
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/datasets", s.HandleListDatasets)
	mux.HandleFunc("/datasets/{id}", s.HandleDescribe)
	mux.HandleFunc("/datasets/{layer}/{name}/latest", s.HandleLatest)
	mux.HandleFunc("/datasets/{layer}/{name}/rows", s.HandleRows)
}

// Close the server and release resources
func (s *Server) Close() error {
	return s.Registry.Close()
}
