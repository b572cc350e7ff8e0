package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"tandem/api/internal/metrics"
	"tandem/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	router     *mux.Router
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) routes() *mux.Router {
	router := mux.NewRouter()
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/api/sync", s.handleSync).Methods(http.MethodGet)

	router.HandleFunc("/api/documents", s.handleListDocuments).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{id}", s.handleDescribeDocument).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{id}/generations", s.handleStartGeneration).Methods(http.MethodPost)
	router.HandleFunc("/api/documents/{id}/generations", s.handleGenerationHistory).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{id}/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{id}/archive", s.handleArchive).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{id}/archive/{revision}", s.handleArchivedContent).Methods(http.MethodGet)

	router.HandleFunc("/api/search", s.handleSearch).Methods(http.MethodGet)

	router.HandleFunc("/api/generations", s.handleActiveGenerations).Methods(http.MethodGet)
	router.HandleFunc("/api/generations/{id}", s.handleGenerationStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/generations/{id}/cancel", s.handleCancelGeneration).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	names, failures := s.service.Ready(ctx)
	for _, name := range names {
		if err, failed := failures[name]; failed {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.service.Documents()})
}

func (s *HTTPServer) handleDescribeDocument(w http.ResponseWriter, r *http.Request) {
	desc, err := s.service.Describe(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *HTTPServer) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	var body StartGenerationInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	gen, err := s.service.StartGeneration(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, gen)
}

func (s *HTTPServer) handleGenerationHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.GenerationHistory(r.Context(), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": runs})
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Snapshots(r.Context(), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": items})
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.ArchiveHistory(mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleArchivedContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	content, err := s.service.ArchivedContent(vars["id"], vars["revision"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	resp, err := s.service.Search(search.Query{
		Text:   r.URL.Query().Get("q"),
		Limit:  queryLimit(r),
		Offset: offset,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleActiveGenerations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"generations": s.service.ActiveGenerations()})
}

func (s *HTTPServer) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	gen, err := s.service.GenerationStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (s *HTTPServer) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	gen, err := s.service.CancelGeneration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.ObserveHTTP(r.Method, s.routeName(r), strconv.Itoa(writer.status), elapsed)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)
	})
}

// routeName is the matched route template, keeping metric labels bounded.
func (s *HTTPServer) routeName(r *http.Request) string {
	var match mux.RouteMatch
	if s.router.Match(r, &match) && match.Route != nil {
		if template, err := match.Route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return "unmatched"
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}
