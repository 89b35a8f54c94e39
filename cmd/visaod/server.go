package main

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visao-labs/visao"
	"github.com/visao-labs/visao/backends"
	"github.com/visao-labs/visao/internal/auth"
	"github.com/visao-labs/visao/internal/history"
	"github.com/visao-labs/visao/internal/logging"
	"github.com/visao-labs/visao/internal/metrics"
	"github.com/visao-labs/visao/internal/ratelimit"
	"github.com/visao-labs/visao/internal/version"
)

// imageFields are the multipart field names accepted for uploads. "imagem"
// is kept for older mobile clients.
var imageFields = []string{"image", "imagem"}

var errNoImage = errors.New("no image provided")

// server holds the dependencies of the HTTP handlers. history and verifier
// are optional.
type server struct {
	analyzer  *visao.Analyzer
	history   *history.Service
	verifier  auth.Verifier
	maxUpload int64
}

// routerOptions configures cross-cutting middleware.
type routerOptions struct {
	corsOrigins []string
	clientLimit *ratelimit.Store
}

// newRouter builds the HTTP router.
func newRouter(s *server, opts routerOptions) http.Handler {
	if s.maxUpload <= 0 {
		s.maxUpload = visao.DefaultMaxUploadBytes
	}

	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(corsMiddleware(opts.corsOrigins...))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.clientLimit != nil {
			r.Use(ratelimit.Middleware(opts.clientLimit, ratelimit.ClientIP))
		}

		r.Group(func(r chi.Router) {
			if s.verifier != nil {
				r.Use(auth.Optional(s.verifier))
			}
			r.Post("/analyze", s.handleAnalyze)
			r.Post("/analyze/batch", s.handleAnalyzeBatch)
		})

		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheClear)

		// History is per user, so it needs both a store and a verifier.
		if s.history != nil && s.verifier != nil {
			r.Route("/history", func(r chi.Router) {
				r.Use(auth.Middleware(s.verifier))
				r.Get("/{kind}", s.handleHistoryList)
				r.Post("/{kind}", s.handleHistorySaveDocument)
				r.Delete("/{kind}/{id}", s.handleHistoryDelete)
			})
		}
	})

	return r
}

// accessLog logs each request and counts it by route pattern and status.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		logging.FromContext(r.Context()).Info("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Short(),
		"backends": s.analyzer.Backends(),
	})
}

type analyzeResponse struct {
	Result       *backends.Result `json:"result"`
	Summary      string           `json:"summary"`
	Confidence   float64          `json:"confidence,omitempty"`
	ProcessingMS int64            `json:"processing_ms"`
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	mode := backends.ModeVision
	if raw := r.URL.Query().Get("mode"); raw != "" {
		m, err := backends.ParseMode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(backends.KindInvalidInput), err.Error())
			return
		}
		mode = m
	}

	image, name, err := s.readImage(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	start := time.Now()
	res, err := s.analyzer.Process(r.Context(), image, mode)
	elapsed := time.Since(start)
	if err != nil {
		writeAnalysisError(w, err)
		return
	}
	s.recordImage(r.Context(), name, res, elapsed)

	summary, confidence := res.Summary()
	writeJSON(w, http.StatusOK, analyzeResponse{
		Result:       res,
		Summary:      summary,
		Confidence:   confidence,
		ProcessingMS: elapsed.Milliseconds(),
	})
}

type batchItem struct {
	Result   *backends.Result `json:"result,omitempty"`
	Error    *errorBody       `json:"error,omitempty"`
	CacheHit bool             `json:"cache_hit"`
}

func (s *server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	modes := backends.AllModes()
	if raw := r.URL.Query().Get("modes"); raw != "" {
		modes = modes[:0:0]
		for _, part := range strings.Split(raw, ",") {
			m, err := backends.ParseMode(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, string(backends.KindInvalidInput), err.Error())
				return
			}
			modes = append(modes, m)
		}
	}

	image, name, err := s.readImage(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	start := time.Now()
	outcomes := s.analyzer.ProcessMany(r.Context(), image, modes)
	elapsed := time.Since(start)

	out := make(map[backends.Mode]batchItem, len(outcomes))
	for mode, o := range outcomes {
		item := batchItem{Result: o.Result, CacheHit: o.CacheHit}
		if o.Err != nil {
			item.Error = newErrorBody(o.Err)
		} else {
			s.recordImage(r.Context(), name, o.Result, elapsed)
		}
		out[mode] = item
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes":      out,
		"processing_ms": elapsed.Milliseconds(),
	})
}

// readImage returns the uploaded bytes and a display name. Multipart bodies
// are searched for imageFields; any other body is taken as the raw image.
func (s *server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return nil, "", err
		}
		for _, field := range imageFields {
			f, hdr, err := r.FormFile(field)
			if err != nil {
				continue
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return nil, "", err
			}
			if len(data) == 0 {
				return nil, "", errNoImage
			}
			return data, hdr.Filename, nil
		}
		return nil, "", errNoImage
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errNoImage
	}
	return data, "upload", nil
}

// recordImage stores a history entry for authenticated callers. Failures are
// logged and never fail the request.
func (s *server) recordImage(ctx context.Context, name string, res *backends.Result, elapsed time.Duration) {
	if s.history == nil {
		return
	}
	id, ok := auth.FromContext(ctx)
	if !ok {
		return
	}
	if _, err := s.history.SaveImageAnalysis(ctx, id.UserID, name, res, elapsed); err != nil {
		logging.FromContext(ctx).Warn("history not recorded", "error", err.Error())
	}
}

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.analyzer.CacheStats())
}

func (s *server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	s.analyzer.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"message": "cache cleared"})
}

func (s *server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	raw := chi.URLParam(r, "kind")
	if raw == "all" || raw == "completo" {
		all, err := s.history.ListAll(r.Context(), id.UserID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "history_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}

	kind, err := history.ParseKind(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	var items []history.Record
	if kind == history.KindImage {
		items, err = s.history.ListImages(r.Context(), id.UserID, limit)
	} else {
		items, err = s.history.ListDocuments(r.Context(), id.UserID, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "items": items})
}

type saveDocumentRequest struct {
	FileName string           `json:"file_name"`
	Document history.Document `json:"document"`
}

// handleHistorySaveDocument records a document processed elsewhere. Only
// the documents collection accepts writes from clients.
func (s *server) handleHistorySaveDocument(w http.ResponseWriter, r *http.Request) {
	if kind, err := history.ParseKind(chi.URLParam(r, "kind")); err != nil || kind != history.KindDocument {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only documents can be recorded directly")
		return
	}
	id, _ := auth.FromContext(r.Context())
	var req saveDocumentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(backends.KindInvalidInput), err.Error())
		return
	}
	if req.FileName == "" {
		writeError(w, http.StatusBadRequest, string(backends.KindInvalidInput), "file_name is required")
		return
	}
	rec, err := s.history.SaveDocument(r.Context(), id.UserID, req.FileName, req.Document)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	kind, err := history.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(backends.KindInvalidInput), err.Error())
		return
	}
	err = s.history.DeleteItem(r.Context(), id.UserID, kind, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, history.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "history_error", err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
	}
}

// errorBody is the error envelope returned to clients. Message is safe to
// show to the user; Detail carries the technical reason.
type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Backend string `json:"backend,omitempty"`
}

func newErrorBody(e *backends.Error) *errorBody {
	return &errorBody{
		Type:    string(e.Kind),
		Message: e.Kind.UserMessage(),
		Detail:  e.Message,
		Backend: e.Backend,
	}
}

// statusFor maps an error kind to the HTTP status returned to clients.
func statusFor(kind backends.ErrorKind) int {
	switch kind {
	case backends.KindInvalidInput:
		return http.StatusBadRequest
	case backends.KindContentRejected:
		return http.StatusUnprocessableEntity
	case backends.KindRateLimited:
		return http.StatusTooManyRequests
	case backends.KindTimeout:
		return http.StatusGatewayTimeout
	case backends.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeAnalysisError(w http.ResponseWriter, err error) {
	be := backends.Classify(err)
	writeJSON(w, statusFor(be.Kind), map[string]any{"error": newErrorBody(be)})
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, string(backends.KindInvalidInput), "image is too large")
		return
	}
	writeError(w, http.StatusBadRequest, string(backends.KindInvalidInput), err.Error())
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": errorBody{Type: errType, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
