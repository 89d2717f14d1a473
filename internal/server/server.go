package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/raysh454/deepscan/internal/app"
	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/store"
	"github.com/raysh454/deepscan/internal/webclient"

	_ "github.com/raysh454/deepscan/internal/server/docs" // registers the OpenAPI document
)

// multipartOverhead is added to MaxUploadBytes for form framing.
const multipartOverhead = 1 << 20

// Server is the HTTP + WebSocket API surface for DeepScan.
type Server struct {
	cfg      Config
	service  *app.Service
	router   chi.Router
	upgrader websocket.Upgrader
	validate *validator.Validate
	logger   logging.Logger
}

// NewServer wraps an already wired Service.
func NewServer(cfg Config, svc *app.Service, logger logging.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("service is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is nil")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = app.DefaultConfig().MaxUploadBytes
	}

	s := &Server{
		cfg:      cfg,
		service:  svc,
		router:   chi.NewRouter(),
		validate: validator.New(),
		logger:   logger.With(logging.Field{Key: "component", Value: "server"}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to configured origins once the web client has a fixed host
				return true
			},
		},
	}

	s.routes()
	return s, nil
}

// Service returns the underlying service for advanced use (tests, etc.).
func (s *Server) Service() *app.Service {
	return s.service
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/analyses", s.optionsHandler("GET, POST"))
	r.Options("/analyses/url", s.optionsHandler("POST"))
	r.Options("/analyses/batch", s.optionsHandler("POST"))
	r.Options("/analyses/{id}", s.optionsHandler("GET, DELETE"))
	r.Options("/analyses/{id}/compare/{otherID}", s.optionsHandler("GET"))
	r.Options("/jobs", s.optionsHandler("GET"))
	r.Options("/jobs/analyze", s.optionsHandler("POST"))
	r.Options("/jobs/analyze-url", s.optionsHandler("POST"))
	r.Options("/jobs/{jobID}", s.optionsHandler("GET, DELETE"))
	r.Options("/ws/analyze", s.optionsHandler("GET"))

	r.Get("/health", s.handleHealth)

	// Analyses
	r.Post("/analyses", s.handleAnalyzeUpload)
	r.Post("/analyses/url", s.handleAnalyzeURL)
	r.Post("/analyses/batch", s.handleAnalyzeBatch)
	r.Get("/analyses", s.handleListAnalyses)
	r.Get("/analyses/{id}", s.handleGetAnalysis)
	r.Delete("/analyses/{id}", s.handleDeleteAnalysis)
	r.Get("/analyses/{id}/compare/{otherID}", s.handleCompareAnalyses)

	// Jobs over REST
	r.Post("/jobs/analyze", s.handleStartAnalyzeJob)
	r.Post("/jobs/analyze-url", s.handleStartAnalyzeURLJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Delete("/jobs/{jobID}", s.handleCancelJob)

	// WebSocket for job progress
	r.Get("/ws/analyze", s.handleAnalyzeWS)

	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler. JSON bodies are logged; uploads are
// logged by size only.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && r.Method == http.MethodPost {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 64<<10)); err == nil {
				fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}
		} else if r.ContentLength > 0 {
			fields = append(fields, logging.Field{Key: "content_length", Value: r.ContentLength})
		}
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// Close stops background jobs. The store and cache belong to the caller.
func (s *Server) Close() {
	if s.service != nil {
		s.service.Close()
	}
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeFailure maps a service error onto a status code. Pipeline errors are
// written with their code and details.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, logging.Field{Key: "error", Value: err.Error()})
	} else {
		s.logger.Warn(op, logging.Field{Key: "error", Value: err.Error()})
	}

	var pe *pipeline.Error
	if errors.As(err, &pe) {
		body := pe.ToMap()
		body["error"] = pe.Message
		writeJSON(w, status, body)
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidImage),
		errors.Is(err, webclient.ErrUnsupportedURL):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, app.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, webclient.ErrForbiddenAddress):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrNoFaceDetected),
		errors.Is(err, webclient.ErrNoImageFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, webclient.ErrHTTPStatus),
		errors.Is(err, webclient.ErrBodyTooLarge):
		return http.StatusBadGateway
	case errors.Is(err, app.ErrFetchDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, pipeline.ErrCanceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readUpload pulls the "file" part out of a multipart request.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", nil, fmt.Errorf("parsing multipart form: %w", err)
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("missing file field: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("reading upload: %w", err)
	}
	return hdr.Filename, data, nil
}

func (s *Server) decodeURLRequest(r *http.Request) (string, error) {
	var body AnalyzeURLRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", errors.New("invalid JSON")
	}
	if err := s.validate.Struct(body); err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	return body.URL, nil
}

// --- HTTP handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newHealthResponse())
}

// Analyses

func (s *Server) handleAnalyzeUpload(w http.ResponseWriter, r *http.Request) {
	filename, data, err := s.readUpload(w, r)
	if err != nil {
		s.logger.Warn("reading upload", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.service.Analyze(r.Context(), filename, data)
	if err != nil {
		s.writeFailure(w, "analyzing upload", err)
		return
	}
	s.logger.Info("analyzed upload", logging.Field{Key: "id", Value: rec.ID}, logging.Field{Key: "cached", Value: rec.Cached})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleAnalyzeURL(w http.ResponseWriter, r *http.Request) {
	rawURL, err := s.decodeURLRequest(r)
	if err != nil {
		s.logger.Warn("decoding analyze url body", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.service.AnalyzeURL(r.Context(), rawURL)
	if err != nil {
		s.writeFailure(w, "analyzing url", err)
		return
	}
	s.logger.Info("analyzed url", logging.Field{Key: "id", Value: rec.ID}, logging.Field{Key: "url", Value: rawURL})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var body AnalyzeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.logger.Warn("decoding analyze batch body", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.logger.Warn("validating analyze batch body", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.service.AnalyzeBatch(r.Context(), body.URLs, body.Concurrency)
	if err != nil {
		s.writeFailure(w, "analyzing batch", err)
		return
	}
	s.logger.Info("analyzed batch", logging.Field{Key: "count", Value: len(items)})
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 {
			limit = v
		}
	}

	recs, err := s.service.ListAnalyses(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, "listing analyses", err)
		return
	}
	s.logger.Info("listed analyses", logging.Field{Key: "count", Value: len(recs)})
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.service.GetAnalysis(r.Context(), id)
	if err != nil {
		s.writeFailure(w, "getting analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.service.DeleteAnalysis(r.Context(), id); err != nil {
		s.writeFailure(w, "deleting analysis", err)
		return
	}
	s.logger.Info("deleted analysis", logging.Field{Key: "id", Value: id})
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleCompareAnalyses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	otherID := chi.URLParam(r, "otherID")

	cmp, err := s.service.CompareAnalyses(r.Context(), id, otherID)
	if err != nil {
		s.writeFailure(w, "comparing analyses", err)
		return
	}
	s.logger.Info("compared analyses", logging.Field{Key: "base", Value: id}, logging.Field{Key: "head", Value: otherID}, logging.Field{Key: "chunks", Value: len(cmp.Chunks)})
	writeJSON(w, http.StatusOK, cmp)
}

// Jobs (REST)

func (s *Server) handleStartAnalyzeJob(w http.ResponseWriter, r *http.Request) {
	filename, data, err := s.readUpload(w, r)
	if err != nil {
		s.logger.Warn("reading upload", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The job outlives the request.
	job, err := s.service.StartAnalyzeJob(context.Background(), filename, data)
	if err != nil {
		s.writeFailure(w, "starting analyze job", err)
		return
	}
	s.logger.Info("started analyze job", logging.Field{Key: "job_id", Value: job.ID})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleStartAnalyzeURLJob(w http.ResponseWriter, r *http.Request) {
	rawURL, err := s.decodeURLRequest(r)
	if err != nil {
		s.logger.Warn("decoding analyze url body", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.service.StartAnalyzeURLJob(context.Background(), rawURL)
	if err != nil {
		s.writeFailure(w, "starting analyze url job", err)
		return
	}
	s.logger.Info("started analyze url job", logging.Field{Key: "job_id", Value: job.ID}, logging.Field{Key: "url", Value: rawURL})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.service.GetJob(jobID)
	if err != nil {
		s.logger.Warn("getting job: not found", logging.Field{Key: "job_id", Value: jobID})
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.service.CancelJob(jobID); err != nil {
		s.writeFailure(w, "canceling job", err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.service.ListJobs()
	s.logger.Info("listed jobs", logging.Field{Key: "count", Value: len(jobs)})
	writeJSON(w, http.StatusOK, jobs)
}

// WebSockets

// handleAnalyzeWS streams one analysis. With ?url= the remote image is
// fetched; otherwise the first binary message is the image. The job
// snapshot is written first, then every event until the job ends.
func (s *Server) handleAnalyzeWS(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "upload"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	ctx := r.Context()

	var job *app.Job
	if rawURL != "" {
		job, err = s.service.StartAnalyzeURLJob(ctx, rawURL)
	} else {
		conn.SetReadLimit(s.cfg.MaxUploadBytes)
		var msgType int
		var data []byte
		msgType, data, err = conn.ReadMessage()
		if err == nil && msgType != websocket.BinaryMessage {
			err = errors.New("expected a binary image message")
		}
		if err == nil {
			job, err = s.service.StartAnalyzeJob(ctx, filename, data)
		}
	}
	if err != nil {
		s.logger.Warn("starting analyze job", logging.Field{Key: "error", Value: err.Error()})
		_ = conn.WriteJSON(ErrorResponse{Error: err.Error()})
		return
	}

	s.logger.Info("started analyze job", logging.Field{Key: "job_id", Value: job.ID})
	_ = conn.WriteJSON(job)

	for ev := range job.Events {
		if err := conn.WriteJSON(ev); err != nil {
			// Assume client disconnected; cancel job
			_ = s.service.CancelJob(job.ID)
			return
		}
	}
}
