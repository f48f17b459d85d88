package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"labelflow/internal/api"
	"labelflow/internal/config"
	"labelflow/internal/logging"
	"labelflow/internal/progress"
	"labelflow/internal/queue"
	"labelflow/internal/services"
)

// maxSubmissionBytes bounds the JSON body of a submission, base64 included.
const maxSubmissionBytes = 64 << 20

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	jobs    *api.JobService
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
		jobs:   api.NewJobService(d.store),
	}

	token := strings.TrimSpace(cfg.Paths.APIToken)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", srv.handleHealth)
	mux.Handle("POST /api/jobs", authMiddleware(token, http.HandlerFunc(srv.handleSubmit)))
	mux.Handle("GET /api/jobs", authMiddleware(token, http.HandlerFunc(srv.handleList)))
	mux.Handle("GET /api/jobs/{id}", authMiddleware(token, http.HandlerFunc(srv.handleStatus)))
	mux.Handle("GET /api/jobs/{id}/output", authMiddleware(token, http.HandlerFunc(srv.handleOutput)))
	mux.Handle("POST /api/jobs/{id}/cancel", authMiddleware(token, http.HandlerFunc(srv.handleCancel)))
	mux.Handle("POST /api/jobs/{id}/retry", authMiddleware(token, http.HandlerFunc(srv.handleRetry)))
	mux.Handle("GET /api/jobs/{id}/audit", authMiddleware(token, http.HandlerFunc(srv.handleAudit)))
	mux.Handle("GET /api/jobs/{id}/events", authMiddleware(token, http.HandlerFunc(srv.handleEvents)))
	srv.handler = srv.withRequestID(mux)
	return srv
}

func (s *apiServer) listen() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Unlock()
	return nil
}

// serve blocks until ctx ends. Request contexts derive from ctx so open
// event streams end with the daemon.
func (s *apiServer) serve(ctx context.Context) error {
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.mu.Unlock()
	server.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.String(logging.FieldEventType, "api_listening"),
	)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := services.WithRequestID(r.Context(), requestID)
		logging.WithContext(ctx, s.logger).Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	health, err := s.daemon.store.CheckHealth(r.Context())
	payload := api.HealthResponse{
		Status:   "ok",
		Running:  status.Running,
		Workers:  status.Workers,
		Jobs:     make(map[string]int, len(status.Jobs)),
		Database: health,
	}
	for jobStatus, count := range status.Jobs {
		payload.Jobs[string(jobStatus)] = count
	}
	code := http.StatusOK
	if err != nil || !health.IntegrityCheck {
		payload.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, payload)
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBytes)
	var sub queue.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "submission too large", services.KindValidation)
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid submission: "+err.Error(), services.KindValidation)
		return
	}
	job, err := s.jobs.Submit(r.Context(), api.ApplyDefaults(s.daemon.cfg, sub))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	logging.WithContext(r.Context(), s.logger).Info("job submitted",
		logging.JobID(job.ID),
		logging.String("format", job.Format),
		logging.Int("input_bytes", len(sub.Input)),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	s.writeJSON(w, http.StatusCreated, api.JobResponse{Job: job})
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	statuses, err := api.ParseStatuses(r.URL.Query()["status"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), statuses...)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: jobs})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) handleOutput(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.jobs.Output(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	resp, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	resp, err := s.jobs.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	resp, err := s.jobs.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams progress snapshots as NDJSON until the terminal one.
// The subscription is taken before the status read so a job finishing in
// between is still reported.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	updates, unsubscribe := s.daemon.publisher.Subscribe(jobID)
	defer unsubscribe()

	summary, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	encoder := json.NewEncoder(w)
	emit := func(snap progress.Snapshot) bool {
		if err := encoder.Encode(snap); err != nil {
			return false
		}
		_ = rc.Flush()
		return true
	}

	if summary.Status.Terminal() {
		emit(progress.Snapshot{
			JobID:     summary.JobID,
			Status:    summary.Status,
			Completed: summary.CompletedUnits,
			Failed:    summary.FailedUnits,
			Total:     summary.TotalUnits,
			Terminal:  true,
			At:        time.Now().UTC(),
		})
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if !emit(snap) || snap.Terminal {
				return
			}
		}
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Kind: kind})
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func (s *apiServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrParse):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrOutputNotReady), errors.Is(err, queue.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_request_failed",
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
	}
	kind := ""
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		kind = services.ErrorKind(err)
	}
	s.writeError(w, status, err.Error(), kind)
}
