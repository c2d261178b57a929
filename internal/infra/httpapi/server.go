// Package httpapi exposes the voice pipeline, device queries and realtime
// observer socket over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"voice-home/internal/application"
	"voice-home/internal/domain"
	"voice-home/internal/infra/metrics"
)

// TelemetrySource exposes the cached gateway reading.
type TelemetrySource interface {
	Latest() domain.TelemetryReading
}

type Config struct {
	UploadDir          string
	MaxUploadBytes     int64
	RateLimitPerMinute int
}

type Server struct {
	cfg         Config
	assistant   *application.Assistant
	coordinator *application.Coordinator
	devices     application.DeviceRepository
	telemetry   TelemetrySource
	observers   http.Handler
	limiter     *RateLimiter
	logger      *slog.Logger
}

func NewServer(
	cfg Config,
	assistant *application.Assistant,
	coordinator *application.Coordinator,
	devices application.DeviceRepository,
	telemetry TelemetrySource,
	observers http.Handler,
	logger *slog.Logger,
) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &Server{
		cfg:         cfg,
		assistant:   assistant,
		coordinator: coordinator,
		devices:     devices,
		telemetry:   telemetry,
		observers:   observers,
		limiter:     NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		logger:      logger.With("component", "http"),
	}
}

// Handler builds the router with its middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	if s.observers != nil {
		r.Handle("/ws", s.observers)
	}

	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.With(s.limiter.Middleware).Post("/ai/transcribe", s.handleTranscribe)

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Get("/logs", s.handleAllLogs)
		r.Patch("/state", s.handleBulkState)
		r.Get("/{id}", s.handleGetDevice)
		r.Get("/{id}/logs", s.handleDeviceLogs)
		r.Patch("/{id}/state", s.handleDeviceState)
	})

	r.Get("/weather-context", s.handleWeatherContext)
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) envelope { return envelope{Success: true, Data: data} }

func errorBody(msg string) envelope { return envelope{Success: false, Error: msg} }

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to status codes. Unexpected errors are
// logged and reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, domain.ErrInvalidState):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, domain.ErrStaleState):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	default:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
	}
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	path, err := s.saveUpload(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	result, err := s.assistant.HandleAudio(r.Context(), path, clientAddress(r))
	if err != nil {
		metrics.ObserveCommand("error")
		s.writeError(w, r, err)
		return
	}

	metrics.ObserveCommand(string(result.Status))
	writeJSON(w, http.StatusOK, ok(result))
}

// saveUpload stores the multipart "audio" field under a generated name.
func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		return "", fmt.Errorf("invalid upload: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		return "", errors.New("no audio file uploaded")
	}
	defer file.Close()

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(header.Filename)))
	path := filepath.Join(s.cfg.UploadDir, uuid.NewString()+ext)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("saving upload: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("saving upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("saving upload: %w", err)
	}

	s.logger.Debug("upload saved", "path", path, "bytes", header.Size)
	return path, nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(devices))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, valid := deviceID(w, r)
	if !valid {
		return
	}
	device, err := s.devices.FindByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(device))
}

func (s *Server) handleDeviceLogs(w http.ResponseWriter, r *http.Request) {
	id, valid := deviceID(w, r)
	if !valid {
		return
	}
	logs, err := s.devices.ListLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(logs))
}

func (s *Server) handleAllLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.devices.AllLogs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(logs))
}

type stateRequest struct {
	State string `json:"state"`
}

type stateResponse struct {
	Message string          `json:"message"`
	Changed bool            `json:"changed"`
	Devices []domain.Device `json:"devices"`
}

func decodeState(r *http.Request) (domain.DeviceState, error) {
	var req stateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: invalid body", domain.ErrInvalidState)
	}
	return domain.ParseDeviceState(req.State)
}

func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	id, valid := deviceID(w, r)
	if !valid {
		return
	}
	state, err := decodeState(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	change, err := s.coordinator.ApplySingle(r.Context(), id, state, clientAddress(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := stateResponse{Changed: change.Changed, Devices: []domain.Device{change.Device}}
	if !change.Changed {
		resp.Message = change.Notice()
	} else {
		resp.Message = fmt.Sprintf("Device %d turned %s", id, strings.ToUpper(string(state)))
	}
	writeJSON(w, http.StatusOK, ok(resp))
}

func (s *Server) handleBulkState(w http.ResponseWriter, r *http.Request) {
	state, err := decodeState(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	bulk, err := s.coordinator.ApplyBulk(r.Context(), state, clientAddress(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := stateResponse{Changed: !bulk.AlreadyInState, Devices: bulk.Devices()}
	if bulk.AlreadyInState {
		resp.Message = bulk.Notice()
	} else {
		resp.Message = fmt.Sprintf("All devices turned %s", strings.ToUpper(string(state)))
	}
	writeJSON(w, http.StatusOK, ok(resp))
}

func (s *Server) handleWeatherContext(w http.ResponseWriter, _ *http.Request) {
	var reading domain.TelemetryReading
	if s.telemetry != nil {
		reading = s.telemetry.Latest()
	}
	writeJSON(w, http.StatusOK, ok(reading))
}

func deviceID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid device id"))
		return 0, false
	}
	return uint(id), true
}

// clientAddress is the caller's IP without port. RealIP has already applied
// proxy headers.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote", clientAddress(r),
		)
	})
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
