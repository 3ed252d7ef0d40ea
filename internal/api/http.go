package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"uptime/internal/config"
	"uptime/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterDeps carries collaborators for control HTTP router.
type RouterDeps struct {
	Controller Controller
	Ready      func() bool
	Metrics    http.Handler
	Logger     *slog.Logger
}

// NewRouter builds health, metrics, and control endpoints.
// Params: HTTP config (paths, API prefix, body limit) and router dependencies.
// Returns: chi router.
func NewRouter(cfg config.HTTPConfig, deps RouterDeps) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if deps.Logger != nil {
		router.Use(requestLogger(deps.Logger))
	}

	router.Get(cfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	router.Get(cfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if deps.Ready != nil && !deps.Ready() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	if deps.Metrics != nil {
		router.Method(http.MethodGet, cfg.MetricsPath, deps.Metrics)
	}

	if deps.Controller == nil {
		return router
	}
	handlers := &controlHandlers{controller: deps.Controller, maxBody: cfg.MaxBodyBytes}
	router.Route(cfg.APIPrefix, func(r chi.Router) {
		r.Post("/monitors/{id}/check", handlers.checkNow)
		r.Post("/channels/{id}/test", handlers.testChannel)
		r.Post("/refresh", handlers.refresh)
		r.Post("/commands", handlers.command)
	})
	return router
}

type controlHandlers struct {
	controller Controller
	maxBody    int64
}

func (h *controlHandlers) checkNow(writer http.ResponseWriter, request *http.Request) {
	h.run(writer, request, domain.Command{Type: domain.CommandCheckNow, ID: chi.URLParam(request, "id")})
}

func (h *controlHandlers) testChannel(writer http.ResponseWriter, request *http.Request) {
	h.run(writer, request, domain.Command{Type: domain.CommandTestChannel, ID: chi.URLParam(request, "id")})
}

func (h *controlHandlers) refresh(writer http.ResponseWriter, request *http.Request) {
	h.run(writer, request, domain.Command{Type: domain.CommandRefresh})
}

// command accepts one JSON command document, as published on the NATS command subject.
func (h *controlHandlers) command(writer http.ResponseWriter, request *http.Request) {
	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBody)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSON(writer, http.StatusRequestEntityTooLarge, Reply{Error: err.Error()})
		return
	}
	command, err := domain.DecodeCommand(body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, Reply{Error: err.Error()})
		return
	}
	h.run(writer, request, command)
}

func (h *controlHandlers) run(writer http.ResponseWriter, request *http.Request, command domain.Command) {
	if err := command.Validate(); err != nil {
		writeJSON(writer, http.StatusBadRequest, Reply{Error: err.Error()})
		return
	}
	reply, status := Execute(request.Context(), h.controller, command)
	writeJSON(writer, status, reply)
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(value)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			wrapped := middleware.NewWrapResponseWriter(writer, request.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(wrapped, request)
			logger.Debug("http request",
				"method", request.Method,
				"path", request.URL.Path,
				"status", wrapped.Status(),
				"duration_ms", time.Since(started).Milliseconds(),
				"request_id", middleware.GetReqID(request.Context()),
			)
		})
	}
}
