package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/zhengjr9/flowise-bridge/internal/adapter/openai"
	"github.com/zhengjr9/flowise-bridge/internal/config"
	apierrors "github.com/zhengjr9/flowise-bridge/internal/errors"
	"github.com/zhengjr9/flowise-bridge/internal/flowise"
	"github.com/zhengjr9/flowise-bridge/internal/metrics"
)

// Server is the bridge HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New constructs a Server from the given config. collector may be nil, in
// which case a private one is created.
func New(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	client := flowise.NewClient(cfg.FlowiseAPIURL, cfg.ChatflowID, cfg.RequestTimeout, cfg.ProxyURL)
	logger.Info("forwarding to flowise", "prediction_url", client.PredictionURL())
	completions := openai.NewHandler(client, openai.HandlerConfig{
		Model:       cfg.ModelName,
		Timeout:     cfg.RequestTimeout,
		IdleTimeout: cfg.StreamIdleTimeout,
		Logger:      logger,
		Metrics:     collector,
	})

	router := mux.NewRouter()
	router.Handle("/v1/chat/completions", completions).Methods(http.MethodPost)
	router.HandleFunc("/v1/models", completions.ServeModels).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	if cfg.MetricsEnabled {
		router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteJSONError(w, http.StatusNotFound, "not found",
			fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed",
			fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path))
	})
	router.Use(
		recoveryMiddleware(logger),
		requestIDMiddleware,
		loggingMiddleware(logger),
	)

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
	}).Handler(router)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// No WriteTimeout: streams are bounded by the idle timeout instead.
			IdleTimeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
