package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/zhengjr9/flowise-bridge/internal/errors"
	"github.com/zhengjr9/flowise-bridge/internal/flowise"
	"github.com/zhengjr9/flowise-bridge/internal/metrics"
)

const (
	defaultTimeout = 120 * time.Second

	// statusClientClosed is recorded when the caller disconnects mid-stream.
	statusClientClosed = "499"
)

// Upstream is the Flowise API as seen by the handler.
type Upstream interface {
	Predict(ctx context.Context, question string) (*flowise.Prediction, error)
	PredictStream(ctx context.Context, question string) (io.ReadCloser, error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Model is the model name reported to callers.
	Model string
	// Timeout bounds a blocking prediction and the wait for a streaming
	// prediction to start.
	Timeout time.Duration
	// IdleTimeout ends a stream when Flowise goes quiet; zero disables it.
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Handler implements the OpenAI chat completions endpoint.
type Handler struct {
	upstream Upstream
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(upstream Upstream, cfg HandlerConfig) *Handler {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{upstream: upstream, cfg: cfg, logger: logger}
}

// ServeHTTP handles POST /v1/chat/completions.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, err := DecodeRequest(r.Body)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, apierrors.InvalidRequestMessage, err.Error())
		h.cfg.Metrics.RecordRequest(metrics.ModeInvalid, strconv.Itoa(http.StatusBadRequest), time.Since(start))
		return
	}

	if req.Stream {
		status := h.serveStream(w, r, req.Question(), start)
		h.cfg.Metrics.RecordRequest(metrics.ModeStream, status, time.Since(start))
		return
	}

	status := h.serveBlocking(w, r, req.Question())
	h.cfg.Metrics.RecordRequest(metrics.ModeBlocking, strconv.Itoa(status), time.Since(start))
}

func (h *Handler) serveBlocking(w http.ResponseWriter, r *http.Request, question string) int {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	pred, err := h.upstream.Predict(ctx, question)
	if err != nil {
		h.cfg.Metrics.UpstreamError(stageOf(err))
		h.logger.Error("flowise prediction failed", "error", err)
		apierrors.WriteUpstreamError(w, err)
		return apierrors.UpstreamStatus(err)
	}

	if err := WriteBlockingResponse(w, pred.Content(), h.cfg.Model); err != nil {
		h.logger.Warn("failed to write completion", "error", err)
	}
	return http.StatusOK
}

// serveStream opens the Flowise stream before committing any outbound header, so
// a failure to start is still reported as a JSON error.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, question string, start time.Time) string {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	body, err := h.openStream(ctx, cancel, question)
	if err != nil {
		h.cfg.Metrics.UpstreamError(stageOf(err))
		h.logger.Error("flowise stream failed to start", "error", err)
		apierrors.WriteUpstreamError(w, err)
		return strconv.Itoa(apierrors.UpstreamStatus(err))
	}
	defer body.Close()

	sess := NewSession(w, SessionConfig{
		Model:       h.cfg.Model,
		IdleTimeout: h.cfg.IdleTimeout,
		Started:     start,
		Logger:      h.logger,
		Metrics:     h.cfg.Metrics,
	})
	if err := sess.Run(ctx, body); err != nil {
		h.logger.Debug("stream ended early", "error", err, "tokens", sess.Tokens())
		return statusClientClosed
	}
	h.logger.Debug("stream complete", "tokens", sess.Tokens(), "duration", time.Since(start).String())
	return strconv.Itoa(http.StatusOK)
}

// openStream starts the Flowise stream, cancelling the attempt if it has not
// started within the configured timeout.
func (h *Handler) openStream(ctx context.Context, cancel context.CancelFunc, question string) (io.ReadCloser, error) {
	timer := time.AfterFunc(h.cfg.Timeout, cancel)
	body, err := h.upstream.PredictStream(ctx, question)
	if timer.Stop() {
		return body, err
	}
	// The timer fired and ctx is cancelled; a body that raced in is unusable.
	if body != nil {
		body.Close()
	}
	if err == nil {
		err = context.Canceled
	}
	return nil, fmt.Errorf("%w: %w", apierrors.ErrUpstreamTimeout, err)
}

// ServeModels handles GET /v1/models.
func (h *Handler) ServeModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NewModelList(h.cfg.Model))
}

func stageOf(err error) string {
	var upErr *flowise.UpstreamError
	if errors.As(err, &upErr) {
		return metrics.StageStatus
	}
	return metrics.StageConnect
}
