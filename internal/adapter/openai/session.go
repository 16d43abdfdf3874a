package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zhengjr9/flowise-bridge/internal/flowise"
	"github.com/zhengjr9/flowise-bridge/internal/httputil"
	"github.com/zhengjr9/flowise-bridge/internal/metrics"
)

// ErrSessionClosed is returned by any write attempted after a session closed.
var ErrSessionClosed = errors.New("stream session closed")

// readBufferSize bounds a single upstream delivery.
const readBufferSize = 4096

// SessionState is a stage of a streaming translation.
//
//	Init -> Opened -> Streaming -> Draining -> Closed
//
// Abort moves any state directly to Closed.
type SessionState int

const (
	StateInit SessionState = iota
	StateOpened
	StateStreaming
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpened:
		return "opened"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Model is reported in every chunk.
	Model string
	// IdleTimeout ends the stream when Flowise sends nothing for this long.
	// Zero disables the guard.
	IdleTimeout time.Duration
	// Started is when the inbound request arrived; used for time-to-first-token.
	Started time.Time
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Session translates one Flowise prediction stream into one OpenAI chunk stream.
// It owns the line framer and the outbound writer for the lifetime of a single
// request and must not be shared.
type Session struct {
	w      *httputil.FlushWriter
	cfg    SessionConfig
	logger *slog.Logger

	state  SessionState
	framer flowise.Framer
	tokens int
	opened bool
}

// NewSession creates a session writing to w.
func NewSession(w http.ResponseWriter, cfg SessionConfig) *Session {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		w:      httputil.NewFlushWriter(w),
		cfg:    cfg,
		logger: logger,
	}
}

// State returns the current state.
func (s *Session) State() SessionState { return s.state }

// Tokens returns how many token chunks were written.
func (s *Session) Tokens() int { return s.tokens }

// Open commits the SSE headers and writes the role chunk.
func (s *Session) Open() error {
	if err := s.expect(StateInit); err != nil {
		return err
	}
	if !s.w.CanFlush() {
		s.logger.Warn("response writer cannot flush, tokens may be delayed")
	}
	httputil.SetSSEHeaders(s.w)
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StreamOpened()
	}
	s.state = StateOpened
	return s.writeChunk(NewRoleChunk(s.cfg.Model))
}

// Feed processes one upstream delivery: every line it completes is parsed and
// each token is written and flushed before Feed returns.
func (s *Session) Feed(p []byte) error {
	if err := s.expect(StateOpened, StateStreaming); err != nil {
		return err
	}
	s.state = StateStreaming
	for _, line := range s.framer.Feed(p) {
		if err := s.handleLine(line); err != nil {
			return err
		}
	}
	return nil
}

// Drain treats the unterminated tail of the upstream stream as one last line.
func (s *Session) Drain() error {
	if err := s.expect(StateOpened, StateStreaming); err != nil {
		return err
	}
	s.state = StateDraining
	if n := s.framer.Pending(); n > 0 {
		s.logger.Debug("draining unterminated flowise line", "bytes", n)
	}
	if rest := strings.TrimSpace(s.framer.Residual()); rest != "" {
		return s.handleLine(rest)
	}
	return nil
}

// Finish writes the terminal chunk and the done marker and closes the session.
func (s *Session) Finish() error {
	if err := s.expect(StateDraining); err != nil {
		return err
	}
	if err := s.writeChunk(NewTerminalChunk(s.cfg.Model)); err != nil {
		return err
	}
	if err := s.write([]byte(DoneMarker)); err != nil {
		return err
	}
	s.close()
	return nil
}

// Abort closes the session without writing anything else. Used when the
// inbound client has gone away.
func (s *Session) Abort() {
	s.close()
}

// Run drives the session over an upstream body until it reaches Closed.
// Each delivery is fully processed before the next is read. End of data, an
// upstream read error or the idle timeout all end the stream cleanly with a
// terminal chunk and the done marker; a cancelled ctx aborts without writes.
func (s *Session) Run(ctx context.Context, body io.Reader) error {
	if err := s.Open(); err != nil {
		return err
	}

	deliveries := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go pump(body, deliveries, readErr, done)

	var idle <-chan time.Time
	var timer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(s.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("client went away, aborting stream", "tokens", s.tokens)
			s.Abort()
			return ctx.Err()

		case p := <-deliveries:
			if err := s.Feed(p); err != nil {
				s.Abort()
				return err
			}
			if timer != nil {
				timer.Reset(s.cfg.IdleTimeout)
			}

		case err := <-readErr:
			if ctx.Err() != nil {
				s.Abort()
				return ctx.Err()
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("flowise stream failed, closing stream", "error", err, "tokens", s.tokens)
				s.upstreamError(metrics.StageStream)
			}
			return s.finish()

		case <-idle:
			s.logger.Warn("flowise stream idle, closing stream",
				"idle_timeout", s.cfg.IdleTimeout.String(),
				"tokens", s.tokens,
			)
			s.upstreamError(metrics.StageIdle)
			return s.finish()
		}
	}
}

func (s *Session) finish() error {
	if err := s.Drain(); err != nil {
		s.Abort()
		return err
	}
	if err := s.Finish(); err != nil {
		s.Abort()
		return err
	}
	return nil
}

func (s *Session) handleLine(line string) error {
	tok, ok, err := flowise.ParseLine(line)
	if err != nil {
		s.logger.Warn("skipping malformed flowise line", "error", err, "line", line)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.MalformedLine()
		}
		return nil
	}
	if !ok {
		return nil
	}

	if err := s.writeChunk(NewTokenChunk(s.cfg.Model, tok.Text)); err != nil {
		return err
	}
	s.tokens++
	if s.cfg.Metrics != nil {
		if s.tokens == 1 {
			s.cfg.Metrics.FirstToken(time.Since(s.cfg.Started))
		}
		s.cfg.Metrics.TokenForwarded()
	}
	return nil
}

func (s *Session) writeChunk(chunk StreamChunk) error {
	frame, err := EncodeChunk(chunk)
	if err != nil {
		return err
	}
	return s.write(frame)
}

// write sends one frame and flushes it. A failed write means the client is
// gone, so the session closes.
func (s *Session) write(frame []byte) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		s.close()
		return fmt.Errorf("write frame: %w", err)
	}
	s.w.Flush()
	return nil
}

func (s *Session) close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.opened && s.cfg.Metrics != nil {
		s.cfg.Metrics.StreamClosed()
	}
}

func (s *Session) upstreamError(stage string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UpstreamError(stage)
	}
}

func (s *Session) expect(allowed ...SessionState) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("stream session: invalid transition from %s", s.state)
}

// pump reads the upstream body and hands each delivery to the session loop.
// The loop owns ordering; pump only blocks until the previous delivery is taken.
func pump(body io.Reader, deliveries chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			select {
			case deliveries <- p:
			case <-done:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}
