// Package ttsserver serves the synthesis route that remote clients (and the
// remote TTS provider) call: POST a JSON body {"text", "voice_id"} and get
// the encoded audio back, or a JSON body {"error", "details"} on failure.
package ttsserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// Route is the pattern the handler is registered under.
const Route = "POST /api/tts-stream"

const (
	defaultMaxBody     = 64 << 10
	defaultTimeout     = 60 * time.Second
	copyBufferSize     = 32 << 10
	statusOK           = "ok"
	statusError        = "error"
	statusUnconfigured = "not_configured"
)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records request outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the base logger. Per-request loggers add the request ID.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithProviderName sets the provider label used in metrics and logs.
func WithProviderName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.providerName = name
		}
	}
}

// WithTimeout bounds a single synthesis, including streaming the body.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(id string) Option {
	return func(s *Server) { s.voice.Store(&id) }
}

// Server handles synthesis requests. A nil provider is allowed and answers
// every request with a configuration error.
type Server struct {
	provider     tts.Provider
	providerName string
	metrics      *observe.Metrics
	log          *slog.Logger
	timeout      time.Duration
	voice        atomic.Pointer[string]
}

// New creates a Server around provider.
func New(provider tts.Provider, opts ...Option) *Server {
	s := &Server{
		provider:     provider,
		providerName: "tts",
		log:          slog.Default(),
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetDefaultVoice changes the voice used when a request names none.
func (s *Server) SetDefaultVoice(id string) {
	s.voice.Store(&id)
}

// Register mounts the synthesis route on mux, wrapped by the given
// middleware in order (outermost first).
func (s *Server) Register(mux *http.ServeMux, mw ...func(http.Handler) http.Handler) {
	var h http.Handler = http.HandlerFunc(s.handleSynthesize)
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	mux.Handle(Route, h)
}

// synthRequest is the JSON body of the synthesis route.
type synthRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

// errorResponse is the JSON failure body.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	log := observe.WithTrace(r.Context(), s.log).With("request_id", reqID)

	var req synthRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, defaultMaxBody)).Decode(&req); err != nil {
		log.Debug("ttsserver: bad request body", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No text provided"})
		return
	}
	if s.provider == nil {
		s.record(r.Context(), statusUnconfigured)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "TTS service not configured"})
		return
	}

	if req.VoiceID == "" {
		if v := s.voice.Load(); v != nil {
			req.VoiceID = *v
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	ctx, span := observe.StartSynthesis(ctx, s.providerName, req.VoiceID, len(req.Text))
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()

	log.Debug("ttsserver: synthesizing", "chars", len(req.Text), "voice", req.VoiceID)
	stream, err := s.provider.Synthesize(ctx, tts.Request{
		Text:  req.Text,
		Voice: tts.VoiceProfile{ID: req.VoiceID},
	})
	if err != nil {
		spanErr = err
		if r.Context().Err() != nil {
			log.Debug("ttsserver: client went away", "err", err)
			return
		}
		s.record(ctx, statusError)
		status, body := failure(err)
		log.Warn("ttsserver: synthesis failed", "status", status, "err", err)
		writeJSON(w, status, body)
		return
	}
	defer stream.Body.Close()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	n, err := copyFlushing(w, stream.Body)
	if err != nil {
		// Headers are gone; all that is left is to cut the response short.
		spanErr = err
		s.record(ctx, statusError)
		log.Warn("ttsserver: streaming audio failed", "bytes", n, "err", err)
		return
	}
	s.record(ctx, statusOK)
	log.Info("ttsserver: synthesized",
		"bytes", n,
		"content_type", stream.ContentType,
		"duration", time.Since(start),
	)
}

// failure maps a provider error onto the HTTP status and body returned to
// the client. Upstream statuses pass through.
func failure(err error) (int, errorResponse) {
	var se *tts.ServiceError
	if errors.As(err, &se) {
		status := se.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		details := se.Description()
		if status == http.StatusUnauthorized {
			details = "Invalid API key"
		}
		return status, errorResponse{Error: "TTS failed", Details: details}
	}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrAllFailed):
		return http.StatusServiceUnavailable, errorResponse{Error: "TTS failed", Details: "TTS service unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Error: "TTS failed", Details: "TTS request timed out"}
	case errors.Is(err, tts.ErrEmptyText):
		return http.StatusBadRequest, errorResponse{Error: "No text provided"}
	}
	return http.StatusInternalServerError, errorResponse{Error: "Failed to process TTS request", Details: err.Error()}
}

// copyFlushing copies src to w, flushing after every chunk so clients can
// start decoding before synthesis finishes.
func copyFlushing(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func (s *Server) record(ctx context.Context, status string) {
	if s.metrics != nil {
		s.metrics.RecordTTSRequest(ctx, s.providerName, status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
