// Package remote provides a TTS provider that talks to a murmur-compatible
// synthesis endpoint such as the one served by `murmur serve`.
//
// The contract is deliberately small: POST a JSON body {"text", "voice_id"} and
// receive encoded audio on success, or a JSON body {"error", "details"} with a
// non-OK status on failure.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

const (
	providerName       = "remote"
	defaultPath        = "/api/tts-stream"
	defaultContentType = "audio/mpeg"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a remote Provider.
type Option func(*Provider)

// WithPath overrides the synthesis path. Defaults to "/api/tts-stream".
func WithPath(path string) Option {
	return func(p *Provider) {
		p.path = path
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(p *Provider) {
		p.token = token
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout, covering the whole audio body.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithVoices sets the catalogue returned by ListVoices. The endpoint has no
// listing route of its own.
func WithVoices(voices ...tts.VoiceProfile) Option {
	return func(p *Provider) {
		p.voices = voices
	}
}

// Provider implements tts.Provider against a remote synthesis endpoint.
type Provider struct {
	baseURL    string
	path       string
	token      string
	voices     []tts.VoiceProfile
	httpClient *http.Client
}

// New creates a Provider for the endpoint rooted at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       defaultPath,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type synthRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

// errorBody is the failure body of the endpoint.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(synthRequest{Text: req.Text, VoiceID: req.Voice.ID})
	if err != nil {
		return nil, fmt.Errorf("remote: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote: POST %s: %w", p.path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseServiceError(resp)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}
	return &tts.Stream{Body: resp.Body, ContentType: ct}, nil
}

// parseServiceError reads a failure body. A body that is not JSON leaves both
// fields empty, so the error falls back to a generic message.
func parseServiceError(resp *http.Response) *tts.ServiceError {
	var eb errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	_ = json.Unmarshal(data, &eb)
	return &tts.ServiceError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    eb.Error,
		Details:    eb.Details,
	}
}

// ListVoices returns the catalogue configured with [WithVoices].
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, len(p.voices))
	copy(out, p.voices)
	return out, nil
}
