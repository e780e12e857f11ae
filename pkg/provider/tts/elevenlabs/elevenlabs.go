// Package elevenlabs provides an ElevenLabs-backed TTS provider. It implements
// the tts.Provider interface.
//
// By default the HTTP streaming endpoint is used and MP3 is returned. With
// [WithWebSocket] the stream-input WebSocket API is used instead and raw PCM is
// returned, trading a little setup latency for audio that needs no decoding.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultWSURL     = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_turbo_v2_5"
	defaultVoiceID   = "EXAVITQu4vr4xnSDxMaL"
	defaultOutputFmt = "pcm_16000"
	providerName     = "elevenlabs"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_turbo_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the WebSocket audio output format. Only "pcm_<rate>"
// formats are accepted (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the REST API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithWebSocketURL overrides the WebSocket API base URL.
func WithWebSocketURL(u string) Option {
	return func(p *Provider) {
		p.wsURL = strings.TrimRight(u, "/")
	}
}

// WithDefaultVoice sets the voice used when a request carries no voice ID.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) {
		p.defaultVoice = id
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithWebSocket switches synthesis to the stream-input WebSocket API.
func WithWebSocket(enabled bool) Option {
	return func(p *Provider) {
		p.websocket = enabled
	}
}

// Provider implements tts.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	wsURL        string
	defaultVoice string
	websocket    bool
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		wsURL:        defaultWSURL,
		defaultVoice: defaultVoiceID,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := pcmRate(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

func defaultVoiceSettings(speed float64) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Style: 0.0, UseSpeakerBoost: true}
	if speed > 0 && speed != 1 {
		vs.Speed = speed
	}
	return vs
}

func (p *Provider) voiceID(v tts.VoiceProfile) string {
	if v.ID != "" {
		return v.ID
	}
	return p.defaultVoice
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if p.websocket {
		return p.synthesizeWS(ctx, req)
	}
	return p.synthesizeHTTP(ctx, req)
}

// ---- HTTP streaming ----

// speechRequest is the JSON body of POST /v1/text-to-speech/{voice}/stream.
type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings"`
}

func (p *Provider) synthesizeHTTP(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	body, err := json.Marshal(speechRequest{
		Text:          req.Text,
		ModelID:       p.model,
		VoiceSettings: defaultVoiceSettings(req.Voice.SpeedFactor),
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", p.baseURL, url.PathEscape(p.voiceID(req.Voice)))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize HTTP: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, parseServiceError(resp.StatusCode, data)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &tts.Stream{Body: resp.Body, ContentType: contentType}, nil
}

// errorResponse is the ElevenLabs error body. detail is either a string or an
// object with status and message.
type errorResponse struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// parseServiceError builds a ServiceError from a non-OK response body.
func parseServiceError(status int, body []byte) *tts.ServiceError {
	msg := "Unknown error"
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		var s string
		var d errorDetail
		switch {
		case len(er.Detail) > 0 && json.Unmarshal(er.Detail, &s) == nil && s != "":
			msg = s
		case len(er.Detail) > 0 && json.Unmarshal(er.Detail, &d) == nil && d.Message != "":
			msg = d.Message
		case len(er.Detail) > 0 && d.Status == "quota_exceeded":
			msg = "API quota exceeded"
		case er.Message != "":
			msg = er.Message
		}
	}
	if status == http.StatusUnauthorized {
		if strings.Contains(msg, "quota") {
			msg = "ElevenLabs API quota exceeded: " + msg
		} else {
			msg = "Invalid API key"
		}
	}
	return &tts.ServiceError{
		Provider:   providerName,
		StatusCode: status,
		Message:    "ElevenLabs TTS failed",
		Details:    msg,
	}
}

// ---- WebSocket stream-input ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// synthesizeWS streams PCM from the stream-input API through a pipe. The whole
// text is sent in one message followed by the flush command; audio chunks are
// written to the pipe as they arrive.
func (p *Provider) synthesizeWS(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(ctx, buildURLForVoice(p.wsURL, p.voiceID(req.Voice), p.model, p.outputFormat), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	vs := defaultVoiceSettings(req.Voice.SpeedFactor)
	boi, _ := json.Marshal(boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	})
	for _, msg := range [][]byte{boi, mustBuildWSMessage(req.Text+" ", nil, true), mustBuildWSMessage("", nil, false)} {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			conn.Close(websocket.StatusInternalError, "failed to send text")
			cancel()
			return nil, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	pr, pw := io.Pipe()
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
					pw.Close()
					return
				}
				pw.CloseWithError(fmt.Errorf("elevenlabs: read: %w", err))
				return
			}
			var resp audioResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				slog.Debug("elevenlabs: skipping unparseable message", "err", err)
				continue
			}
			if resp.Error != "" {
				pw.CloseWithError(&tts.ServiceError{
					Provider:   providerName,
					StatusCode: http.StatusBadGateway,
					Message:    "ElevenLabs TTS failed",
					Details:    firstNonEmpty(resp.Message, resp.Error),
				})
				return
			}
			if resp.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					pw.CloseWithError(fmt.Errorf("elevenlabs: decode audio: %w", err))
					return
				}
				if _, err := pw.Write(pcm); err != nil {
					return // reader closed
				}
			}
			if resp.IsFinal {
				pw.Close()
				return
			}
		}
	}()

	return &tts.Stream{
		Body:        &wsBody{PipeReader: pr, cancel: cancel},
		ContentType: fmt.Sprintf("audio/pcm;rate=%d;channels=1", rate),
	}, nil
}

// wsBody closes the WebSocket session when the caller closes the body.
type wsBody struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (b *wsBody) Close() error {
	b.cancel()
	return b.PipeReader.Close()
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	profiles, err := parseVoicesResponse(data)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return profiles, nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings, trigger bool) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs, TryTriggerGeneration: trigger})
}

func mustBuildWSMessage(text string, vs *voiceSettings, trigger bool) []byte {
	b, _ := buildWSMessage(text, vs, trigger)
	return b
}

// buildURLForVoice constructs the stream-input WebSocket URL.
func buildURLForVoice(base, voiceID, model, outputFormat string) string {
	q := url.Values{}
	q.Set("model_id", model)
	q.Set("output_format", outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", base, url.PathEscape(voiceID), q.Encode())
}

// pcmRate extracts the sample rate from a "pcm_<rate>" output format.
func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	return rate, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return profiles, nil
}

var _ tts.Provider = (*Provider)(nil)
