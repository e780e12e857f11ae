// Package coqui synthesises speech on a self-hosted Coqui server. Both server
// flavours answer with a complete WAV file, which is passed through as an
// audio/wav stream.
//
//   - [APIModeStandard] (default) speaks to the tts-server image:
//     GET /api/tts?text=..&speaker_id=..&language_id=.., voices from GET /details.
//   - [APIModeXTTS] speaks to the XTTS v2 API server:
//     POST /tts_to_audio/ with {text, speaker_wav, language}, voices from
//     GET /studio_speakers.
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const providerName = "coqui"

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// ParseAPIMode resolves a mode name case-insensitively. An empty name is
// [APIModeStandard].
func ParseAPIMode(s string) (APIMode, error) {
	switch m := APIMode(strings.ToLower(s)); m {
	case "":
		return APIModeStandard, nil
	case APIModeStandard, APIModeXTTS:
		return m, nil
	}
	return "", fmt.Errorf("coqui: unknown API mode %q", s)
}

// dialect is what differs between the two server flavours.
type dialect interface {
	// synth builds the synthesis request. voice may be empty.
	synth(ctx context.Context, base, text, voice, lang string) (*http.Request, error)
	// catalogue is the path listing voices, and voices decodes its answer.
	catalogue() string
	voices(body io.Reader) ([]tts.VoiceProfile, error)
}

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with each request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each HTTP call. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode picks the server flavour.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithDefaultVoice sets the speaker used when a request names none.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) { p.defaultVoice = id }
}

// Provider is a Coqui synthesis backend. Safe for concurrent use.
type Provider struct {
	base         string
	language     string
	defaultVoice string
	mode         APIMode
	dialect      dialect
	client       *http.Client
}

// New returns a backend for the server at baseURL, e.g.
// "http://localhost:5002".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: base URL must not be empty")
	}
	p := &Provider{
		base:     strings.TrimRight(baseURL, "/"),
		language: "en",
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard:
		p.dialect = standard{}
	case APIModeXTTS:
		p.dialect = xtts{}
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.mode)
	}
	return p, nil
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	voice := cmp.Or(req.Voice.ID, p.defaultVoice)
	// Standard single-speaker models need no speaker; XTTS always clones one.
	if voice == "" && p.mode == APIModeXTTS {
		return nil, errors.New("coqui: xtts mode needs a voice")
	}
	httpReq, err := p.dialect.synth(ctx, p.base, req.Text, voice, p.language)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "audio/wav")
	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	return &tts.Stream{Body: resp.Body, ContentType: "audio/wav"}, nil
}

// ListVoices implements [tts.Provider]. Voices come back sorted by ID.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+p.dialect.catalogue(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return p.dialect.voices(resp.Body)
}

// do sends req and turns any non-200 answer into a [tts.ServiceError]. On
// success the caller owns resp.Body.
func (p *Provider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return nil, &tts.ServiceError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    req.Method + " " + req.URL.Path + " failed",
		Details:    strings.TrimSpace(string(detail)),
	}
}

// standard is the tts-server image.
type standard struct{}

func (standard) synth(ctx context.Context, base, text, voice, lang string) (*http.Request, error) {
	q := url.Values{"text": {text}}
	if voice != "" {
		q.Set("speaker_id", voice)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tts?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build tts request: %w", err)
	}
	return req, nil
}

func (standard) catalogue() string { return "/details" }

// voices lists every speaker of a multi-speaker model, or the model itself
// when it has a single speaker.
func (standard) voices(body io.Reader) ([]tts.VoiceProfile, error) {
	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode /details: %w", err)
	}
	if len(details.Speakers) == 0 {
		model := cmp.Or(details.ModelName, "default")
		return []tts.VoiceProfile{profile(model, "single-speaker", model)}, nil
	}
	speakers := slices.Sorted(slices.Values(details.Speakers))
	out := make([]tts.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		out = append(out, profile(s, "speaker", details.ModelName))
	}
	return out, nil
}

// xtts is the XTTS v2 API server.
type xtts struct{}

func (xtts) synth(ctx context.Context, base, text, voice, lang string) (*http.Request, error) {
	body, err := json.Marshal(map[string]string{
		"text":        text,
		"speaker_wav": voice,
		"language":    lang,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: encode tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (xtts) catalogue() string { return "/studio_speakers" }

// voices returns the studio speakers; only the keys of the answer matter.
func (xtts) voices(body io.Reader) ([]tts.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("coqui: decode /studio_speakers: %w", err)
	}
	out := make([]tts.VoiceProfile, 0, len(speakers))
	for _, name := range slices.Sorted(maps.Keys(speakers)) {
		out = append(out, profile(name, "studio", ""))
	}
	return out, nil
}

func profile(id, kind, model string) tts.VoiceProfile {
	meta := map[string]string{"type": kind}
	if model != "" {
		meta["model_name"] = model
	}
	return tts.VoiceProfile{ID: id, Name: id, Provider: providerName, Metadata: meta}
}
