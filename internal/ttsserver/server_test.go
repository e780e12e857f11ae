package ttsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/internal/httpauth"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	ttsmock "github.com/MrWong99/murmur/pkg/provider/tts/mock"
	"github.com/MrWong99/murmur/pkg/provider/tts/remote"
)

// newTestServer mounts s on a fresh mux behind the given middleware.
func newTestServer(t *testing.T, s *Server, mw ...func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	s.Register(mux, mw...)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/tts-stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Audio: []byte("ID3-audio"), ContentType: "audio/mpeg"}
	srv := newTestServer(t, New(p))

	resp := post(t, srv.URL, `{"text":"Hello there","voice_id":"bella"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "ID3-audio" {
		t.Errorf("body = %q", data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if _, err := uuid.Parse(resp.Header.Get("X-Request-Id")); err != nil {
		t.Errorf("X-Request-Id %q is not a UUID: %v", resp.Header.Get("X-Request-Id"), err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(calls))
	}
	if calls[0].Request.Text != "Hello there" || calls[0].Request.Voice.ID != "bella" {
		t.Errorf("request = %+v", calls[0].Request)
	}
}

func TestSynthesize_DefaultVoice(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Audio: []byte("a"), ContentType: "audio/wav"}
	s := New(p, WithDefaultVoice("bella"))
	srv := newTestServer(t, s)

	_, _ = io.ReadAll(post(t, srv.URL, `{"text":"one"}`).Body)
	s.SetDefaultVoice("adam")
	_, _ = io.ReadAll(post(t, srv.URL, `{"text":"two"}`).Body)
	_, _ = io.ReadAll(post(t, srv.URL, `{"text":"three","voice_id":"rachel"}`).Body)

	calls := p.Calls()
	if len(calls) != 3 {
		t.Fatalf("provider called %d times, want 3", len(calls))
	}
	for i, want := range []string{"bella", "adam", "rachel"} {
		if got := calls[i].Request.Voice.ID; got != want {
			t.Errorf("call %d voice = %q, want %q", i, got, want)
		}
	}
}

func TestSynthesize_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty text", `{"text":""}`, "No text provided"},
		{"blank text", `{"text":"   "}`, "No text provided"},
		{"missing text", `{"voice_id":"x"}`, "No text provided"},
		{"not json", `hello`, "Invalid request body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &ttsmock.Provider{}
			srv := newTestServer(t, New(p))

			resp := post(t, srv.URL, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if got := decodeError(t, resp); got.Error != tc.want {
				t.Errorf("error = %q, want %q", got.Error, tc.want)
			}
			if n := len(p.Calls()); n != 0 {
				t.Errorf("provider called %d times", n)
			}
		})
	}
}

func TestSynthesize_NotConfigured(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, New(nil))

	resp := post(t, srv.URL, `{"text":"hi"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if got := decodeError(t, resp); got.Error != "TTS service not configured" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestSynthesize_ProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantError   string
		wantDetails string
	}{
		{
			name:        "unauthorized",
			err:         &tts.ServiceError{Provider: "elevenlabs", StatusCode: 401, Details: "invalid_api_key"},
			wantStatus:  http.StatusUnauthorized,
			wantError:   "TTS failed",
			wantDetails: "Invalid API key",
		},
		{
			name:        "quota",
			err:         &tts.ServiceError{Provider: "elevenlabs", StatusCode: 429, Message: "Too Many Requests", Details: "quota exceeded"},
			wantStatus:  http.StatusTooManyRequests,
			wantError:   "TTS failed",
			wantDetails: "quota exceeded",
		},
		{
			name:        "wrapped by fallback",
			err:         fmt.Errorf("%w: %w", resilience.ErrAllFailed, &tts.ServiceError{StatusCode: 500, Message: "boom"}),
			wantStatus:  http.StatusInternalServerError,
			wantError:   "TTS failed",
			wantDetails: "boom",
		},
		{
			name:        "odd upstream status",
			err:         &tts.ServiceError{StatusCode: 200},
			wantStatus:  http.StatusBadGateway,
			wantError:   "TTS failed",
			wantDetails: "TTS request failed",
		},
		{
			name:        "circuit open",
			err:         fmt.Errorf("%w: elevenlabs", resilience.ErrCircuitOpen),
			wantStatus:  http.StatusServiceUnavailable,
			wantError:   "TTS failed",
			wantDetails: "TTS service unavailable",
		},
		{
			name:        "deadline",
			err:         context.DeadlineExceeded,
			wantStatus:  http.StatusGatewayTimeout,
			wantError:   "TTS failed",
			wantDetails: "TTS request timed out",
		},
		{
			name:        "transport",
			err:         errors.New("dial tcp: connection refused"),
			wantStatus:  http.StatusInternalServerError,
			wantError:   "Failed to process TTS request",
			wantDetails: "dial tcp: connection refused",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, New(&ttsmock.Provider{SynthesizeErr: tc.err}))

			resp := post(t, srv.URL, `{"text":"hi"}`)
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			got := decodeError(t, resp)
			if got.Error != tc.wantError || got.Details != tc.wantDetails {
				t.Errorf("body = %+v, want {%s %s}", got, tc.wantError, tc.wantDetails)
			}
		})
	}
}

func TestSynthesize_BearerToken(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Audio: []byte("a"), ContentType: "audio/wav"}
	srv := newTestServer(t, New(p), httpauth.Bearer("tok"))

	resp := post(t, srv.URL, `{"text":"hi"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/tts-stream", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Authorization", "Bearer tok")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp2.StatusCode)
	}
}

func TestSynthesize_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := &ttsmock.Provider{Audio: []byte("a"), ContentType: "audio/wav"}
	srv := newTestServer(t, New(p, WithMetrics(m), WithProviderName("mock")))
	for _, text := range []string{"one", "two"} {
		// The handler records once the body is fully written.
		_, _ = io.ReadAll(post(t, srv.URL, `{"text":"`+text+`"}`).Body)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "murmur.tts.requests" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				prov, _ := dp.Attributes.Value("provider")
				status, _ := dp.Attributes.Value("status")
				if prov.AsString() == "mock" && status.AsString() == statusOK {
					total += dp.Value
				}
			}
		}
	}
	if total != 2 {
		t.Errorf("murmur.tts.requests{provider=mock,status=ok} = %d, want 2", total)
	}
}

// The remote provider is the client side of this route; both halves must
// agree on the wire format.
func TestRemoteProviderRoundTrip(t *testing.T) {
	t.Parallel()

	upstream := &ttsmock.Provider{Audio: []byte("RIFF-wav"), ContentType: "audio/wav"}
	srv := newTestServer(t, New(upstream), httpauth.Bearer("tok"))

	client, err := remote.New(srv.URL, remote.WithToken("tok"))
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	s, err := client.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: tts.VoiceProfile{ID: "v"}})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	data, err := s.ReadAll()
	if err != nil || string(data) != "RIFF-wav" || s.ContentType != "audio/wav" {
		t.Errorf("got %q (%s), %v", data, s.ContentType, err)
	}

	failing := &ttsmock.Provider{SynthesizeErr: &tts.ServiceError{StatusCode: 429, Details: "quota exceeded"}}
	srv2 := newTestServer(t, New(failing))
	client2, _ := remote.New(srv2.URL)
	_, err = client2.Synthesize(context.Background(), tts.Request{Text: "hi"})
	var se *tts.ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *tts.ServiceError", err)
	}
	if se.StatusCode != 429 || se.Description() != "quota exceeded" {
		t.Errorf("ServiceError = %+v", se)
	}
}
