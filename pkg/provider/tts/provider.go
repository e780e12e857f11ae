// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, OpenAI,
// or a local Coqui instance) and presents a uniform interface: one request
// carrying complete text, one streamed audio body in response. The body is
// encoded audio (MP3, WAV, or raw PCM) described by its content type; decoding
// is left to the caller.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyText is returned by Synthesize when the request carries no text.
var ErrEmptyText = errors.New("tts: no text provided")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests may
// run in parallel.
type Provider interface {
	// Synthesize starts synthesis of req.Text and returns the audio body as soon
	// as the backend has accepted the request. The caller must close the
	// returned stream's Body. Cancelling ctx aborts the request, including a
	// body that is still being read.
	//
	// A non-OK answer from the backend is returned as a [*ServiceError].
	Synthesize(ctx context.Context, req Request) (*Stream, error)

	// ListVoices returns all voice profiles available from this provider. The list
	// reflects the provider's current catalogue and may change between calls if the
	// underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Request is a single synthesis request.
type Request struct {
	// Text is the complete text to speak. Must not be blank.
	Text string

	// Voice selects the voice. A zero ID uses the provider's default voice.
	Voice VoiceProfile
}

// Validate returns [ErrEmptyText] if the request has no text.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// Stream is a synthesised audio body.
type Stream struct {
	// Body yields encoded audio bytes. The caller must close it.
	Body io.ReadCloser

	// ContentType describes the encoding, e.g. "audio/mpeg", "audio/wav", or
	// "audio/pcm;rate=16000".
	ContentType string
}

// ReadAll collects the whole body and closes it.
func (s *Stream) ReadAll() ([]byte, error) {
	defer s.Body.Close()
	data, err := io.ReadAll(s.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	return data, nil
}

// ServiceError is returned when a synthesis backend answers with a non-OK
// status.
type ServiceError struct {
	// Provider names the backend, e.g. "elevenlabs".
	Provider string

	// StatusCode is the HTTP status returned by the backend.
	StatusCode int

	// Message is the short error summary.
	Message string

	// Details is the backend's explanation, if any.
	Details string
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "TTS request failed"
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, msg)
}

// Description returns the most specific human-readable explanation: the
// details, then the message, then a generic fallback.
func (e *ServiceError) Description() string {
	switch {
	case e.Details != "":
		return e.Details
	case e.Message != "":
		return e.Message
	default:
		return "TTS request failed"
	}
}
