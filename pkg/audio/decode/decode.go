// Package decode turns complete synthesised audio payloads into sample-accurate
// [audio.Buffer] values.
//
// Supported containers are RIFF/WAVE with 16-bit PCM, MPEG-1/2 Layer III
// (with or without an ID3v2 tag), and headerless 16-bit PCM announced through
// a content type such as "audio/pcm;rate=16000" or "audio/L16; rate=24000;
// channels=2". The container is sniffed from the payload first and the content
// type is only consulted for headerless PCM.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/MrWong99/murmur/pkg/audio"
)

var (
	// ErrEmpty is returned for a zero-length payload.
	ErrEmpty = errors.New("decode: empty audio payload")

	// ErrUnsupportedFormat is returned when the payload matches no supported container.
	ErrUnsupportedFormat = errors.New("decode: unsupported audio format")

	// ErrMalformed is wrapped by errors describing truncated or corrupt payloads.
	ErrMalformed = errors.New("decode: malformed audio payload")
)

// Decoder decodes a complete audio payload.
type Decoder interface {
	Decode(data []byte, contentType string) (*audio.Buffer, error)
}

// DecoderFunc adapts a function to the [Decoder] interface.
type DecoderFunc func(data []byte, contentType string) (*audio.Buffer, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(data []byte, contentType string) (*audio.Buffer, error) {
	return f(data, contentType)
}

// Default is the [Decoder] backed by [Decode].
var Default Decoder = DecoderFunc(Decode)

// Decode sniffs data and decodes it into a buffer.
func Decode(data []byte, contentType string) (*audio.Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	switch {
	case isWAV(data):
		return decodeWAV(data)
	case isMP3(data):
		return decodeMP3(data)
	}
	if f, ok := rawPCMFormat(contentType); ok {
		return decodePCM(data, f)
	}
	return nil, fmt.Errorf("%w (content type %q)", ErrUnsupportedFormat, contentType)
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if bytes.HasPrefix(data, []byte("ID3")) {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// rawPCMFormat parses a headerless PCM content type. The rate parameter is
// required; channels defaults to 1.
func rawPCMFormat(contentType string) (audio.Format, bool) {
	if contentType == "" {
		return audio.Format{}, false
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return audio.Format{}, false
	}
	switch strings.ToLower(mediaType) {
	case "audio/pcm", "audio/l16", "audio/x-pcm":
	default:
		return audio.Format{}, false
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return audio.Format{}, false
	}
	channels := 1
	if c, ok := params["channels"]; ok {
		channels, err = strconv.Atoi(c)
		if err != nil || channels <= 0 {
			return audio.Format{}, false
		}
	}
	return audio.Format{SampleRate: rate, Channels: channels}, true
}

// PCMContentType returns the content type announcing headerless 16-bit PCM in f.
func PCMContentType(f audio.Format) string {
	if f.Channels > 1 {
		return fmt.Sprintf("audio/pcm;rate=%d;channels=%d", f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

func decodePCM(data []byte, f audio.Format) (*audio.Buffer, error) {
	frame := 2 * f.Channels
	if len(data)%frame != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames", ErrMalformed, len(data), frame)
	}
	return &audio.Buffer{Data: data, SampleRate: f.SampleRate, Channels: f.Channels}, nil
}
