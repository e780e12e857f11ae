package decode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/murmur/pkg/audio"
)

// decodeMP3 decodes an MPEG Layer III payload. go-mp3 always produces 16-bit
// little-endian stereo PCM at the stream's sample rate.
func decodeMP3(data []byte) (*audio.Buffer, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: mp3: %v", ErrMalformed, err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil && len(pcm) == 0 {
		return nil, fmt.Errorf("%w: mp3: %v", ErrMalformed, err)
	}
	// A truncated final frame yields an error after usable audio; keep what decoded.
	pcm = pcm[:len(pcm)-len(pcm)%4]
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: mp3 payload decoded to no samples", ErrMalformed)
	}
	return &audio.Buffer{Data: pcm, SampleRate: d.SampleRate(), Channels: 2}, nil
}
