package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/MrWong99/murmur/pkg/audio"
)

const wavFormatPCM = 1

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset    int // byte offset of the first PCM sample
	DataSize      int // byte length of the data chunk, clipped to the payload
	AudioFormat   int // 1 = integer PCM
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// parseWAV walks the RIFF chunks in wav and returns the data offset and the
// audio format from the "fmt " sub-chunk. The fmt chunk size varies between
// encoders, so chunks are walked rather than assuming a 44-byte header.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, fmt.Errorf("%w: WAV payload too short to be a RIFF file", ErrMalformed)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrMalformed)
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(wav) {
				return wavInfo{}, fmt.Errorf("%w: truncated fmt chunk", ErrMalformed)
			}
			f := wav[offset+8:]
			info.AudioFormat = int(binary.LittleEndian.Uint16(f[0:2]))
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavInfo{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrMalformed)
			}
			info.DataOffset = offset + 8
			// Streaming encoders write 0 or 0xFFFFFFFF when the length is unknown.
			info.DataSize = min(chunkSize, len(wav)-info.DataOffset)
			if chunkSize == 0 {
				info.DataSize = len(wav) - info.DataOffset
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, fmt.Errorf("%w: missing data chunk", ErrMalformed)
}

func decodeWAV(data []byte) (*audio.Buffer, error) {
	info, err := parseWAV(data)
	if err != nil {
		return nil, err
	}
	if info.AudioFormat != wavFormatPCM || info.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: WAV format %d with %d bits per sample", ErrUnsupportedFormat, info.AudioFormat, info.BitsPerSample)
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return nil, fmt.Errorf("%w: WAV reports %d Hz, %d channels", ErrMalformed, info.SampleRate, info.Channels)
	}
	pcm := data[info.DataOffset : info.DataOffset+info.DataSize]
	// Drop a trailing partial frame left by a truncated transfer.
	frame := 2 * info.Channels
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: WAV data chunk is empty", ErrMalformed)
	}
	return &audio.Buffer{Data: pcm, SampleRate: info.SampleRate, Channels: info.Channels}, nil
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(buf *audio.Buffer) []byte {
	le := binary.LittleEndian
	dataSize := len(buf.Data)
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], wavFormatPCM)
	le.PutUint16(out[22:], uint16(buf.Channels))
	le.PutUint32(out[24:], uint32(buf.SampleRate))
	le.PutUint32(out[28:], uint32(buf.SampleRate*buf.Channels*2))
	le.PutUint16(out[32:], uint16(buf.Channels*2))
	le.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(dataSize))
	copy(out[44:], buf.Data)
	return out
}
