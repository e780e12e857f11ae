package audio

import (
	"errors"
	"fmt"
)

// ErrMisaligned is returned for PCM whose length is not a whole number of
// frames in its declared format.
var ErrMisaligned = errors.New("audio: pcm is not a whole number of frames")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders f as e.g. "24000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// ConvertBuffer renders buf in target, e.g. a 22.05 kHz mono synthesis
// result for a 48 kHz stereo sink. buf itself is returned when it already
// matches.
//
// Interpolation runs on whichever side of the remix has fewer channels.
func ConvertBuffer(buf *Buffer, target Format) (*Buffer, error) {
	if target.SampleRate <= 0 || target.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid target format %s", target)
	}
	src := buf.Format()
	if src.SampleRate <= 0 || src.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid source format %s", src)
	}
	if len(buf.Data)%(2*src.Channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrMisaligned, len(buf.Data), src)
	}
	if src == target {
		return buf, nil
	}

	pcm := buf.Data
	if target.Channels < src.Channels {
		pcm = Resample(Remix(pcm, src.Channels, target.Channels), target.Channels, src.SampleRate, target.SampleRate)
	} else {
		pcm = Remix(Resample(pcm, src.Channels, src.SampleRate, target.SampleRate), src.Channels, target.Channels)
	}
	return &Buffer{Data: pcm, SampleRate: target.SampleRate, Channels: target.Channels}, nil
}

// Resample converts interleaved 16-bit PCM with the given channel count from
// one sample rate to another by linear interpolation between neighbouring
// frames. Equal rates return pcm unchanged.
func Resample(pcm []byte, channels, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || channels <= 0 {
		return pcm
	}
	inFrames := len(pcm) / (2 * channels)
	if inFrames == 0 {
		return nil
	}
	outFrames := int(int64(inFrames) * int64(to) / int64(from))
	out := make([]byte, outFrames*channels*2)
	step := float64(from) / float64(to)
	for i := range outFrames {
		pos := float64(i) * step
		a := int(pos)
		b := min(a+1, inFrames-1)
		frac := pos - float64(a)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, a*channels+ch))
			s1 := float64(sampleAt(pcm, b*channels+ch))
			putSample(out, i*channels+ch, int32(s0+(s1-s0)*frac))
		}
	}
	return out
}

// Remix changes the channel count of interleaved 16-bit PCM. Going to mono
// averages all channels; going up from mono copies the sample to every
// channel. Any other pair goes through mono.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	if from != 1 && to != 1 {
		return Remix(Remix(pcm, from, 1), 1, to)
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*to*2)
	for f := range frames {
		if to == 1 {
			var sum int32
			for ch := range from {
				sum += int32(sampleAt(pcm, f*from+ch))
			}
			putSample(out, f, sum/int32(from))
			continue
		}
		s := int32(sampleAt(pcm, f))
		for ch := range to {
			putSample(out, f*to+ch, s)
		}
	}
	return out
}

// MonoFloat downmixes interleaved 16-bit PCM to mono float samples in
// [-1, 1), appending them to dst.
func MonoFloat(dst []float64, pcm []byte, channels int) []float64 {
	channels = max(channels, 1)
	for f := range len(pcm) / (2 * channels) {
		var sum float64
		for ch := range channels {
			sum += float64(sampleAt(pcm, f*channels+ch))
		}
		dst = append(dst, sum/float64(channels)/32768)
	}
	return dst
}

// MixInto adds src onto dst sample by sample, saturating at the int16
// range. Only the overlapping prefix is mixed.
func MixInto(dst, src []byte) {
	for i := range min(len(dst), len(src)) / 2 {
		putSample(dst, i, int32(sampleAt(dst, i))+int32(sampleAt(src, i)))
	}
}

// sampleAt returns the i-th little-endian int16 sample of pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
}

// putSample stores v, saturated to int16, as the i-th sample of pcm.
func putSample(pcm []byte, i int, v int32) {
	v = max(min(v, 32767), -32768)
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}
