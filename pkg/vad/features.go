package vad

import "math"

// Speech band used by [SpeechBandEnergy].
const (
	speechBandLowHz  = 300.0
	speechBandHighHz = 3400.0
)

// Features are the per-frame measurements derived from the analyser's byte
// frequency data.
type Features struct {
	// Volume is the RMS of all bins, normalised to [0, 1].
	Volume float64
	// Energy is the RMS of the 300-3400 Hz bins, normalised to [0, 1].
	Energy float64
}

// Analyze computes [Features] for one frame of byte frequency data captured at
// sampleRate.
func Analyze(bins []uint8, sampleRate int) Features {
	return Features{
		Volume: Volume(bins),
		Energy: SpeechBandEnergy(bins, sampleRate),
	}
}

// Volume returns the RMS of all bins, each normalised from 0-255 to 0-1.
func Volume(bins []uint8) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		v := float64(b) / 255
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(bins)))
}

// SpeechBandEnergy returns the RMS of the bins covering 300-3400 Hz, normalised
// to [0, 1]. Bin k covers k * (nyquist / len(bins)) Hz. The divisor is the
// width of the band in bins even when the band extends past the last bin.
func SpeechBandEnergy(bins []uint8, sampleRate int) float64 {
	if len(bins) == 0 || sampleRate <= 0 {
		return 0
	}
	binWidth := float64(sampleRate) / 2 / float64(len(bins))
	start := int(math.Floor(speechBandLowHz / binWidth))
	end := int(math.Floor(speechBandHighHz / binWidth))
	if end <= start {
		return 0
	}
	var sum float64
	for i := start; i < min(end, len(bins)); i++ {
		v := float64(bins[i])
		sum += v * v
	}
	return math.Sqrt(sum/float64(end-start)) / 255
}

// NoiseGate applies a soft-knee gate to v. Values at or below gate become 0;
// values above are rescaled to ((v - gate) / (1 - gate))^0.5, so the output
// rises continuously from 0 and reaches 1 at v = 1.
func NoiseGate(v, gate float64) float64 {
	if v <= gate {
		return 0
	}
	if gate >= 1 {
		return 0
	}
	return math.Sqrt((v - gate) / (1 - gate))
}

// GatedVolume returns the frame volume after the noise gate, if enabled.
func GatedVolume(f Features, cfg Config) float64 {
	if cfg.EnableNoiseGate {
		return NoiseGate(f.Volume, cfg.NoiseGateThreshold)
	}
	return f.Volume
}

// Classify reports whether a frame is voiced under cfg with the given
// effective threshold. In energy-based mode both the speech-band energy and
// the gated volume must clear their thresholds; otherwise the gated volume
// alone is compared.
func Classify(f Features, cfg Config, threshold float64) bool {
	gated := GatedVolume(f, cfg)
	if cfg.EnableEnergyBasedDetection {
		return f.Energy > threshold && gated > cfg.SilenceThreshold
	}
	return gated > threshold
}
