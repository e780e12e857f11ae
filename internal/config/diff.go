package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported field by field; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when the preset or overrides differ. The new
	// detector settings are applied through the detector's UpdateConfig.
	VADChanged bool
	NewVAD     VADConfig

	// VoiceChanged is true when the default synthesis voice differs.
	VoiceChanged bool
	NewVoiceID   string

	// RestartRequired names changed fields that only take effect on restart.
	RestartRequired []string
}

// HasChanges reports whether d carries any change at all.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.VADChanged || d.VoiceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Detector tuning. DeepEqual follows the patch's pointers, so two
	// overrides with the same values compare equal.
	if old.VAD.Preset != new.VAD.Preset || !reflect.DeepEqual(old.VAD.Overrides, new.VAD.Overrides) {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	// Voice
	if old.TTS.VoiceID != new.TTS.VoiceID {
		d.VoiceChanged = true
		d.NewVoiceID = new.TTS.VoiceID
	}

	// Restart-only fields.
	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.api_token", old.Server.APIToken != new.Server.APIToken)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("vad.enabled", old.VAD.Enabled != new.VAD.Enabled)
	restart("vad.device", old.VAD.Device != new.VAD.Device || old.VAD.InputFile != new.VAD.InputFile)
	restart("vad.frame_interval", old.VAD.FrameInterval != new.VAD.FrameInterval)
	restart("vad.calibration_window", old.VAD.CalibrationWindow != new.VAD.CalibrationWindow)
	restart("tts", !sameProvider(old.TTS, new.TTS))
	restart("tts_fallbacks", !slices.EqualFunc(old.TTSFallbacks, new.TTSFallbacks, func(a, b ProviderEntry) bool {
		return sameProvider(a, b) && a.VoiceID == b.VoiceID
	}))
	restart("playback", old.Playback != new.Playback)

	return d
}

// sameProvider compares every field of two entries except VoiceID.
func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
