package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// TTSFailover is a [tts.Provider] that fails over across synthesis
// backends. Every backend, even a lone one, sits behind a breaker so a dead
// service is not hammered by each queued chunk.
type TTSFailover struct {
	chain *Chain[tts.Provider]
}

var _ tts.Provider = (*TTSFailover)(nil)

// synthesisNeutral matches errors caused by the caller rather than the
// backend: cancellation, deadlines, empty text.
func synthesisNeutral(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, tts.ErrEmptyText)
}

// NewTTSFailover returns an empty failover. cfg.Neutral, when set, extends
// the built-in classification of caller errors.
func NewTTSFailover(cfg BreakerConfig) *TTSFailover {
	extra := cfg.Neutral
	cfg.Neutral = func(err error) bool {
		return synthesisNeutral(err) || (extra != nil && extra(err))
	}
	return &TTSFailover{chain: NewChain[tts.Provider](cfg)}
}

// Add appends a backend. The first one added is preferred.
func (f *TTSFailover) Add(name string, p tts.Provider) {
	f.chain.Add(name, p)
}

// Backends reports each backend's breaker state.
func (f *TTSFailover) Backends() []BackendState {
	return f.chain.States()
}

// Available reports whether at least one backend would accept a call.
func (f *TTSFailover) Available() bool {
	for _, b := range f.chain.States() {
		if b.State != StateOpen {
			return true
		}
	}
	return false
}

// Synthesize starts synthesis on the first healthy backend. Failover covers
// opening the stream only; a body that breaks mid-read is the caller's
// problem.
func (f *TTSFailover) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	return Try(f.chain, func(_ string, p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices lists the voices of the first healthy backend.
func (f *TTSFailover) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Try(f.chain, func(_ string, p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
