package synth

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/audio"
	"github.com/outdialhq/voice-agent/internal/pool"
)

// Transcoder converts provider-native audio into telephony mulaw
type Transcoder interface {
	Transcode(ctx context.Context, spec audio.TranscoderSpec, data []byte) ([]byte, error)
}

// TranscoderSet fronts one process pool per input format. ffmpeg
// processes are single-use; pre-spawning them in a pool moves the
// spawn cost off the synthesis hot path.
type TranscoderSet struct {
	pools map[string]*pool.Pool[*audio.Transcoder]
}

func specKey(spec audio.TranscoderSpec) string {
	return fmt.Sprintf("%s/%d", spec.InputFormat, spec.InputRate)
}

// NewTranscoderSet warms one pool per provider input format
func NewTranscoderSet(ffmpegPath string, specs []audio.TranscoderSpec, cfg pool.Config, logger zerolog.Logger) *TranscoderSet {
	set := &TranscoderSet{pools: make(map[string]*pool.Pool[*audio.Transcoder])}
	for _, spec := range specs {
		spec := spec
		poolCfg := cfg
		poolCfg.Name = "transcoder_" + specKey(spec)
		set.pools[specKey(spec)] = pool.New(poolCfg, func() (*audio.Transcoder, error) {
			return audio.NewTranscoder(ffmpegPath, spec)
		}, logger)
	}
	return set
}

// Transcode implements Transcoder. The checked-out process is single
// use; the pool destroys it on release and replenishes.
func (s *TranscoderSet) Transcode(ctx context.Context, spec audio.TranscoderSpec, data []byte) ([]byte, error) {
	p, ok := s.pools[specKey(spec)]
	if !ok {
		return nil, fmt.Errorf("no transcoder pool for format %s", specKey(spec))
	}
	co, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcoder acquire: %w", err)
	}
	out, err := co.Resource.Convert(ctx, data)
	p.Release(co, err != nil)
	if err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}
	return out, nil
}

// Close shuts down all pools
func (s *TranscoderSet) Close() {
	for _, p := range s.pools {
		p.Close()
	}
}
