package media

import (
	"fmt"

	"github.com/andresmejia3/verity/internal/types"
	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts a mono clip to rate. The output is trimmed or
// zero-padded to the exact length implied by the clip's duration.
func Resample(clip types.AudioClip, rate int) (types.AudioClip, error) {
	if rate <= 0 {
		return types.AudioClip{}, fmt.Errorf("media: invalid target rate %d", rate)
	}
	if clip.SampleRate == rate || len(clip.Samples) == 0 {
		return types.AudioClip{Samples: clip.Samples, SampleRate: rate}, nil
	}
	if clip.SampleRate <= 0 {
		return types.AudioClip{}, fmt.Errorf("media: invalid source rate %d", clip.SampleRate)
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(clip.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return types.AudioClip{}, fmt.Errorf("media: failed to create resampler: %w", err)
	}

	in := make([]float64, len(clip.Samples))
	for i, s := range clip.Samples {
		in[i] = float64(s)
	}
	out, err := r.Process(in)
	if err != nil {
		return types.AudioClip{}, fmt.Errorf("media: resample error: %w", err)
	}
	// The filter holds back its latency worth of output until flushed.
	tail, err := r.Flush()
	if err != nil {
		return types.AudioClip{}, fmt.Errorf("media: resample flush: %w", err)
	}
	out = append(out, tail...)

	want := int(int64(len(clip.Samples)) * int64(rate) / int64(clip.SampleRate))
	samples := make([]float32, want)
	for i := 0; i < want && i < len(out); i++ {
		samples[i] = float32(min(max(out[i], -1), 1))
	}
	return types.AudioClip{Samples: samples, SampleRate: rate}, nil
}
