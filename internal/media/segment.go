// Package media turns a recorded session into fixed-duration fragments for
// clone detection, and decodes recordings from disk with ffmpeg.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/verity/internal/types"
	"go.uber.org/zap"
)

var (
	ErrNoFrames      = errors.New("media: recording has no video frames")
	ErrEmptyDuration = errors.New("media: recording has zero duration")
)

// Frame is one decoded still with its presentation time.
type Frame struct {
	Timestamp time.Duration
	Image     types.Image
}

// Recording is a bounded session: frames in timestamp order plus the mono
// audio track.
type Recording struct {
	Frames   []Frame
	Audio    types.AudioClip
	Duration time.Duration
}

// Options controls fragment boundaries and snippet shape.
type Options struct {
	// Spacing is the distance between fragment boundaries.
	Spacing time.Duration
	// SnippetLength is the audio length carried by each fragment.
	SnippetLength time.Duration
	// SampleRate is the rate every snippet is delivered at.
	SampleRate int
	// MaxDuration bounds how much of the recording is segmented. Zero means
	// the whole recording.
	MaxDuration time.Duration
	// FrameRate is the still sampling rate used when decoding from disk.
	FrameRate float64
}

// DefaultOptions returns 3s spacing with 5s snippets at 16 kHz over at most
// one minute of footage.
func DefaultOptions() Options {
	return Options{
		Spacing:       3 * time.Second,
		SnippetLength: 5 * time.Second,
		SampleRate:    16000,
		MaxDuration:   time.Minute,
		FrameRate:     2,
	}
}

func (o Options) validate() error {
	switch {
	case o.Spacing <= 0:
		return fmt.Errorf("media: spacing must be positive, got %s", o.Spacing)
	case o.SnippetLength <= 0:
		return fmt.Errorf("media: snippet length must be positive, got %s", o.SnippetLength)
	case o.SampleRate <= 0:
		return fmt.Errorf("media: sample rate must be positive, got %d", o.SampleRate)
	case o.MaxDuration < 0:
		return fmt.Errorf("media: max duration must not be negative, got %s", o.MaxDuration)
	}
	return nil
}

// Cropper isolates the face in a still. Optional.
type Cropper interface {
	Crop(ctx context.Context, img types.Image) (types.Image, error)
}

// Fragment is one immutable unit of clone-detection work.
type Fragment struct {
	Index   int
	Offset  time.Duration
	Still   types.Image
	Cropped types.Image
	Audio   types.AudioClip
}

// Segmenter splits recordings into fragments.
type Segmenter struct {
	opts Options
	crop Cropper
	log  *zap.Logger
}

// NewSegmenter validates opts. crop and log may be nil.
func NewSegmenter(opts Options, crop Cropper, log *zap.Logger) (*Segmenter, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Segmenter{opts: opts, crop: crop, log: log}, nil
}

// Segment places a boundary every Spacing from zero while the boundary is
// before min(Duration, MaxDuration). Each fragment gets the first frame at or
// after its boundary (the last frame before it when none follows) and a
// SnippetLength audio window starting at the boundary, resampled to
// SampleRate and zero-padded past the end of the track.
func (s *Segmenter) Segment(ctx context.Context, rec Recording) ([]Fragment, error) {
	if len(rec.Frames) == 0 {
		return nil, ErrNoFrames
	}
	limit := rec.Duration
	if limit <= 0 {
		return nil, ErrEmptyDuration
	}
	if s.opts.MaxDuration > 0 && s.opts.MaxDuration < limit {
		limit = s.opts.MaxDuration
	}

	audio := rec.Audio
	if len(audio.Samples) > 0 && audio.SampleRate != s.opts.SampleRate {
		var err error
		if audio, err = Resample(audio, s.opts.SampleRate); err != nil {
			return nil, err
		}
	}
	snippetLen := int(s.opts.SnippetLength.Seconds() * float64(s.opts.SampleRate))

	var frags []Fragment
	for i, at := 0, time.Duration(0); at < limit; i, at = i+1, at+s.opts.Spacing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		still := stillAt(rec.Frames, at)
		frags = append(frags, Fragment{
			Index:   i,
			Offset:  at,
			Still:   still,
			Cropped: s.cropped(ctx, i, still),
			Audio:   snippet(audio, at, snippetLen, s.opts.SampleRate),
		})
	}
	s.log.Debug("recording segmented",
		zap.Int("fragments", len(frags)),
		zap.Duration("duration", rec.Duration),
		zap.Duration("limit", limit))
	return frags, nil
}

func (s *Segmenter) cropped(ctx context.Context, idx int, still types.Image) types.Image {
	if s.crop == nil {
		return still
	}
	img, err := s.crop.Crop(ctx, still)
	if err != nil || img.Empty() {
		s.log.Warn("crop failed, using full still", zap.Int("fragment", idx), zap.Error(err))
		return still
	}
	return img
}

// stillAt assumes frames are sorted by timestamp.
func stillAt(frames []Frame, at time.Duration) types.Image {
	for _, f := range frames {
		if f.Timestamp >= at {
			return f.Image
		}
	}
	return frames[len(frames)-1].Image
}

func snippet(audio types.AudioClip, at time.Duration, n, rate int) types.AudioClip {
	out := make([]float32, n)
	start := int(at.Seconds() * float64(rate))
	if start < len(audio.Samples) {
		copy(out, audio.Samples[start:])
	}
	return types.AudioClip{Samples: out, SampleRate: rate}
}
