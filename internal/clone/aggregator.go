package clone

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/andresmejia3/verity/internal/engine"
	"github.com/andresmejia3/verity/internal/media"
	"github.com/andresmejia3/verity/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultThreshold is the real-probability below which a branch is flagged
// as cloned.
const DefaultThreshold = 0.50

// Options configures an Aggregator.
type Options struct {
	Faces  engine.ImageEmbedder
	Voices engine.AudioEmbedder

	PictureClassifier engine.Classifier
	AudioClassifier   engine.Classifier

	// Threshold is applied to both channels. Zero means DefaultThreshold.
	Threshold float64
	// Limit bounds the branches in flight. Zero means runtime.NumCPU().
	Limit int
	// Progress, when set, is called from the collector after every branch.
	Progress func()

	Logger *zap.Logger
}

// Aggregator evaluates fragments concurrently and reduces the results.
type Aggregator struct {
	opts Options
	log  *zap.Logger
}

// NewAggregator requires every collaborator in opts.
func NewAggregator(opts Options) (*Aggregator, error) {
	switch {
	case opts.Faces == nil:
		return nil, errors.New("clone: Options.Faces is required")
	case opts.Voices == nil:
		return nil, errors.New("clone: Options.Voices is required")
	case opts.PictureClassifier == nil:
		return nil, errors.New("clone: Options.PictureClassifier is required")
	case opts.AudioClassifier == nil:
		return nil, errors.New("clone: Options.AudioClassifier is required")
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("clone: threshold %.2f out of [0, 1]", opts.Threshold)
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Limit <= 0 {
		opts.Limit = runtime.NumCPU()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{opts: opts, log: log}, nil
}

// branchResult is one channel's outcome for one fragment.
type branchResult struct {
	index    int
	channel  Channel
	cloned   bool
	fakeProb float64
	failed   bool
}

// Evaluate runs the picture and audio branches of every fragment on a
// bounded pool. Branch results flow to a single collector, which is the
// only writer of the FragmentResults. A failed branch is recorded as not
// cloned and marks its fragment degraded; it never aborts its siblings.
// The returned error is ctx.Err() if ctx ended during evaluation, in which
// case the verdict is built from whatever completed.
func (a *Aggregator) Evaluate(ctx context.Context, frags []media.Fragment) (Verdict, error) {
	results := make(chan branchResult)
	collected := make(chan []FragmentResult, 1)
	go func() { collected <- a.collect(frags, results) }()

	var g errgroup.Group
	g.SetLimit(a.opts.Limit)
	for _, f := range frags {
		g.Go(func() error {
			results <- a.picture(ctx, f)
			return nil
		})
		g.Go(func() error {
			results <- a.audio(ctx, f)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	v := Reduce(<-collected)
	a.log.Info("clone evaluation finished",
		zap.Stringer("category", v.Category),
		zap.Ints("picture_evidence", v.PictureEvidence),
		zap.Ints("audio_evidence", v.AudioEvidence),
		zap.Ints("degraded", v.Degraded))
	return v, ctx.Err()
}

func (a *Aggregator) collect(frags []media.Fragment, in <-chan branchResult) []FragmentResult {
	byIndex := make(map[int]*FragmentResult, len(frags))
	out := make([]FragmentResult, len(frags))
	for i, f := range frags {
		out[i].Index = f.Index
		byIndex[f.Index] = &out[i]
	}
	for r := range in {
		fr := byIndex[r.index]
		switch r.channel {
		case Picture:
			fr.PictureCloned, fr.PictureFakeProb = r.cloned, r.fakeProb
		case Audio:
			fr.AudioCloned, fr.AudioFakeProb = r.cloned, r.fakeProb
		}
		if r.failed {
			fr.Degraded = append(fr.Degraded, r.channel)
		}
		if a.opts.Progress != nil {
			a.opts.Progress()
		}
	}
	return out
}

func (a *Aggregator) picture(ctx context.Context, f media.Fragment) branchResult {
	res := branchResult{index: f.Index, channel: Picture}
	e, err := a.opts.Faces.EmbedImage(ctx, f.Cropped)
	if err != nil {
		return a.failed(res, err)
	}
	return a.classify(ctx, res, a.opts.PictureClassifier, e)
}

func (a *Aggregator) audio(ctx context.Context, f media.Fragment) branchResult {
	res := branchResult{index: f.Index, channel: Audio}
	e, err := a.opts.Voices.EmbedAudio(ctx, f.Audio)
	if err != nil {
		return a.failed(res, err)
	}
	return a.classify(ctx, res, a.opts.AudioClassifier, e)
}

func (a *Aggregator) classify(ctx context.Context, res branchResult, c engine.Classifier, e types.Embedding) branchResult {
	v, err := c.Classify(ctx, e)
	if err != nil {
		return a.failed(res, err)
	}
	res.fakeProb = v.FakeProb
	res.cloned = !v.Against(a.opts.Threshold).IsReal()
	return res
}

func (a *Aggregator) failed(res branchResult, err error) branchResult {
	a.log.Warn("clone branch failed, recording not cloned",
		zap.Int("fragment", res.index),
		zap.Stringer("channel", res.channel),
		zap.Error(err))
	res.failed = true
	return res
}
