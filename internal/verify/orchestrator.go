// Package verify runs the two-step identity verification flow (live selfie,
// then ID document) and later re-authentication against the enrolled
// templates.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/verity/internal/engine"
	"github.com/andresmejia3/verity/internal/match"
	"github.com/andresmejia3/verity/internal/store"
	"github.com/andresmejia3/verity/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultLivenessThreshold = 0.75
	DefaultAgeThreshold      = 21
)

// Config holds the decision thresholds.
type Config struct {
	LivenessThreshold float64
	MatchThreshold    float64
	AgeThreshold      int
	// FaceDim is the required face embedding length. Zero accepts any
	// non-empty embedding.
	FaceDim int
}

// DefaultConfig returns liveness 0.75, match 0.80 and age 21.
func DefaultConfig() Config {
	return Config{
		LivenessThreshold: DefaultLivenessThreshold,
		MatchThreshold:    match.AuthThreshold,
		AgeThreshold:      DefaultAgeThreshold,
		FaceDim:           512,
	}
}

// Deps are the collaborators of an Orchestrator. Coverage and Logger are
// optional.
type Deps struct {
	Faces     engine.ImageEmbedder
	Liveness  engine.Classifier
	Documents engine.DocumentReader
	Coverage  engine.CoverageEstimator
	Store     *store.Store
	Logger    *zap.Logger
}

// Orchestrator creates sessions and serves re-authentication. It is safe
// for concurrent use; each Session is not.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
	now  func() time.Time
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Faces == nil:
		return nil, errors.New("verify: Deps.Faces is required")
	case deps.Liveness == nil:
		return nil, errors.New("verify: Deps.Liveness is required")
	case deps.Documents == nil:
		return nil, errors.New("verify: Deps.Documents is required")
	case deps.Store == nil:
		return nil, errors.New("verify: Deps.Store is required")
	}
	if cfg.LivenessThreshold < 0 || cfg.LivenessThreshold > 1 {
		return nil, fmt.Errorf("verify: liveness threshold %.2f out of [0, 1]", cfg.LivenessThreshold)
	}
	if cfg.MatchThreshold < -1 || cfg.MatchThreshold > 1 {
		return nil, fmt.Errorf("verify: match threshold %.2f out of [-1, 1]", cfg.MatchThreshold)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, log: log, now: time.Now}, nil
}

// Enrolled reports whether both templates are stored.
func (o *Orchestrator) Enrolled(ctx context.Context) bool {
	return o.deps.Store.ExistsBoth(ctx, store.KeySelfie, store.KeyIDProfile)
}

func (o *Orchestrator) validEmbedding(e types.Embedding) error {
	if len(e) == 0 || (o.cfg.FaceDim > 0 && len(e) != o.cfg.FaceDim) {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbedding, len(e), o.cfg.FaceDim)
	}
	return nil
}

// ReauthResult is the outcome of a re-authentication.
type ReauthResult struct {
	MaxSimilarity float64
	Passed        bool
	Threshold     float64
	// Scores holds the comparison for every key that contributed.
	Scores map[string]match.Score
}

// Reauthenticate compares probe against the stored selfie and ID profile
// concurrently, each with its own matcher. A key that is missing or fails
// does not cancel the other and does not contribute. The result passes iff
// the best score reaches threshold. ErrNotEnrolled is returned when no key
// contributed.
func (o *Orchestrator) Reauthenticate(ctx context.Context, probe types.Embedding, threshold float64) (ReauthResult, error) {
	keys := [...]string{store.KeySelfie, store.KeyIDProfile}
	var (
		scores [len(keys)]*match.Score
		wg     sync.WaitGroup
	)
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := o.compareStored(ctx, key, probe, threshold)
			if err != nil {
				o.log.Warn("reauth key skipped", zap.String("key", key), zap.Error(err))
				return
			}
			scores[i] = &s
		}()
	}
	wg.Wait()

	res := ReauthResult{Threshold: threshold, Scores: make(map[string]match.Score, len(keys))}
	for i, s := range scores {
		if s == nil {
			continue
		}
		if len(res.Scores) == 0 || s.Value > res.MaxSimilarity {
			res.MaxSimilarity = s.Value
		}
		res.Scores[keys[i]] = *s
	}
	if len(res.Scores) == 0 {
		return res, ErrNotEnrolled
	}
	res.Passed = res.MaxSimilarity >= threshold
	o.log.Info("reauthentication",
		zap.Float64("max_similarity", res.MaxSimilarity),
		zap.Float64("threshold", threshold),
		zap.Bool("passed", res.Passed))
	return res, nil
}

// ReauthenticateImage extracts the probe from img first.
func (o *Orchestrator) ReauthenticateImage(ctx context.Context, img types.Image, threshold float64) (ReauthResult, error) {
	probe, err := o.deps.Faces.EmbedImage(ctx, img)
	if err != nil {
		return ReauthResult{}, err
	}
	if err := o.validEmbedding(probe); err != nil {
		return ReauthResult{}, err
	}
	return o.Reauthenticate(ctx, probe, threshold)
}

func (o *Orchestrator) compareStored(ctx context.Context, key string, probe types.Embedding, threshold float64) (match.Score, error) {
	stored, ok, err := o.deps.Store.Retrieve(ctx, key)
	if err != nil {
		return match.Score{}, err
	}
	if !ok {
		return match.Score{}, fmt.Errorf("%w: %s", ErrNotEnrolled, key)
	}
	m := match.New()
	m.SetBaseline(stored)
	m.SetTest(probe)
	return m.Compare(threshold)
}
