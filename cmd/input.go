package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/verity/internal/engine"
	"github.com/andresmejia3/verity/internal/types"
	"github.com/andresmejia3/verity/internal/verify"
	"github.com/spf13/cobra"
)

// readImage loads an image file for the engine. Only JPEG and PNG are
// accepted.
func readImage(path string) (types.Image, error) {
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		format = "jpeg"
	case ".png":
		format = "png"
	default:
		return types.Image{}, fmt.Errorf("%s: unsupported image type, expected .jpg or .png", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return types.Image{}, err
	}
	if info.IsDir() {
		return types.Image{}, fmt.Errorf("%s: is a directory, expected an image file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Image{}, err
	}
	if len(data) == 0 {
		return types.Image{}, fmt.Errorf("%s: empty file", path)
	}
	return types.Image{Data: data, Format: format}, nil
}

// newOrchestrator wires the store and the engine pool into a verification
// orchestrator.
func newOrchestrator(ctx context.Context) (*verify.Orchestrator, *engine.Pool, error) {
	s, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	pool, err := openEngine(ctx)
	if err != nil {
		return nil, nil, err
	}
	o, err := verify.New(verify.Deps{
		Faces:     pool,
		Liveness:  pool.Liveness(),
		Documents: pool,
		Coverage:  pool,
		Store:     s,
		Logger:    Log,
	}, verify.Config{
		LivenessThreshold: Cfg.Verify.LivenessThreshold,
		MatchThreshold:    Cfg.Verify.MatchThreshold,
		AgeThreshold:      Cfg.Verify.AgeThreshold,
		FaceDim:           Cfg.Engine.FaceDim,
	})
	if err != nil {
		return nil, nil, err
	}
	return o, pool, nil
}

// similarityThreshold returns the --threshold flag when it was given and def
// otherwise, so an explicit 0 is honoured.
func similarityThreshold(cmd *cobra.Command, flag, def float64) (float64, error) {
	t := def
	if cmd.Flags().Changed("threshold") {
		t = flag
	}
	if t < -1 || t > 1 {
		return 0, fmt.Errorf("threshold must be between -1.0 and 1.0, got %f", t)
	}
	return t, nil
}
