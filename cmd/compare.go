package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/verity/internal/match"
	"github.com/andresmejia3/verity/internal/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var compareThreshold float64

var compareCmd = &cobra.Command{
	Use:   "compare <image_a> <image_b>",
	Short: "Compare the faces in two images without touching the store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := similarityThreshold(cmd, compareThreshold, Cfg.Verify.CompareThreshold)
		if err != nil {
			return err
		}
		return runCompare(cmd.Context(), args[0], args[1], threshold)
	},
}

func init() {
	compareCmd.Flags().Float64VarP(&compareThreshold, "threshold", "t", 0, "Similarity threshold (default: verify.compare_threshold)")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(ctx context.Context, pathA, pathB string, threshold float64) error {
	var imgs [2]types.Image
	for i, p := range []string{pathA, pathB} {
		img, err := readImage(p)
		if err != nil {
			return err
		}
		imgs[i] = img
	}

	pool, err := openEngine(ctx)
	if err != nil {
		return err
	}

	var embs [2]types.Embedding
	g, gctx := errgroup.WithContext(ctx)
	for i := range imgs {
		g.Go(func() error {
			e, err := pool.EmbedImage(gctx, imgs[i])
			embs[i] = e
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m := match.New()
	m.SetBaseline(embs[0])
	m.SetTest(embs[1])
	score, err := m.Compare(threshold)
	if err != nil {
		return err
	}
	if score.Passed {
		fmt.Printf("✅ Same person: %s\n", score)
	} else {
		fmt.Printf("❌ Different people: %s\n", score)
	}
	return nil
}
