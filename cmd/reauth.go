package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/verity/internal/store"
	"github.com/andresmejia3/verity/internal/verify"
	"github.com/spf13/cobra"
)

var reauthThreshold float64

var reauthCmd = &cobra.Command{
	Use:   "reauth <image_path>",
	Short: "Re-authenticate a face against the enrolled selfie and ID profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := similarityThreshold(cmd, reauthThreshold, Cfg.Verify.MatchThreshold)
		if err != nil {
			return err
		}
		return runReauth(cmd.Context(), args[0], threshold)
	},
}

func init() {
	reauthCmd.Flags().Float64VarP(&reauthThreshold, "threshold", "t", 0, "Similarity threshold (default: verify.match_threshold)")
	rootCmd.AddCommand(reauthCmd)
}

func runReauth(ctx context.Context, imagePath string, threshold float64) error {
	img, err := readImage(imagePath)
	if err != nil {
		return err
	}
	o, _, err := newOrchestrator(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Comparing against enrolled templates...")
	res, err := o.ReauthenticateImage(ctx, img, threshold)
	if errors.Is(err, verify.ErrNotEnrolled) {
		fmt.Println("❌ No enrolled templates. Run 'verity verify' first.")
		return err
	}
	if err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}

	printReauth(os.Stdout, res)
	return nil
}

func printReauth(out io.Writer, res verify.ReauthResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TEMPLATE\tSIMILARITY\tRESULT")
	fmt.Fprintln(w, "--------\t----------\t------")
	for _, key := range []string{store.KeySelfie, store.KeyIDProfile} {
		s, ok := res.Scores[key]
		if !ok {
			fmt.Fprintf(w, "%s\t-\tmissing\n", key)
			continue
		}
		verdict := "fail"
		if s.Passed {
			verdict = "pass"
		}
		fmt.Fprintf(w, "%s\t%.2f\t%s\n", key, s.Value, verdict)
	}
	w.Flush()

	if res.Passed {
		fmt.Fprintf(out, "\n✅ Re-authenticated (best %.2f >= %.2f)\n", res.MaxSimilarity, res.Threshold)
	} else {
		fmt.Fprintf(out, "\n❌ Not re-authenticated (best %.2f < %.2f)\n", res.MaxSimilarity, res.Threshold)
	}
}
