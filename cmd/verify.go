package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/andresmejia3/verity/internal/verify"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <selfie_image> <document_image>",
	Short: "Verify a live selfie against an ID document and check the age threshold",
	Long: `Runs the full verification flow: the selfie is checked for liveness and
enrolled, then the document photo is matched against it and the document
fields are checked for expiry and age. Both templates are stored.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd.Context(), args[0], args[1])
	},
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <selfie_image>",
	Short: "Check a selfie for liveness and store it as the selfie template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnroll(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, selfiePath string) error {
	selfie, err := readImage(selfiePath)
	if err != nil {
		return err
	}
	o, _, err := newOrchestrator(ctx)
	if err != nil {
		return err
	}

	s := o.NewSession()
	fmt.Fprintln(os.Stderr, "🤳 Checking selfie liveness...")
	v, err := s.SubmitSelfie(ctx, selfie)
	if err != nil {
		return fmt.Errorf("selfie enrollment failed: %w", err)
	}
	printLiveness(os.Stdout, v, s.Result())
	fmt.Println("✅ Selfie template stored.")
	return nil
}

func runVerify(ctx context.Context, selfiePath, documentPath string) error {
	selfie, err := readImage(selfiePath)
	if err != nil {
		return err
	}
	document, err := readImage(documentPath)
	if err != nil {
		return err
	}
	o, _, err := newOrchestrator(ctx)
	if err != nil {
		return err
	}

	s := o.NewSession()
	fmt.Fprintf(os.Stderr, "🪪 Verification session %s\n", s.ID)

	fmt.Fprintln(os.Stderr, "🤳 Checking selfie liveness...")
	v, err := s.SubmitSelfie(ctx, selfie)
	if err != nil {
		return fmt.Errorf("selfie step failed: %w", err)
	}

	fmt.Fprintln(os.Stderr, "🔍 Reading document...")
	res, err := s.SubmitDocument(ctx, document)
	if err != nil {
		return fmt.Errorf("document step failed: %w", err)
	}
	<-s.Done()

	printLiveness(os.Stdout, v, res)
	printResult(os.Stdout, res, Cfg.Verify.MatchThreshold)
	return nil
}

func printLiveness(out io.Writer, v types.LivenessVerdict, res verify.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CHECK\tVALUE")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "Liveness\t%s (real %.2f / fake %.2f)\n", v.Label, v.RealProb, v.FakeProb)
	fmt.Fprintf(w, "Face coverage\t%.2f (framing only)\n", res.RealProbGeometric)
	w.Flush()
}

func printResult(out io.Writer, res verify.Result, threshold float64) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	match := "❌ no match"
	if res.Matched {
		match = "✅ match"
	}
	fmt.Fprintf(w, "Selfie / ID\t%.2f %s (threshold %.2f)\n", res.SelfieIDMatchProb, match, threshold)

	age := res.FailureReason.String()
	if res.IsAboveAgeThreshold != nil {
		if *res.IsAboveAgeThreshold {
			age = "✅ " + age
		} else {
			age = "❌ " + age
		}
	}
	fmt.Fprintf(w, "Age check\t%s\n", age)
	w.Flush()
}
