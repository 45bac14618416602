package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/verity/internal/clone"
	"github.com/andresmejia3/verity/internal/media"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ScanOptions are the clone-detection settings of a single scan.
type ScanOptions struct {
	InputPath     string
	Spacing       time.Duration
	SnippetLength time.Duration
	MaxDuration   time.Duration
	FrameRate     float64
	Threshold     float64
	Limit         int
}

var scanOpts ScanOptions

var scanCmd = &cobra.Command{
	Use:   "scan <video_path>",
	Short: "Scan a recording for cloned pictures and voices",
	Long: `Splits the recording into fragments every --spacing, classifies the
still and the audio snippet of every fragment in parallel and reports
whether the picture, the voice or both were synthetic.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := scanOpts
		opts.InputPath = args[0]
		applyScanDefaults(cmd, &opts)
		return runScan(cmd.Context(), opts)
	},
}

func init() {
	scanCmd.Flags().DurationVarP(&scanOpts.Spacing, "spacing", "s", 0, "Distance between fragment boundaries (default: video.spacing, 3s)")
	scanCmd.Flags().DurationVarP(&scanOpts.SnippetLength, "snippet", "l", 0, "Audio snippet length per fragment (default: video.snippet_length, 5s)")
	scanCmd.Flags().DurationVarP(&scanOpts.MaxDuration, "max-duration", "m", 0, "Only scan this much of the recording (default: video.max_duration, 1m)")
	scanCmd.Flags().Float64VarP(&scanOpts.FrameRate, "frame-rate", "f", 0, "Stills decoded per second (default: video.frame_rate, 2)")
	scanCmd.Flags().Float64VarP(&scanOpts.Threshold, "threshold", "t", 0, "Real probability below which a channel is cloned (default: video.clone_threshold, 0.50)")
	scanCmd.Flags().IntVar(&scanOpts.Limit, "limit", 0, "Classifications in flight (default: number of engines)")
	rootCmd.AddCommand(scanCmd)
}

// applyScanDefaults fills every flag the user left unset from the config.
func applyScanDefaults(cmd *cobra.Command, opts *ScanOptions) {
	v := Cfg.Video
	if !cmd.Flags().Changed("spacing") {
		opts.Spacing = v.Spacing.Std()
	}
	if !cmd.Flags().Changed("snippet") {
		opts.SnippetLength = v.SnippetLength.Std()
	}
	if !cmd.Flags().Changed("max-duration") {
		opts.MaxDuration = v.MaxDuration.Std()
	}
	if !cmd.Flags().Changed("frame-rate") {
		opts.FrameRate = v.FrameRate
	}
	if !cmd.Flags().Changed("threshold") {
		opts.Threshold = v.CloneThreshold
	}
}

// validateScanOpts ensures all CLI arguments are valid before starting heavy processes.
func validateScanOpts(opts ScanOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.Spacing <= 0 {
		return fmt.Errorf("spacing must be positive, got %s", opts.Spacing)
	}
	if opts.SnippetLength <= 0 {
		return fmt.Errorf("snippet length must be positive, got %s", opts.SnippetLength)
	}
	if opts.MaxDuration < 0 {
		return fmt.Errorf("max duration must not be negative, got %s", opts.MaxDuration)
	}
	if opts.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %f", opts.FrameRate)
	}
	if opts.Threshold <= 0 || opts.Threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", opts.Threshold)
	}
	if opts.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", opts.Limit)
	}
	return nil
}

func (o ScanOptions) mediaOptions(sampleRate int) media.Options {
	return media.Options{
		Spacing:       o.Spacing,
		SnippetLength: o.SnippetLength,
		SampleRate:    sampleRate,
		MaxDuration:   o.MaxDuration,
		FrameRate:     o.FrameRate,
	}
}

// runScan decodes the recording, segments it and runs clone detection on
// the engine pool.
func runScan(ctx context.Context, opts ScanOptions) error {
	if err := validateScanOpts(opts); err != nil {
		return err
	}

	recordingID, err := media.RecordingID(opts.InputPath)
	if err != nil {
		return fmt.Errorf("failed to fingerprint recording: %w", err)
	}
	runID := uuid.New()
	log := Log.With(zap.String("recording", recordingID[:12]), zap.Stringer("run", runID))
	fmt.Fprintf(os.Stderr, "📼 Processing Recording ID: %s\n", recordingID[:12])

	mopts := opts.mediaOptions(Cfg.Video.SampleRate)
	seg, err := media.NewSegmenter(mopts, nil, log)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🎞️  Decoding stills and audio...")
	rec, err := media.LoadRecording(ctx, opts.InputPath, mopts)
	if err != nil {
		return fmt.Errorf("failed to decode recording: %w", err)
	}
	frags, err := seg.Segment(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to segment recording: %w", err)
	}

	pool, err := openEngine(ctx)
	if err != nil {
		return err
	}
	limit := opts.Limit
	if limit == 0 {
		limit = pool.Size()
	}

	// Two branches per fragment: picture and audio.
	bar := progressbar.NewOptions(2*len(frags),
		progressbar.OptionSetDescription("🔍 Verity Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	agg, err := clone.NewAggregator(clone.Options{
		Faces:             pool,
		Voices:            pool,
		PictureClassifier: pool.PictureClone(),
		AudioClassifier:   pool.AudioClone(),
		Threshold:         opts.Threshold,
		Limit:             limit,
		Progress:          func() { _ = bar.Add(1) },
		Logger:            log,
	})
	if err != nil {
		return err
	}
	verdict, err := agg.Evaluate(ctx, frags)
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("scan interrupted: %w", err)
	}

	log.Info("scan complete",
		zap.Stringer("category", verdict.Category),
		zap.Ints("picture_evidence", verdict.PictureEvidence),
		zap.Ints("audio_evidence", verdict.AudioEvidence),
		zap.Ints("degraded", verdict.Degraded))
	printScanSummary(os.Stderr, verdict, frags)
	return nil
}

func printScanSummary(out io.Writer, v clone.Verdict, frags []media.Fragment) {
	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(out, "---------------------------------------------------------\n")

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAGMENT\tOFFSET\tPICTURE\tAUDIO")
	fmt.Fprintln(w, "--------\t------\t-------\t-----")
	for _, r := range v.Fragments {
		offset := "-"
		if r.Index < len(frags) {
			offset = fmtTime(frags[r.Index].Offset)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Index, offset,
			channelCell(r.PictureCloned, r.PictureFakeProb, r.Degraded, clone.Picture),
			channelCell(r.AudioCloned, r.AudioFakeProb, r.Degraded, clone.Audio))
	}
	w.Flush()

	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	if v.Cloned() {
		fmt.Fprintf(out, "🚨 Verdict: %s\n", v.Category)
	} else {
		fmt.Fprintf(out, "✅ Verdict: %s\n", v.Category)
	}
	if len(v.Degraded) > 0 {
		fmt.Fprintf(out, "⚠️  Degraded fragments: %v\n", v.Degraded)
	}
	fmt.Fprintf(out, "---------------------------------------------------------\n")
}

func channelCell(cloned bool, fakeProb float64, degraded []clone.Channel, ch clone.Channel) string {
	if slices.Contains(degraded, ch) {
		return "error"
	}
	if cloned {
		return fmt.Sprintf("CLONED (%.2f)", fakeProb)
	}
	return fmt.Sprintf("ok (%.2f)", fakeProb)
}
