package media

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/andresmejia3/verity/internal/utils"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// ToolError carries the captured stderr of a failed ffmpeg/ffprobe run so
// the CLI can print it.
type ToolError struct {
	Tool string
	Cmd  *utils.SafeCommand
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("media: %s failed: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// Probe is the subset of ffprobe output the loader needs.
type Probe struct {
	Duration time.Duration
	HasVideo bool
	HasAudio bool
}

// ProbeFile asks ffprobe for the container duration and stream kinds.
func ProbeFile(ctx context.Context, path string) (Probe, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return Probe{}, fmt.Errorf("media: ffprobe not found: %w", err)
	}

	type ffprobeOutput struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}

	cmd := utils.NewSafeCommand(ctx, "ffprobe", "-v", "error",
		"-show_entries", "format=duration:stream=codec_type", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return Probe{}, &ToolError{Tool: "ffprobe", Cmd: cmd, Err: err}
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return Probe{}, fmt.Errorf("media: ffprobe JSON parse error: %w", err)
	}
	secs, err := strconv.ParseFloat(res.Format.Duration, 64)
	if err != nil || secs <= 0 || math.IsInf(secs, 0) {
		return Probe{}, fmt.Errorf("media: unknown duration %q", res.Format.Duration)
	}

	p := Probe{Duration: time.Duration(secs * float64(time.Second))}
	for _, s := range res.Streams {
		switch s.CodecType {
		case "video":
			p.HasVideo = true
		case "audio":
			p.HasAudio = true
		}
	}
	return p, nil
}

// LoadRecording decodes a media file into a Recording: JPEG stills sampled
// at opts.FrameRate and the first audio track as mono PCM at
// opts.SampleRate. Decoding stops at opts.MaxDuration when set.
func LoadRecording(ctx context.Context, path string, opts Options) (Recording, error) {
	if opts.FrameRate <= 0 {
		return Recording{}, fmt.Errorf("media: frame rate must be positive, got %v", opts.FrameRate)
	}
	probe, err := ProbeFile(ctx, path)
	if err != nil {
		return Recording{}, err
	}
	if !probe.HasVideo {
		return Recording{}, ErrNoFrames
	}

	rec := Recording{Duration: probe.Duration}
	if opts.MaxDuration > 0 && opts.MaxDuration < rec.Duration {
		rec.Duration = opts.MaxDuration
	}

	if rec.Frames, err = decodeFrames(ctx, path, opts.FrameRate, rec.Duration); err != nil {
		return Recording{}, err
	}
	if len(rec.Frames) == 0 {
		return Recording{}, ErrNoFrames
	}
	if probe.HasAudio {
		if rec.Audio, err = decodeAudio(ctx, path, opts.SampleRate, rec.Duration); err != nil {
			return Recording{}, err
		}
	}
	return rec, nil
}

func limitArgs(d time.Duration) []string {
	return []string{"-t", strconv.FormatFloat(d.Seconds(), 'f', 3, 64)}
}

func decodeFrames(ctx context.Context, path string, fps float64, d time.Duration) ([]Frame, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", path}
	args = append(args, limitArgs(d)...)
	args = append(args,
		"-vf", "fps="+strconv.FormatFloat(fps, 'f', -1, 64),
		"-f", "image2pipe", "-vcodec", "mjpeg", "-")

	var frames []Frame
	err := runPipe(ctx, "ffmpeg", args, func(r io.Reader) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, megabyte), 64*megabyte)
		scanner.Split(SplitJpeg)
		for scanner.Scan() {
			data := bytes.Clone(scanner.Bytes())
			ts := time.Duration(float64(len(frames)) / fps * float64(time.Second))
			frames = append(frames, Frame{Timestamp: ts, Image: types.Image{Data: data, Format: "jpeg"}})
		}
		return scanner.Err()
	})
	return frames, err
}

func decodeAudio(ctx context.Context, path string, rate int, d time.Duration) (types.AudioClip, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", path}
	args = append(args, limitArgs(d)...)
	args = append(args, "-vn", "-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", "1", "-ar", strconv.Itoa(rate), "-")

	var samples []float32
	err := runPipe(ctx, "ffmpeg", args, func(r io.Reader) error {
		var err error
		samples, err = ReadPCM16(r)
		return err
	})
	return types.AudioClip{Samples: samples, SampleRate: rate}, err
}

// runPipe starts name, hands its stdout to consume and waits for exit.
func runPipe(ctx context.Context, name string, args []string, consume func(io.Reader) error) error {
	cmd := utils.NewSafeCommand(ctx, name, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("media: %s stdout pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return &ToolError{Tool: name, Cmd: cmd, Err: err}
	}
	consumeErr := consume(out)
	if consumeErr != nil {
		// Unblock ffmpeg if we stopped reading early.
		_, _ = io.Copy(io.Discard, out)
	}
	if err := cmd.Wait(); err != nil {
		return &ToolError{Tool: name, Cmd: cmd, Err: err}
	}
	return consumeErr
}

// ReadPCM16 reads little-endian signed 16-bit mono samples and normalises
// them to [-1, 1). A trailing odd byte is dropped.
func ReadPCM16(r io.Reader) ([]float32, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}
	return out, nil
}

// SplitJpeg is a bufio.SplitFunc yielding one JPEG per token from an
// image2pipe stream. Bytes before the first SOI marker are skipped.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// RecordingID creates a deterministic hash for the recording file based on
// its path, size, and modification time.
func RecordingID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.New("media: expected a file, got a directory")
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
