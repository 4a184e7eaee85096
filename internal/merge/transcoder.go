package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clipstitch/backend/internal/fault"
)

// CommandRunner executes external commands and returns stdout bytes.
type CommandRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

// TranscodeResult describes one concat-and-compress run: per-input
// durations measured before compression and the output's measured total.
type TranscodeResult struct {
	OutputPath       string
	InputDurationsMS []int64
	TotalDurationMS  int64
	SizeBytes        int64
}

// Transcoder is the external media capability: given N ordered inputs it
// produces one concatenated, compressed output plus per-input durations.
type Transcoder interface {
	Merge(ctx context.Context, inputs []string, output string) (TranscodeResult, error)
}

// FFmpegTranscoder shells out to ffmpeg/ffprobe. Probe failures on an input
// classify as ANALYSIS_ERROR (corrupt clip, not retryable); encode failures
// classify as MERGE_ERROR (retryable).
type FFmpegTranscoder struct {
	FFmpegPath  string
	FFprobePath string
	Run         CommandRunner
	Timeout     time.Duration
}

// NewFFmpegTranscoder constructs a Transcoder that shells out to ffmpeg.
func NewFFmpegTranscoder(ffmpegPath, ffprobePath string, timeout time.Duration) *FFmpegTranscoder {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &FFmpegTranscoder{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		Run:         defaultCommandRunner,
		Timeout:     timeout,
	}
}

// Merge probes every input, concatenates and compresses them into output,
// then probes the result for its post-compression duration.
func (t *FFmpegTranscoder) Merge(ctx context.Context, inputs []string, output string) (TranscodeResult, error) {
	if len(inputs) == 0 {
		return TranscodeResult{}, fault.New(fault.CodeAnalysisError, "no inputs to merge")
	}
	if t.Run == nil {
		t.Run = defaultCommandRunner
	}

	durations := make([]int64, len(inputs))
	g, probeCtx := errgroup.WithContext(ctx)
	for i, input := range inputs {
		g.Go(func() error {
			ms, err := t.probeDurationMS(probeCtx, input)
			if err != nil {
				return fault.Wrap(fault.CodeAnalysisError, fmt.Sprintf("probe input %d", i), err)
			}
			durations[i] = ms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TranscodeResult{}, err
	}

	listPath := output + ".inputs.txt"
	if err := writeConcatList(listPath, inputs); err != nil {
		return TranscodeResult{}, err
	}
	defer os.Remove(listPath)

	encodeCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "28",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		output,
	}
	if _, err := t.Run(encodeCtx, t.FFmpegPath, args...); err != nil {
		return TranscodeResult{}, fault.Wrap(fault.CodeMergeError, "ffmpeg concat", err)
	}

	totalMS, err := t.probeDurationMS(ctx, output)
	if err != nil {
		return TranscodeResult{}, fault.Wrap(fault.CodeMergeError, "probe merged output", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return TranscodeResult{}, fault.Wrap(fault.CodeMergeError, "stat merged output", err)
	}

	return TranscodeResult{
		OutputPath:       output,
		InputDurationsMS: durations,
		TotalDurationMS:  totalMS,
		SizeBytes:        info.Size(),
	}, nil
}

func (t *FFmpegTranscoder) probeDurationMS(ctx context.Context, path string) (int64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	out, err := t.Run(probeCtx, t.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var payload struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return 0, fmt.Errorf("parse ffprobe response: %w", err)
	}

	seconds, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", payload.Format.Duration, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", payload.Format.Duration)
	}

	return int64(math.Round(seconds * 1000)), nil
}

// writeConcatList emits the ffmpeg concat demuxer file listing the ordered inputs.
func writeConcatList(path string, inputs []string) error {
	var b strings.Builder
	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return fmt.Errorf("resolve input path: %w", err)
		}
		// Single quotes inside paths must be escaped for the concat demuxer.
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return nil
}

func defaultCommandRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	return cmd.Output()
}
