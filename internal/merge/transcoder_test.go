package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clipstitch/backend/internal/fault"
)

func probePayload(seconds string) []byte {
	return []byte(fmt.Sprintf(`{"format":{"duration":"%s"}}`, seconds))
}

func TestFFmpegTranscoderMerge(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{filepath.Join(dir, "clip-000.mp4"), filepath.Join(dir, "clip-001.mp4")}
	for _, input := range inputs {
		if err := os.WriteFile(input, []byte("clip"), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	output := filepath.Join(dir, "merged.mp4")

	var ffmpegCalls [][]string
	transcoder := NewFFmpegTranscoder("ffmpeg", "ffprobe", time.Second)
	transcoder.Run = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		switch binary {
		case "ffprobe":
			path := args[len(args)-1]
			switch path {
			case inputs[0]:
				return probePayload("8.5"), nil
			case inputs[1]:
				return probePayload("8.7"), nil
			case output:
				return probePayload("15.2"), nil
			}
			return nil, fmt.Errorf("unexpected probe target %s", path)
		case "ffmpeg":
			ffmpegCalls = append(ffmpegCalls, args)
			return nil, os.WriteFile(output, []byte("merged-bytes"), 0o644)
		}
		return nil, fmt.Errorf("unexpected binary %s", binary)
	}

	result, err := transcoder.Merge(context.Background(), inputs, output)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(result.InputDurationsMS) != 2 || result.InputDurationsMS[0] != 8500 || result.InputDurationsMS[1] != 8700 {
		t.Fatalf("unexpected input durations: %v", result.InputDurationsMS)
	}
	if result.TotalDurationMS != 15200 {
		t.Fatalf("unexpected total duration: %d", result.TotalDurationMS)
	}
	if result.SizeBytes != int64(len("merged-bytes")) {
		t.Fatalf("unexpected size: %d", result.SizeBytes)
	}

	if len(ffmpegCalls) != 1 {
		t.Fatalf("expected exactly one ffmpeg invocation, got %d", len(ffmpegCalls))
	}
	joined := strings.Join(ffmpegCalls[0], " ")
	if !strings.Contains(joined, "-f concat") || !strings.Contains(joined, "libx264") {
		t.Fatalf("unexpected ffmpeg args: %s", joined)
	}

	// The concat list is cleaned up after the run.
	if _, err := os.Stat(output + ".inputs.txt"); !os.IsNotExist(err) {
		t.Fatalf("concat list should be removed, stat err: %v", err)
	}
}

func TestFFmpegTranscoderProbeFailureIsAnalysisError(t *testing.T) {
	transcoder := NewFFmpegTranscoder("ffmpeg", "ffprobe", time.Second)
	transcoder.Run = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		return nil, fmt.Errorf("moov atom not found")
	}

	_, err := transcoder.Merge(context.Background(), []string{"broken.mp4"}, "out.mp4")
	if fault.CodeOf(err) != fault.CodeAnalysisError {
		t.Fatalf("expected ANALYSIS_ERROR, got %v", err)
	}
}

func TestFFmpegTranscoderEncodeFailureIsMergeError(t *testing.T) {
	transcoder := NewFFmpegTranscoder("ffmpeg", "ffprobe", time.Second)
	transcoder.Run = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		if binary == "ffprobe" {
			return probePayload("5.0"), nil
		}
		return nil, fmt.Errorf("encoder crashed")
	}

	_, err := transcoder.Merge(context.Background(), []string{"ok.mp4"}, filepath.Join(t.TempDir(), "out.mp4"))
	if fault.CodeOf(err) != fault.CodeMergeError {
		t.Fatalf("expected MERGE_ERROR, got %v", err)
	}
}

func TestWriteConcatListEscapesQuotes(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "inputs.txt")
	input := filepath.Join(dir, "it's a clip.mp4")

	if err := writeConcatList(listPath, []string{input}); err != nil {
		t.Fatalf("write concat list: %v", err)
	}

	contents, err := os.ReadFile(listPath)
	if err != nil {
		t.Fatalf("read concat list: %v", err)
	}
	if !strings.Contains(string(contents), `'\''`) {
		t.Fatalf("single quote not escaped: %s", contents)
	}
}
