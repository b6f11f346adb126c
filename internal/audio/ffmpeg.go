package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Concatenator joins synthesized segments into one playable file. Segments
// arrive in chunk order and the output preserves that order.
type Concatenator interface {
	Format() string
	Concat(ctx context.Context, segments [][]byte) ([]byte, error)
}

// ForFormat picks the concatenator for an output format. WAV merges in
// process; compressed formats go through ffmpeg's concat demuxer.
func ForFormat(format string) (Concatenator, error) {
	switch strings.ToLower(format) {
	case "wav":
		return WAVConcatenator{}, nil
	case "mp3", "aac", "opus", "flac":
		return &FFmpegConcatenator{format: strings.ToLower(format)}, nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}
}

// FFmpegConcatenator shells out to ffmpeg. Segments are staged in a temp
// directory and joined with the concat demuxer, stream-copied without
// re-encoding.
type FFmpegConcatenator struct {
	format string
}

func (c *FFmpegConcatenator) Format() string { return c.format }

func (c *FFmpegConcatenator) Concat(ctx context.Context, segments [][]byte) ([]byte, error) {
	if len(segments) == 0 {
		return nil, concatErr(-1, "no segments to concatenate")
	}
	if len(segments) == 1 {
		out := make([]byte, len(segments[0]))
		copy(out, segments[0])
		return out, nil
	}
	if err := CheckFFmpegAvailable(); err != nil {
		return nil, concatErr(-1, "%w", err)
	}

	dir, err := os.MkdirTemp("", "narrator-concat-*")
	if err != nil {
		return nil, concatErr(-1, "create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, len(segments))
	for i, seg := range segments {
		p := filepath.Join(dir, fmt.Sprintf("segment_%04d.%s", i, c.format))
		if err := os.WriteFile(p, seg, 0o644); err != nil {
			return nil, concatErr(i, "stage segment: %w", err)
		}
		paths[i] = p
	}

	outPath := filepath.Join(dir, "output."+c.format)
	if err := concatFiles(ctx, paths, outPath); err != nil {
		return nil, concatErr(-1, "%w", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, concatErr(-1, "read output: %w", err)
	}
	return data, nil
}

// concatFiles runs ffmpeg's concat demuxer over a staged list file.
// -safe 0 allows absolute paths; -c copy avoids re-encoding.
func concatFiles(ctx context.Context, inputFiles []string, outputPath string) error {
	listPath := outputPath + ".txt"
	lines := make([]string, 0, len(inputFiles))
	for _, f := range inputFiles {
		escaped := strings.ReplaceAll(f, "'", `'\''`)
		lines = append(lines, fmt.Sprintf("file '%s'", escaped))
	}
	if err := os.WriteFile(listPath, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, string(output))
	}
	return nil
}

// DurationSeconds reads playback length with ffprobe.
func DurationSeconds(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	var seconds float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &seconds); err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	return seconds, nil
}

// CheckFFmpegAvailable verifies ffmpeg and ffprobe are on PATH.
func CheckFFmpegAvailable() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	return nil
}
