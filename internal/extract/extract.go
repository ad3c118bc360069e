// Package extract captures a single representative still frame from a
// remote video stream by driving an external ffmpeg process.
package extract

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// ErrDurationTooShort reports a clip too short to capture from: the 0.5s
// floor cannot stay half a second clear of the end.
var ErrDurationTooShort = errors.New("video duration too short for frame capture")

const (
	minCaptureInstant = 0.5
	maxCaptureInstant = 3.0
	minDuration       = 1.0
)

// CaptureInstant computes the extraction timestamp for a clip of the given
// duration in seconds: t = max(0.5, min(3, 0.1*d, d-0.5)). Seeking starts
// past the first frame but never beyond the clip's end, and is capped near
// the start of long videos.
func CaptureInstant(duration float64) (float64, error) {
	if duration < minDuration {
		return 0, fmt.Errorf("%w: %.2fs", ErrDurationTooShort, duration)
	}
	t := math.Min(maxCaptureInstant, math.Min(0.1*duration, duration-minCaptureInstant))
	if t < minCaptureInstant {
		t = minCaptureInstant
	}
	return t, nil
}

// Extractor spawns ffmpeg to decode one frame into a temporary JPEG.
type Extractor struct {
	ffmpegPath string
	tempDir    string
	maxWidth   int
	maxHeight  int
}

// New returns an Extractor using the given ffmpeg binary and temp
// directory. Empty arguments fall back to "ffmpeg" on PATH and the system
// temp directory. Frames are scaled to fit within 1280x720.
func New(ffmpegPath, tempDir string) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Extractor{
		ffmpegPath: ffmpegPath,
		tempDir:    tempDir,
		maxWidth:   1280,
		maxHeight:  720,
	}
}

// ExtractFrame decodes a single frame of the video at videoURL and writes
// it as a JPEG to a fresh temporary path, which is returned. The caller
// owns removal of the file. Success requires both a zero ffmpeg exit code
// and the output file existing on disk.
func (e *Extractor) ExtractFrame(ctx context.Context, videoURL string, duration float64) (string, error) {
	at, err := CaptureInstant(duration)
	if err != nil {
		return "", err
	}

	outPath := filepath.Join(e.tempDir, "frame-"+uuid.NewString()+".jpg")
	cmd := exec.CommandContext(ctx, e.ffmpegPath, e.args(videoURL, at, outPath)...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("ffmpeg produced no output file: %w\nOutput: %s", err, string(out))
	}
	return outPath, nil
}

func (e *Extractor) args(videoURL string, at float64, outPath string) []string {
	return []string{
		"-ss", strconv.FormatFloat(at, 'f', 2, 64),
		"-i", videoURL,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", e.maxWidth, e.maxHeight),
		"-pix_fmt", "yuvj420p",
		"-q:v", "2",
		"-y",
		outPath,
	}
}
