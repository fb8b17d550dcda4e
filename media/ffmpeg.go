package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FrameExtractor captures a single frame from a video via the ffmpeg binary
type FrameExtractor struct {
	BinPath     string        // ffmpeg executable, usually just "ffmpeg"
	CaptureTime string        // seek position, e.g. "00:00:01"
	Timeout     time.Duration // hard deadline for the subprocess
}

func NewFrameExtractor(binPath, captureTime string, timeout time.Duration) *FrameExtractor {
	return &FrameExtractor{BinPath: binPath, CaptureTime: captureTime, Timeout: timeout}
}

// ExtractFrame writes one frame of inputPath as a JPEG named
// temp_<uuid>.jpg under workDir and returns its path. The caller owns the
// file and must remove it when done.
func (f *FrameExtractor) ExtractFrame(ctx context.Context, inputPath, workDir string) (string, error) {
	framePath := filepath.Join(workDir, "temp_"+uuid.NewString()+".jpg")

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.BinPath,
		"-i", inputPath,
		"-ss", f.CaptureTime,
		"-vframes", "1",
		"-f", "image2",
		"-y", framePath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(framePath)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrVideoExtractionTimeout, f.Timeout)
		}
		return "", &VideoExtractionError{Stderr: stderr.String(), Err: err}
	}
	return framePath, nil
}
