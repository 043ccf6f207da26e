// Package thumbnails renders a preview frame from downloaded media for jobs
// whose source platform did not provide one.
package thumbnails

import (
	"fmt"
	"os"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Frames are grabbed a second in so black lead-ins do not end up as covers.
const captureOffset = "1"

// Generate writes a single JPEG frame from mediaFile to outPath.
func Generate(mediaFile, outPath string) error {
	err := ffmpeg.Input(mediaFile, ffmpeg.KwArgs{"ss": captureOffset}).
		Output(outPath, ffmpeg.KwArgs{"vframes": 1, "q:v": 2}).
		OverWriteOutput().Silent(true).Run()
	if err != nil {
		return fmt.Errorf("ffmpeg frame grab from %q: %w", mediaFile, err)
	}
	fi, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("ffmpeg produced no thumbnail for %q: %w", mediaFile, err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("ffmpeg produced an empty thumbnail for %q", mediaFile)
	}
	return nil
}
