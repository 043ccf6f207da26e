package extractor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reelgrab/reel-api/store"
)

// outputBase is the fixed basename for everything the extractor writes into
// the scratch dir. Subtitles and thumbnails attach their own suffixes, which
// is what artifact collection keys off.
const outputBase = "media"

// QualityLadder is the set of heights callers may request besides best/worst.
var QualityLadder = []int{144, 240, 360, 480, 720, 1080, 1440, 2160}

// QualityAllowed reports whether the quality option is one we accept.
func QualityAllowed(quality string) bool {
	switch quality {
	case "", "best", "worst":
		return true
	}
	h, err := strconv.Atoi(quality)
	if err != nil {
		return false
	}
	for _, height := range QualityLadder {
		if h == height {
			return true
		}
	}
	return false
}

// FormatAllowed reports whether the output format is a container we can remux
// into. Audio-only jobs take audio containers, everything else video ones. The
// empty string means the extractor default.
func FormatAllowed(format string, audioOnly bool) bool {
	if format == "" {
		return true
	}
	if audioOnly {
		return format == "m4a" || format == "mp3"
	}
	switch format {
	case "mp4", "webm", "mkv":
		return true
	}
	return false
}

// FormatSelector builds the -f expression: the best rendition at or below the
// requested height, falling back to the plain best (or worst) stream.
func FormatSelector(opts store.Options) string {
	if opts.AudioOnly {
		return "bestaudio/best"
	}
	switch opts.Quality {
	case "", "best":
		return "bv*+ba/b"
	case "worst":
		return "worst"
	}
	h, _ := strconv.Atoi(opts.Quality)
	return fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]/worst", h, h)
}

func probeArgs(url, cookiesPath string) []string {
	args := []string{"--dump-json", "--no-download", "--no-playlist", "--no-warnings"}
	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}
	return append(args, url)
}

func downloadArgs(url string, opts store.Options, scratchDir, cookiesPath string) []string {
	args := []string{
		"--newline",
		"--no-playlist",
		"--no-warnings",
		"-f", FormatSelector(opts),
		"-o", filepath.Join(scratchDir, outputBase+".%(ext)s"),
	}
	if opts.AudioOnly {
		format := opts.OutputFormat
		if format == "" {
			format = "m4a"
		}
		args = append(args, "-x", "--audio-format", format)
	} else {
		container := opts.OutputFormat
		if container == "" {
			container = "mp4"
		}
		args = append(args, "--remux-video", container, "--write-thumbnail")
	}
	if opts.IncludeSubtitles {
		args = append(args, "--write-subs", "--convert-subs", "srt")
		if len(opts.SubtitleLanguages) > 0 {
			args = append(args, "--sub-langs", strings.Join(opts.SubtitleLanguages, ","))
		}
	}
	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}
	return append(args, url)
}
