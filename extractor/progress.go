package extractor

import (
	"regexp"
	"strconv"
)

var (
	// [download]  42.3% of 120.45MiB at 2.34MiB/s ETA 00:32
	progressDetailRe = regexp.MustCompile(`(?i)\[download\]\s+([0-9.]+)%.*?at\s+([0-9.]+[KMG]i?B/s).*?ETA\s+([0-9:]{2,8})`)
	progressSimpleRe = regexp.MustCompile(`(?i)\[download\]\s+([0-9.]+)%`)

	// Post-processing steps run after the last [download] line and can take a
	// while on big files, so they get surfaced as activity too.
	postProcessRe = regexp.MustCompile(`^\[(Merger|ExtractAudio|VideoRemuxer|VideoConvertor|EmbedThumbnail|SubtitlesConvertor)\]`)
)

// lineProgress is one parsed stdout line from a download run.
type lineProgress struct {
	Fraction float64
	Speed    string
	ETA      string
	Message  string
}

// parseProgressLine extracts a download fraction in [0,1] from one stdout
// line. Lines that carry no progress information return ok=false.
func parseProgressLine(line string) (lineProgress, bool) {
	if m := progressDetailRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return lineProgress{}, false
		}
		return lineProgress{
			Fraction: clampFraction(pct / 100),
			Speed:    m[2],
			ETA:      m[3],
			Message:  "downloading at " + m[2] + ", ETA " + m[3],
		}, true
	}
	if m := progressSimpleRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return lineProgress{}, false
		}
		return lineProgress{Fraction: clampFraction(pct / 100), Message: "downloading"}, true
	}
	if m := postProcessRe.FindStringSubmatch(line); m != nil {
		return lineProgress{Fraction: 1, Message: "processing (" + m[1] + ")"}, true
	}
	return lineProgress{}, false
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
