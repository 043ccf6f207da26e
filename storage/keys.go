package storage

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Artifacts for a job all live under a jobs/<id>/ prefix so a whole job can
// be located (or cleaned up) by prefix listing.
func MediaKey(jobID, title, ext string) string {
	return fmt.Sprintf("jobs/%s/%s.%s", jobID, SanitizeTitle(title), ext)
}

func SubtitleKey(jobID, title, lang string) string {
	return fmt.Sprintf("jobs/%s/subtitles/%s.%s.srt", jobID, SanitizeTitle(title), lang)
}

func ThumbnailKey(jobID, ext string) string {
	return fmt.Sprintf("jobs/%s/thumbnail.%s", jobID, ext)
}

func MetadataKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/metadata.json", jobID)
}

const maxTitleBytes = 120

// SanitizeTitle makes an extractor-reported title safe to use as an object
// key segment: control characters and path separators become spaces, runs of
// whitespace collapse to one space, and the result is truncated to 120 bytes
// on a rune boundary. Titles that sanitize to nothing become "video".
func SanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Join(strings.Fields(b.String()), " ")

	for len(out) > maxTitleBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	out = strings.TrimSpace(out)

	if out == "" || out == "." || out == ".." {
		return "video"
	}
	return out
}
