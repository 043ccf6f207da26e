package storage

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "jobs/123/My Video.mp4", MediaKey("123", "My Video", "mp4"))
	require.Equal(t, "jobs/123/subtitles/My Video.en.srt", SubtitleKey("123", "My Video", "en"))
	require.Equal(t, "jobs/123/thumbnail.jpg", ThumbnailKey("123", "jpg"))
	require.Equal(t, "jobs/123/metadata.json", MetadataKey("123"))
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"plain", "My Holiday Video", "My Holiday Video"},
		{"path separators", "foo/bar\\baz", "foo bar baz"},
		{"control chars", "tab\there\nnewline", "tab here newline"},
		{"only control chars", "\x00\x1f\x7f", "video"},
		{"collapses whitespace", "too    many   spaces", "too many spaces"},
		{"trims", "  padded  ", "padded"},
		{"empty becomes video", "", "video"},
		{"separators only becomes video", "///", "video"},
		{"dots become video", "..", "video"},
		{"unicode survives", "日本語のタイトル", "日本語のタイトル"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, SanitizeTitle(tt.in))
		})
	}
}

func TestSanitizeTitleTruncates(t *testing.T) {
	long := strings.Repeat("a", 500)
	out := SanitizeTitle(long)
	require.Len(t, out, 120)

	// multi-byte runes are never split
	longUnicode := strings.Repeat("日", 100)
	out = SanitizeTitle(longUnicode)
	require.LessOrEqual(t, len(out), 120)
	require.True(t, utf8.ValidString(out))
	require.NotEmpty(t, out)
}
