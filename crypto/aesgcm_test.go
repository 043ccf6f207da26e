package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")

	blob, err := Seal(key, []byte("cookie material"))
	require.NoError(t, err)
	require.NotContains(t, string(blob), "cookie material")

	plaintext, err := Open(key, blob)
	require.NoError(t, err)
	require.Equal(t, []byte("cookie material"), plaintext)

	// Flipping a ciphertext byte must fail authentication.
	blob[len(blob)-1] ^= 0xff
	_, err = Open(key, blob)
	require.Error(t, err)
}

func TestSealRejectsBadKey(t *testing.T) {
	_, err := Seal([]byte("short"), []byte("x"))
	require.Error(t, err)

	_, err = Open([]byte("short"), []byte("whatever"))
	require.Error(t, err)
}

func TestOpenRejectsTruncatedBlob(t *testing.T) {
	key := make([]byte, 32)
	_, err := Open(key, []byte{0x01, 0x02})
	require.Error(t, err)
}
