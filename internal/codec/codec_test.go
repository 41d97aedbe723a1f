package codec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(testKey)
	require.NoError(t, err)
	return c
}

func TestNew_keyLength(t *testing.T) {
	_, err := New([]byte("short"))
	require.Error(t, err)

	_, err = New(testKey)
	require.NoError(t, err)
}

func TestCodec_roundTrip(t *testing.T) {
	c := newTestCodec(t)

	ids := []string{
		"session_1735689600000_abcdefghi",
		"",
		"exactly16bytes!!",
		strings.Repeat("x", 100),
		"ünïcødé",
	}

	for _, id := range ids {
		handle, err := c.Encrypt(id)
		require.NoError(t, err)

		ivHex, dataHex, ok := strings.Cut(handle, ":")
		require.True(t, ok)
		require.Len(t, ivHex, 32)
		require.NotEmpty(t, dataHex)

		got, err := c.Decrypt(handle)
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
}

func TestCodec_encryptIsNonDeterministic(t *testing.T) {
	c := newTestCodec(t)

	a, err := c.Encrypt("session_1_a")
	require.NoError(t, err)
	b, err := c.Encrypt("session_1_a")
	require.NoError(t, err)

	require.NotEqual(t, a, b)
}

func TestCodec_decryptErrors(t *testing.T) {
	c := newTestCodec(t)

	valid, err := c.Encrypt("session_1_a")
	require.NoError(t, err)
	ivHex, dataHex, _ := strings.Cut(valid, ":")

	tests := []struct {
		name   string
		handle string
	}{
		{name: "empty", handle: ""},
		{name: "no separator", handle: ivHex + dataHex},
		{name: "bad iv hex", handle: "zz" + ivHex[2:] + ":" + dataHex},
		{name: "short iv", handle: ivHex[:8] + ":" + dataHex},
		{name: "bad data hex", handle: ivHex + ":" + "xyz"},
		{name: "partial block", handle: ivHex + ":" + dataHex[:10]},
		{name: "empty data", handle: ivHex + ":"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.handle)
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestCodec_decryptWithOtherKey(t *testing.T) {
	c := newTestCodec(t)
	other, err := New([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	handle, err := other.Encrypt("session_1735689600000_abcdefghi")
	require.NoError(t, err)

	// A wrong key almost always corrupts the padding. When it happens to
	// produce valid padding the plaintext is still not the original.
	got, err := c.Decrypt(handle)
	if err == nil {
		require.NotEqual(t, "session_1735689600000_abcdefghi", got)
		return
	}
	require.ErrorIs(t, err, ErrDecode)
}

func TestLoadKey(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		key, err := LoadKey(string(testKey), "")
		require.NoError(t, err)
		require.Equal(t, testKey, key)
	})

	t.Run("file wins and is trimmed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(path, append(testKey, '\n'), 0o600))

		key, err := LoadKey("ignored", path)
		require.NoError(t, err)
		require.Equal(t, testKey, key)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := LoadKey("", "")
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadKey("", filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
	})
}
