package backup

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func stageString(t *testing.T, c *codec, payload string) (string, int64, string) {
	t.Helper()
	path, size, checksum, err := c.stage(t.TempDir(), func(w io.Writer) error {
		_, err := io.WriteString(w, payload)
		return err
	})
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path) })
	return path, size, checksum
}

func unstageString(t *testing.T, c *codec, path string) string {
	t.Helper()
	stream, err := c.unstage(path)
	require.NoError(t, err)
	defer stream.Close()
	out, err := io.ReadAll(stream)
	require.NoError(t, err)
	return string(out)
}

func TestCodec_GzipRoundTrip(t *testing.T) {
	c, err := newCodec(true, "")
	require.NoError(t, err)

	payload := strings.Repeat("incident metadata row\n", 1000)
	path, size, checksum := stageString(t, c, payload)

	// Compression actually happened and the checksum covers stored bytes
	assert.Less(t, size, int64(len(payload)))
	assert.Len(t, checksum, 64)

	assert.Equal(t, payload, unstageString(t, c, path))
}

func TestCodec_EncryptedRoundTrip(t *testing.T) {
	c, err := newCodec(true, testHexKey)
	require.NoError(t, err)

	payload := strings.Repeat("sealed row\n", 500)
	path, _, _ := stageString(t, c, payload)

	assert.Equal(t, payload, unstageString(t, c, path))
}

func TestCodec_EncryptedTamperDetected(t *testing.T) {
	c, err := newCodec(true, testHexKey)
	require.NoError(t, err)

	path, _, _ := stageString(t, c, "payload")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = c.unstage(path)
	require.Error(t, err)
}

func TestCodec_Uncompressed(t *testing.T) {
	c, err := newCodec(false, "")
	require.NoError(t, err)

	path, size, _ := stageString(t, c, "plain payload")
	assert.Equal(t, int64(len("plain payload")), size)
	assert.Equal(t, "plain payload", unstageString(t, c, path))
}

func TestNewCodec_RejectsBadKeys(t *testing.T) {
	_, err := newCodec(true, "not-hex")
	require.Error(t, err)

	_, err = newCodec(true, "abcd") // 2 bytes, not 32
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}
