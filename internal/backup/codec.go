package backup

import (
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// codec turns partition snapshot streams into stored blob files and back.
// The stored layout is gzip optionally wrapped in AES-256-GCM with the
// nonce prefixed; checksums always cover the final stored bytes.
type codec struct {
	compress bool
	key      []byte // nil disables encryption
}

// newCodec builds a codec from the configured hex key
func newCodec(compress bool, hexKey string) (*codec, error) {
	c := &codec{compress: compress}
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		c.key = key
	}
	return c, nil
}

// encrypted reports whether blobs are sealed with AES-GCM
func (c *codec) encrypted() bool {
	return c.key != nil
}

// stage writes the snapshot produced by fill into a staging file and
// returns the file path, stored size and hex SHA-256 of the stored bytes
func (c *codec) stage(dir string, fill func(w io.Writer) error) (path string, size int64, checksum string, err error) {
	f, err := os.CreateTemp(dir, "snapshot-*.blob")
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to create staging file: %w", err)
	}
	path = f.Name()
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(path)
		}
	}()

	var w io.WriteCloser = nopWriteCloser{f}
	if c.compress {
		w = gzip.NewWriter(f)
	}
	if err = fill(w); err != nil {
		return "", 0, "", err
	}
	if err = w.Close(); err != nil {
		return "", 0, "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", 0, "", fmt.Errorf("failed to close staging file: %w", err)
	}

	if c.encrypted() {
		if err = c.sealFile(path); err != nil {
			return "", 0, "", err
		}
	}

	size, checksum, err = fileDigest(path)
	if err != nil {
		return "", 0, "", err
	}
	return path, size, checksum, nil
}

// unstage wraps a downloaded staging file into a reader producing the
// original snapshot stream
func (c *codec) unstage(path string) (io.ReadCloser, error) {
	if c.encrypted() {
		if err := c.openFile(path); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging file: %w", err)
	}
	if !c.compress {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open snapshot stream: %w", err)
	}
	return &gzipReadCloser{gz: gz, file: f}, nil
}

// sealFile replaces the file contents with nonce || AES-GCM ciphertext
func (c *codec) sealFile(path string) error {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read staging file: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write sealed blob: %w", err)
	}
	return nil
}

// openFile replaces the file contents with the decrypted plaintext
func (c *codec) openFile(path string) error {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read sealed blob: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return err
	}
	if len(sealed) < gcm.NonceSize() {
		return fmt.Errorf("sealed blob is truncated")
	}

	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt blob: %w", err)
	}
	if err := os.WriteFile(path, plaintext, 0o600); err != nil {
		return fmt.Errorf("failed to write decrypted blob: %w", err)
	}
	return nil
}

func (c *codec) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gcm: %w", err)
	}
	return gcm, nil
}

// fileDigest returns the size and hex SHA-256 of a file
func fileDigest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to digest staging file: %w", err)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type gzipReadCloser struct {
	gz   *gzip.Reader
	file *os.File
}

func (r *gzipReadCloser) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *gzipReadCloser) Close() error {
	gzErr := r.gz.Close()
	fileErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
