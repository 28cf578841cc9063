// Package fingerprint computes the content hash that identifies an upload
// session. Two files with identical bytes share a fingerprint regardless of
// file name or modification time, which is what makes sessions resumable
// after a restart.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// File returns the hex-encoded SHA-256 checksum of the file at path.
// The whole file is read; a partial read is an error, never a partial hash.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	return Reader(file)
}

// Reader returns the hex-encoded SHA-256 checksum of everything read from r.
func Reader(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
