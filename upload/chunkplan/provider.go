package chunkplan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrRead is returned when chunk bytes cannot be read from the source file.
// Read failures are not retryable: they abort the session.
var ErrRead = errors.New("source read failed")

// FileChunkProvider reads chunk bytes from a file on disk.
// Safe for parallel chunk reads: every read goes through ReadAt, so no
// shared file cursor exists between workers.
type FileChunkProvider struct {
	file   *os.File
	chunks []Chunk
}

// NewFileChunkProvider opens path and returns a provider for the given plan.
func NewFileChunkProvider(path string, chunks []Chunk) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &FileChunkProvider{
		file:   file,
		chunks: chunks,
	}, nil
}

// NumChunks returns the total number of chunks in the plan.
func (p *FileChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// GetChunk returns a reader over the bytes of the given chunk.
// The data is read into memory so the returned reader can be replayed on retry.
func (p *FileChunkProvider) GetChunk(chunk Chunk) (io.Reader, error) {
	buf := make([]byte, chunk.Length)
	if _, err := p.file.ReadAt(buf, chunk.Offset); err != nil {
		return nil, fmt.Errorf("%w: chunk %d at offset %d: %v", ErrRead, chunk.Index, chunk.Offset, err)
	}
	return bytes.NewReader(buf), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
