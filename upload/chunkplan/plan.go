package chunkplan

import (
	"errors"
	"fmt"
)

// ErrInvalidChunkSize is returned when the configured chunk size is not positive.
var ErrInvalidChunkSize = errors.New("chunk size must be greater than zero")

// Chunk is one contiguous byte range of the source file. Chunks are the
// atomic unit of upload: each one is sent and confirmed independently.
type Chunk struct {
	// Index is the position of the chunk in the ordered partition.
	Index int
	// Offset is the byte offset of the chunk in the source file.
	Offset int64
	// Length is the number of bytes in the chunk. All chunks share the
	// configured size except possibly the last one.
	Length int64
}

// Plan partitions a file of fileSize bytes into ordered, non-overlapping
// chunks of chunkSize bytes each (the last chunk may be shorter).
//
// The partition is deterministic: the same fileSize and chunkSize always
// produce the same chunks, so a resumed session realigns indices with
// previously confirmed chunks.
func Plan(fileSize, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("file size must not be negative: %d", fileSize)
	}

	numChunks := int(fileSize / chunkSize)
	if fileSize%chunkSize != 0 {
		numChunks++
	}

	chunks := make([]Chunk, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if remaining := fileSize - offset; remaining < chunkSize {
			length = remaining
		}
		chunks = append(chunks, Chunk{
			Index:  i,
			Offset: offset,
			Length: length,
		})
	}

	return chunks, nil
}
