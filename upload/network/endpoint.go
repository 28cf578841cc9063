// Package network talks to the remote side of a chunked upload: asking which
// chunks it already has, sending individual chunks, and requesting the final
// merge. Two implementations are provided, an HTTP upload service client and
// an S3 multipart upload client.
package network

import (
	"context"
	"errors"
	"io"
)

// ErrRejected is returned when the server rejects a request for a
// non-retryable reason (e.g. validation failure). A rejected chunk aborts
// the whole session.
var ErrRejected = errors.New("request rejected by server")

// ErrIncomplete is returned when the server refuses to merge because it is
// missing chunks the client believed were confirmed. The session should
// re-reconcile against the server rather than fail.
var ErrIncomplete = errors.New("upload incomplete on server")

// ProgressFunc receives byte-level progress while a chunk body is being sent.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(bytesSent, bytesTotal int64)

// Chunk is one chunk send request.
type Chunk struct {
	Fingerprint string
	FileName    string
	Index       int
	TotalChunks int
	Body        io.Reader
	Size        int64
}

// Endpoint is the remote capability the upload engine runs against.
//
// Errors other than ErrRejected and ErrIncomplete are treated as transient
// (network failures, 5xx responses) and are retried by the scheduler.
type Endpoint interface {
	// Check returns the chunk indices the server has already durably accepted
	// for the fingerprint.
	Check(ctx context.Context, fingerprint, fileName string) ([]int, error)

	// UploadChunk sends one chunk. progress may be nil.
	UploadChunk(ctx context.Context, chunk Chunk, progress ProgressFunc) error

	// Merge asks the server to assemble all chunks into the final file.
	Merge(ctx context.Context, fingerprint, fileName string, totalChunks int) error
}
