package upload

import "errors"

var (
	// ErrInvalidConfig is returned when the chunk size or concurrency value
	// is invalid. No I/O happens before this check.
	ErrInvalidConfig = errors.New("invalid upload configuration")

	// ErrSourceRead is returned when the source file cannot be read during
	// hashing or chunk slicing.
	ErrSourceRead = errors.New("source file read failed")

	// ErrUploadRejected is returned when the server rejected a chunk for a
	// non-retryable reason, or the per-chunk retry budget was exhausted.
	ErrUploadRejected = errors.New("chunk upload rejected")

	// ErrIncompleteUpload is returned when the server refused the merge
	// because it is missing chunks. The session re-reconciles against the
	// server; call Resume to upload the missing chunks and merge again.
	ErrIncompleteUpload = errors.New("upload incomplete on server")

	// ErrNotResumable is returned when Resume is called on a session that is
	// not paused or awaiting re-reconciliation.
	ErrNotResumable = errors.New("session is not resumable")
)
