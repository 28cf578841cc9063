package upload

// Status is the lifecycle state of an upload session.
type Status string

const (
	// StatusIdle means no file is bound to the session yet.
	StatusIdle Status = "idle"
	// StatusHashing means the content fingerprint is being computed.
	StatusHashing Status = "hashing"
	// StatusReconciling means local and remote confirmed chunk sets are
	// being merged.
	StatusReconciling Status = "reconciling"
	// StatusUploading means chunk workers are active.
	StatusUploading Status = "uploading"
	// StatusPaused means in-flight chunk requests were cancelled and the
	// session can be resumed.
	StatusPaused Status = "paused"
	// StatusFinalizing means the merge request is in flight.
	StatusFinalizing Status = "finalizing"
	// StatusDone means every chunk was confirmed and the merge succeeded.
	StatusDone Status = "done"
	// StatusFailed means a non-retryable error ended the session.
	StatusFailed Status = "failed"
)
