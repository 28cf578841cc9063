package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/hututu-yo/go-chunkupload/upload/chunkplan"
	"github.com/hututu-yo/go-chunkupload/upload/fingerprint"
	"github.com/hututu-yo/go-chunkupload/upload/network"
	"github.com/hututu-yo/go-chunkupload/upload/network/chunkuploader"
	"github.com/hututu-yo/go-chunkupload/upload/progress"
	"github.com/hututu-yo/go-chunkupload/upload/resumestore"
)

// Session drives one file through the upload lifecycle: hashing,
// reconciliation, chunk upload and the final merge. A session is bound to a
// single file; uploading a different file means creating a new session.
//
// Status, Progress and ConfirmedIndices are safe to call from other
// goroutines while Start or Resume is running, as are Pause and the
// observable accessors.
type Session struct {
	config   Config
	endpoint network.Endpoint
	store    *resumestore.Store
	logger   log.Logger
	uploader *chunkuploader.Uploader

	mu           sync.Mutex
	status       Status
	err          error
	filePath     string
	fileName     string
	fileSize     int64
	fp           string
	plan         []chunkplan.Chunk
	confirmed    map[int]bool
	tracker      *progress.Tracker
	cancelUpload context.CancelFunc
}

// NewSession creates a session that uploads through the given endpoint and
// records resume state in the given store.
func NewSession(config Config, endpoint network.Endpoint, store *resumestore.Store, logger log.Logger) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, fmt.Errorf("%w: endpoint must not be nil", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: resume store must not be nil", ErrInvalidConfig)
	}

	uploader := chunkuploader.New(chunkuploader.Config{
		Concurrency:      config.Concurrency,
		MaxRetryPerChunk: config.MaxRetryPerChunk,
		RetryWait:        config.RetryWait,
		HungThreshold:    chunkuploader.DefaultConfig().HungThreshold,
	}, logger)

	return &Session{
		config:   config,
		endpoint: endpoint,
		store:    store,
		logger:   logger,
		uploader: uploader,
		status:   StatusIdle,
	}, nil
}

// NewHTTPSession creates a session against the HTTP upload service named by
// config.ServiceURL, with resume records persisted under config.StateDir.
func NewHTTPSession(config Config, logger log.Logger) (*Session, error) {
	if config.ServiceURL == "" {
		return nil, fmt.Errorf("%w: service URL must not be empty", ErrInvalidConfig)
	}
	stateDir, err := config.stateDir()
	if err != nil {
		return nil, err
	}
	kv, err := resumestore.NewFileKV(stateDir)
	if err != nil {
		return nil, err
	}

	endpoint := network.NewHTTPEndpoint(config.ServiceURL, string(config.AccessToken), logger)
	return NewSession(config, endpoint, resumestore.NewStore(kv), logger)
}

// Start binds the session to the file at filePath and runs it to completion.
// It returns nil when the session is Done, or when it was paused mid-upload.
// Start can only be called once per session.
func (s *Session) Start(ctx context.Context, filePath string) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return fmt.Errorf("session already started (status %s)", s.status)
	}
	s.status = StatusHashing
	s.filePath = filePath
	s.fileName = filepath.Base(filePath)
	s.mu.Unlock()

	if err := s.prepare(filePath); err != nil {
		return s.fail(err)
	}

	if err := s.reconcile(ctx); err != nil {
		// Reconciliation only errors on cancellation; stay resumable.
		s.setStatus(StatusPaused)
		return nil
	}

	return s.runUpload(ctx)
}

// Pause stops the session: workers exit before their next chunk claim and
// all in-flight chunk requests are cancelled. A chunk whose send had not
// been acknowledged stays unrecorded; the server-side outcome of a cancelled
// request is resolved by reconciliation on the next resume.
// Pause is a no-op unless the session is uploading.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusUploading {
		return
	}
	s.status = StatusPaused
	if s.cancelUpload != nil {
		s.cancelUpload()
	}
}

// Resume continues a paused session. The pending chunk set is recomputed
// from the confirmed indices; the file is not re-hashed and chunks are not
// re-planned.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: status is %s", ErrNotResumable, s.status)
	}
	s.mu.Unlock()

	return s.runUpload(ctx)
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns the session progress in [0, 100]. It is monotonic within
// a session and reaches 100 only after a successful merge.
func (s *Session) Progress() int {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()

	if tracker == nil {
		return 0
	}
	return tracker.Percent()
}

// Fingerprint returns the content hash of the bound file, empty before
// hashing finished.
func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fp
}

// ConfirmedIndices returns the sorted chunk indices confirmed so far.
func (s *Session) ConfirmedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]int, 0, len(s.confirmed))
	for index := range s.confirmed {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// Stats returns scheduler statistics for the session's chunk uploads.
func (s *Session) Stats() *chunkuploader.Stats {
	return s.uploader.Stats()
}

// prepare hashes the file and plans its chunks.
func (s *Session) prepare(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceRead, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: source file is empty", ErrSourceRead)
	}

	fp, err := fingerprint.File(filePath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceRead, err)
	}

	plan, err := chunkplan.Plan(info.Size(), s.config.ChunkSize)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	s.logger.Debugf("File size: %s, %d chunks of %s",
		units.HumanSizeWithPrecision(float64(info.Size()), 3),
		len(plan),
		units.HumanSizeWithPrecision(float64(s.config.ChunkSize), 3))

	s.mu.Lock()
	s.fileSize = info.Size()
	s.fp = fp
	s.plan = plan
	s.confirmed = map[int]bool{}
	s.tracker = progress.NewTracker(info.Size())
	s.mu.Unlock()
	return nil
}

// reconcile merges the locally recorded confirmed set with the server's.
// The server is the source of truth for what it durably has; the union also
// keeps chunks the local history knows about. A failing remote check
// degrades to the local set with a warning instead of blocking the session.
func (s *Session) reconcile(ctx context.Context) error {
	s.setStatus(StatusReconciling)

	local, err := s.store.Load(s.fp)
	if err != nil {
		s.logger.Warnf("Failed to load local resume state, starting from scratch: %s", err)
		local = []int{}
	}

	remote, err := s.endpoint.Check(ctx, s.fp, s.fileName)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chunk check cancelled: %w", ctx.Err())
		}
		s.logger.Warnf("Remote chunk check failed, resuming from local state only: %s", err)
		remote = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, index := range local {
		s.confirm(index)
	}
	for _, index := range remote {
		s.confirm(index)
	}
	return nil
}

// confirm marks a chunk index confirmed. Caller must hold s.mu.
func (s *Session) confirm(index int) {
	if index < 0 || index >= len(s.plan) || s.confirmed[index] {
		return
	}
	s.confirmed[index] = true
	s.tracker.Confirm(index, s.plan[index].Length)
}

// runUpload drains the pending chunk set through the worker pool and
// finalizes the upload when the set becomes empty.
func (s *Session) runUpload(ctx context.Context) error {
	s.mu.Lock()
	s.status = StatusUploading
	pending := make([]chunkplan.Chunk, 0, len(s.plan))
	for _, chunk := range s.plan {
		if !s.confirmed[chunk.Index] {
			pending = append(pending, chunk)
		}
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	s.cancelUpload = cancel
	s.mu.Unlock()
	defer cancel()

	if len(pending) > 0 {
		provider, err := chunkplan.NewFileChunkProvider(s.filePath, s.plan)
		if err != nil {
			return s.fail(fmt.Errorf("%w: %s", ErrSourceRead, err))
		}
		defer provider.Close() //nolint:errcheck

		err = s.uploader.Run(uploadCtx, pending, s.sendFunc(provider), s.confirmChunk)
		if err != nil {
			if uploadCtx.Err() != nil && ctx.Err() == nil && s.Status() == StatusPaused {
				// Paused: drop in-flight byte progress of unconfirmed chunks.
				s.discardPendingProgress()
				return nil
			}
			if ctx.Err() != nil {
				// Caller cancelled; treat like a pause so the session stays resumable.
				s.setStatus(StatusPaused)
				s.discardPendingProgress()
				return nil
			}
			return s.fail(err)
		}
	}

	return s.finalize(ctx)
}

// sendFunc builds the per-chunk send closure run by upload workers.
func (s *Session) sendFunc(provider *chunkplan.FileChunkProvider) chunkuploader.SendFunc {
	return func(ctx context.Context, chunk chunkplan.Chunk) error {
		reader, err := provider.GetChunk(chunk)
		if err != nil {
			return err
		}

		// Reset byte progress so a retried chunk is not double counted.
		s.tracker.SetInFlight(chunk.Index, 0, chunk.Length)
		return s.endpoint.UploadChunk(ctx, network.Chunk{
			Fingerprint: s.fp,
			FileName:    s.fileName,
			Index:       chunk.Index,
			TotalChunks: len(s.plan),
			Body:        reader,
			Size:        chunk.Length,
		}, func(bytesSent, bytesTotal int64) {
			s.tracker.SetInFlight(chunk.Index, bytesSent, chunk.Length)
		})
	}
}

// confirmChunk records a server-acknowledged chunk durably before the worker
// moves on.
func (s *Session) confirmChunk(chunk chunkplan.Chunk) error {
	if err := s.store.RecordChunk(s.fp, chunk.Index); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirm(chunk.Index)
	return nil
}

// finalize asks the server to assemble the file and clears resume state on
// success. A merge the server refuses because chunks are missing routes the
// session back through reconciliation instead of failing it; the caller
// decides whether to Resume.
func (s *Session) finalize(ctx context.Context) error {
	s.setStatus(StatusFinalizing)

	err := s.endpoint.Merge(ctx, s.fp, s.fileName, len(s.plan))
	if err == nil {
		if clearErr := s.store.Clear(s.fp); clearErr != nil {
			s.logger.Warnf("Failed to clear resume state: %s", clearErr)
		}
		s.mu.Lock()
		s.tracker.MarkComplete()
		s.status = StatusDone
		s.mu.Unlock()
		s.logger.Infof("Upload complete: %s (%s)", s.fileName, s.fp)
		return nil
	}

	if errors.Is(err, network.ErrIncomplete) {
		s.logger.Warnf("Merge refused by server, re-reconciling confirmed chunks: %s", err)
		if reconErr := s.rebuildFromRemote(ctx); reconErr != nil {
			s.logger.Warnf("Re-reconciliation failed: %s", reconErr)
		}
		s.setStatus(StatusPaused)
		return fmt.Errorf("%w: %s", ErrIncompleteUpload, err)
	}

	return s.fail(fmt.Errorf("finalize upload: %w", err))
}

// rebuildFromRemote replaces the confirmed set with what the server reports.
// This is the one place the confirmed set may shrink: a merge refusal proved
// the local belief wrong.
func (s *Session) rebuildFromRemote(ctx context.Context) error {
	s.setStatus(StatusReconciling)

	remote, err := s.endpoint.Check(ctx, s.fp, s.fileName)
	if err != nil {
		return err
	}

	if err := s.store.Clear(s.fp); err != nil {
		s.logger.Warnf("Failed to reset resume state: %s", err)
	}
	for _, index := range remote {
		if err := s.store.RecordChunk(s.fp, index); err != nil {
			s.logger.Warnf("Failed to re-record chunk %d: %s", index, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = map[int]bool{}
	// Keep the existing tracker so reported progress stays monotonic.
	for _, index := range remote {
		if index >= 0 && index < len(s.plan) {
			s.confirmed[index] = true
		}
	}
	return nil
}

func (s *Session) discardPendingProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.plan {
		if !s.confirmed[chunk.Index] {
			s.tracker.Discard(chunk.Index)
		}
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// fail moves the session to Failed, mapping the cause onto the session
// error taxonomy.
func (s *Session) fail(err error) error {
	switch {
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrSourceRead):
		// Already classified.
	case errors.Is(err, chunkplan.ErrRead):
		err = fmt.Errorf("%w: %s", ErrSourceRead, err)
	case errors.Is(err, network.ErrRejected):
		err = fmt.Errorf("%w: %s", ErrUploadRejected, err)
	default:
		err = fmt.Errorf("%w: %s", ErrUploadRejected, err)
	}

	s.mu.Lock()
	s.status = StatusFailed
	s.err = err
	s.mu.Unlock()

	s.logger.Errorf("Upload failed: %s", err)
	return err
}
