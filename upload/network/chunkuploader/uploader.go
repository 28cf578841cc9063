// Package chunkuploader drains a list of pending chunks through a fixed-size
// worker pool. Workers race over a shared cursor, so each chunk is claimed by
// exactly one worker; chunk completions arrive in no particular order.
package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/hututu-yo/go-chunkupload/upload/chunkplan"
	"github.com/hututu-yo/go-chunkupload/upload/network"
)

// SendFunc sends one chunk to the remote side.
type SendFunc func(ctx context.Context, chunk chunkplan.Chunk) error

// ConfirmFunc is called for every chunk the server acknowledged, before the
// worker claims its next chunk. An error aborts the upload.
type ConfirmFunc func(chunk chunkplan.Chunk) error

// Uploader runs chunk uploads under bounded concurrency with per-chunk retry
// and hung-upload detection.
type Uploader struct {
	config Config
	logger log.Logger
	stats  *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MaxRetryPerChunk < 1 {
		config.MaxRetryPerChunk = 1
	}
	if config.RetryWait <= 0 {
		config.RetryWait = DefaultConfig().RetryWait
	}
	return &Uploader{
		config: config,
		logger: logger,
		stats:  NewStats(),
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Run uploads every chunk in tasks and returns once all of them are
// confirmed, the context is cancelled (pause), or a chunk fails
// non-retryably. Cancelling ctx stops workers before their next claim and
// cancels in-flight sends; Run then returns the context error.
func (u *Uploader) Run(ctx context.Context, tasks []chunkplan.Chunk, send SendFunc, confirm ConfirmFunc) error {
	if len(tasks) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cursor := &taskCursor{tasks: tasks}
	var (
		fatalOnce sync.Once
		fatal     error
	)
	setFatal := func(err error) {
		fatalOnce.Do(func() {
			fatal = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < u.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.work(runCtx, cursor, send, confirm, setFatal)
		}()
	}
	wg.Wait()

	if fatal != nil {
		return fatal
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (u *Uploader) work(ctx context.Context, cursor *taskCursor, send SendFunc, confirm ConfirmFunc, setFatal func(error)) {
	for {
		// Observe pause/abort before claiming the next chunk.
		if ctx.Err() != nil {
			return
		}
		task, ok := cursor.next()
		if !ok {
			return
		}

		if err := u.uploadChunkWithRetry(ctx, task, send); err != nil {
			if ctx.Err() != nil {
				// Paused or aborted elsewhere; the chunk stays pending.
				return
			}
			setFatal(err)
			return
		}

		if err := confirm(task); err != nil {
			setFatal(fmt.Errorf("confirm chunk %d: %w", task.Index, err))
			return
		}
	}
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, task chunkplan.Chunk, send SendFunc) error {
	var uploadErr error

	for attempt := 0; attempt < u.config.MaxRetryPerChunk; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", task.Index, err)
		}

		u.logger.Debugf("Uploading chunk %d (attempt %d/%d) [finished=%d] [avg=%v]",
			task.Index, attempt+1, u.config.MaxRetryPerChunk,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Second))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// Hung detection, except on the last attempt.
		if attempt < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, start, task.Index)
		}

		uploadErr = send(chunkCtx, task)
		hung := chunkCtx.Err() != nil && ctx.Err() == nil
		cancelChunk()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took, task.Length)
			u.logger.Debugf("Chunk %d uploaded in %v", task.Index, took.Round(time.Second))
			return nil
		}

		if errors.Is(uploadErr, network.ErrRejected) || errors.Is(uploadErr, chunkplan.ErrRead) {
			return fmt.Errorf("chunk %d: %w", task.Index, uploadErr)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", task.Index, err)
		}

		backoff := time.Duration(attempt+1) * u.config.RetryWait
		if hung {
			u.logger.Warnf("Chunk %d attempt %d cancelled (hung), retrying after %v", task.Index, attempt+1, backoff)
		} else {
			u.logger.Warnf("Chunk %d attempt %d failed: %v", task.Index, attempt+1, uploadErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("chunk %d upload cancelled: %w", task.Index, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("chunk %d failed after %d attempts: %w", task.Index, u.config.MaxRetryPerChunk, uploadErr)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := u.stats.Average()
			if elapsed-avg > u.config.HungThreshold {
				u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
					index, elapsed.Round(time.Second), avg.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

// taskCursor hands out pending chunks to workers one at a time.
type taskCursor struct {
	mu    sync.Mutex
	tasks []chunkplan.Chunk
	pos   int
}

func (c *taskCursor) next() (chunkplan.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pos >= len(c.tasks) {
		return chunkplan.Chunk{}, false
	}
	task := c.tasks[c.pos]
	c.pos++
	return task, true
}
