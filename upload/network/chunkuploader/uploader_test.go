package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/hututu-yo/go-chunkupload/upload/chunkplan"
	"github.com/hututu-yo/go-chunkupload/upload/network"
)

func testConfig() Config {
	return Config{
		Concurrency:      2,
		MaxRetryPerChunk: 3,
		RetryWait:        time.Millisecond,
		HungThreshold:    0, // disable hung detection in tests
	}
}

func testTasks(n int) []chunkplan.Chunk {
	tasks := make([]chunkplan.Chunk, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, chunkplan.Chunk{Index: i, Offset: int64(i) * 10, Length: 10})
	}
	return tasks
}

func TestRun_Success(t *testing.T) {
	tasks := testTasks(5)

	var mu sync.Mutex
	sent := map[int]int{}
	confirmed := map[int]int{}

	uploader := New(testConfig(), log.NewLogger())
	err := uploader.Run(context.Background(), tasks,
		func(ctx context.Context, chunk chunkplan.Chunk) error {
			mu.Lock()
			sent[chunk.Index]++
			mu.Unlock()
			return nil
		},
		func(chunk chunkplan.Chunk) error {
			mu.Lock()
			confirmed[chunk.Index]++
			mu.Unlock()
			return nil
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for i := range tasks {
		if sent[i] != 1 {
			t.Errorf("chunk %d sent %d times, want exactly once", i, sent[i])
		}
		if confirmed[i] != 1 {
			t.Errorf("chunk %d confirmed %d times, want exactly once", i, confirmed[i])
		}
	}
	if got := uploader.Stats().FinishedCount(); got != 5 {
		t.Errorf("FinishedCount = %d, want 5", got)
	}
	if got := uploader.Stats().UploadedBytes(); got != 50 {
		t.Errorf("UploadedBytes = %d, want 50", got)
	}
}

func TestRun_RetriesTransientError(t *testing.T) {
	tasks := testTasks(1)

	var attempts int32
	uploader := New(testConfig(), log.NewLogger())
	err := uploader.Run(context.Background(), tasks,
		func(ctx context.Context, chunk chunkplan.Chunk) error {
			if atomic.AddInt32(&attempts, 1) <= 2 {
				return fmt.Errorf("chunk failed with status 500")
			}
			return nil
		},
		func(chunk chunkplan.Chunk) error { return nil })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	tasks := testTasks(1)

	var attempts int32
	var confirmedCount int32
	uploader := New(testConfig(), log.NewLogger())
	err := uploader.Run(context.Background(), tasks,
		func(ctx context.Context, chunk chunkplan.Chunk) error {
			atomic.AddInt32(&attempts, 1)
			return fmt.Errorf("chunk failed with status 500")
		},
		func(chunk chunkplan.Chunk) error {
			atomic.AddInt32(&confirmedCount, 1)
			return nil
		})
	if err == nil {
		t.Fatal("Run should fail after exhausting the retry budget")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if confirmedCount != 0 {
		t.Errorf("failed chunk must not be confirmed, got %d confirmations", confirmedCount)
	}
}

func TestRun_RejectedChunkAbortsWithoutRetry(t *testing.T) {
	tasks := testTasks(1)

	var attempts int32
	uploader := New(testConfig(), log.NewLogger())
	err := uploader.Run(context.Background(), tasks,
		func(ctx context.Context, chunk chunkplan.Chunk) error {
			atomic.AddInt32(&attempts, 1)
			return fmt.Errorf("chunk failed with status 400: %w", network.ErrRejected)
		},
		func(chunk chunkplan.Chunk) error { return nil })
	if !errors.Is(err, network.ErrRejected) {
		t.Fatalf("Run error = %v, want ErrRejected", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry of rejected chunks)", attempts)
	}
}

func TestRun_SourceReadErrorAborts(t *testing.T) {
	tasks := testTasks(1)

	uploader := New(testConfig(), log.NewLogger())
	err := uploader.Run(context.Background(), tasks,
		func(ctx context.Context, chunk chunkplan.Chunk) error {
			return fmt.Errorf("%w: chunk 0", chunkplan.ErrRead)
		},
		func(chunk chunkplan.Chunk) error { return nil })
	if !errors.Is(err, chunkplan.ErrRead) {
		t.Fatalf("Run error = %v, want chunkplan.ErrRead", err)
	}
}

func TestRun_CancelStopsWorkers(t *testing.T) {
	tasks := testTasks(20)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	var confirmedCount int32

	config := testConfig()
	config.Concurrency = 2

	uploader := New(config, log.NewLogger())
	err := uploader.Run(ctx, tasks,
		func(sendCtx context.Context, chunk chunkplan.Chunk) error {
			once.Do(func() { close(started) })
			cancel()
			<-sendCtx.Done()
			return fmt.Errorf("upload cancelled: %w", sendCtx.Err())
		},
		func(chunk chunkplan.Chunk) error {
			atomic.AddInt32(&confirmedCount, 1)
			return nil
		})
	<-started
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if confirmedCount != 0 {
		t.Errorf("cancelled chunks must not be confirmed, got %d", confirmedCount)
	}
}

func TestRun_ConfirmErrorAborts(t *testing.T) {
	tasks := testTasks(3)

	uploader := New(testConfig(), log.NewLogger())
	err := uploader.Run(context.Background(), tasks,
		func(ctx context.Context, chunk chunkplan.Chunk) error { return nil },
		func(chunk chunkplan.Chunk) error {
			return errors.New("disk full")
		})
	if err == nil {
		t.Fatal("Run should fail when confirmation cannot be recorded")
	}
}

func TestRun_NoTasks(t *testing.T) {
	uploader := New(testConfig(), log.NewLogger())
	err := uploader.Run(context.Background(), nil,
		func(ctx context.Context, chunk chunkplan.Chunk) error {
			t.Fatal("send must not be called without tasks")
			return nil
		},
		func(chunk chunkplan.Chunk) error { return nil })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}
