package chunkuploader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/structllm/go-docflow/transfer/chunkplan"
)

// Uploader runs a fixed-size worker pool over the chunk plan of a file.
type Uploader struct {
	config    Config
	transport ChunkTransport
	logger    log.Logger
	stats     *Stats

	// wait blocks for a backoff delay; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// New creates a new Uploader with the given configuration.
func New(config Config, transport ChunkTransport, logger log.Logger) *Uploader {
	return &Uploader{
		config:    config.withDefaults(),
		transport: transport,
		logger:    logger,
		stats:     NewStats(),
		wait:      sleepContext,
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload sends every chunk of file and returns the outcome of each.
//
// Only invalid plan inputs and cancellation are reported as errors. Chunk failures are
// reported in UploadResult.FailedChunks so the caller can retry the subset with UploadChunks.
// When ctx is cancelled no further chunks are dispatched; the chunks that never ran are
// recorded as failed and the partial result is returned along with the context error.
func (u *Uploader) Upload(ctx context.Context, file chunkplan.FileDescriptor, provider ChunkProvider) (*UploadResult, error) {
	chunks, err := planFor(file)
	if err != nil {
		return nil, err
	}

	return u.upload(ctx, file, provider, chunks)
}

// UploadChunks uploads only the chunks with the given indices, typically the FailedChunks
// of an earlier UploadResult. Duplicate indices are sent once.
func (u *Uploader) UploadChunks(ctx context.Context, file chunkplan.FileDescriptor, provider ChunkProvider, indices []int) (*UploadResult, error) {
	chunks, err := planFor(file)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(indices))
	subset := make([]chunkplan.ChunkDescriptor, 0, len(indices))
	for _, index := range indices {
		if index < 0 || index >= len(chunks) {
			return nil, fmt.Errorf("chunk index %d out of range [0, %d): %w", index, len(chunks), chunkplan.ErrInvalidArgument)
		}
		if seen[index] {
			continue
		}
		seen[index] = true
		subset = append(subset, chunks[index])
	}

	return u.upload(ctx, file, provider, subset)
}

func (u *Uploader) upload(ctx context.Context, file chunkplan.FileDescriptor, provider ChunkProvider, chunks []chunkplan.ChunkDescriptor) (*UploadResult, error) {
	start := time.Now()
	state := newJobState(len(chunks))

	queue := make(chan chunkplan.ChunkDescriptor, len(chunks))
	for _, chunk := range chunks {
		queue <- chunk
	}
	close(queue)

	u.logger.Debugf("Uploading %d chunk(s) of %s with %d worker(s)", len(chunks), file.FileName, u.config.Concurrency)

	var wg sync.WaitGroup
	for w := 0; w < u.config.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range queue {
				if err := ctx.Err(); err != nil {
					state.record(ChunkOutcome{
						Index:   chunk.Index,
						Outcome: OutcomeTransientFailure,
						Detail:  "cancelled before dispatch",
						Err:     err,
					})
					continue
				}
				state.record(u.uploadChunkWithRetry(ctx, file, provider, chunk))
			}
		}()
	}
	wg.Wait()

	result := state.result(file.FileID, time.Since(start))
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("upload of %s cancelled: %w", file.FileName, err)
	}

	return result, nil
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, file chunkplan.FileDescriptor, provider ChunkProvider, chunk chunkplan.ChunkDescriptor) ChunkOutcome {
	maxAttempts := u.config.MaxRetries + 1
	var last AttemptResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := u.config.RetryDelay(attempt - 1)
			u.stats.AddRetry()
			u.logger.Warnf("Chunk %d/%d attempt %d failed: %v; retrying in %s",
				chunk.Index+1, file.ChunkCount, attempt-1, last.Err, delay)

			if err := u.wait(ctx, delay); err != nil {
				return ChunkOutcome{
					Index:    chunk.Index,
					Outcome:  OutcomeTransientFailure,
					Attempts: attempt - 1,
					Detail:   "cancelled during backoff",
					Err:      fmt.Errorf("chunk %d retry cancelled: %w", chunk.Index+1, err),
				}
			}
		}

		last = u.attempt(ctx, file, provider, chunk, attempt, maxAttempts)

		switch last.Outcome {
		case OutcomeSuccess:
			return ChunkOutcome{
				Index:    chunk.Index,
				Outcome:  OutcomeSuccess,
				Attempts: attempt,
				Detail:   last.Detail,
			}
		case OutcomePermanentFailure:
			u.logger.Errorf("Chunk %d/%d rejected: %v", chunk.Index+1, file.ChunkCount, last.Err)
			return ChunkOutcome{
				Index:    chunk.Index,
				Outcome:  OutcomePermanentFailure,
				Attempts: attempt,
				Detail:   last.Detail,
				Err:      last.Err,
			}
		}
	}

	u.logger.Errorf("Chunk %d/%d failed after %d attempts: %v", chunk.Index+1, file.ChunkCount, maxAttempts, last.Err)

	return ChunkOutcome{
		Index:    chunk.Index,
		Outcome:  OutcomeTransientFailure,
		Attempts: maxAttempts,
		Detail:   last.Detail,
		Err:      fmt.Errorf("chunk %d failed after %d attempts: %w", chunk.Index+1, maxAttempts, last.Err),
	}
}

func (u *Uploader) attempt(ctx context.Context, file chunkplan.FileDescriptor, provider ChunkProvider, chunk chunkplan.ChunkDescriptor, attempt, maxAttempts int) AttemptResult {
	data, err := provider.ReadChunk(chunk)
	if err != nil {
		return Permanent(chunk.Index, fmt.Errorf("get chunk %d: %w", chunk.Index+1, err))
	}

	u.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
		chunk.Index+1, file.ChunkCount, attempt, maxAttempts,
		u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

	start := time.Now()
	// In-flight sends outlive the upload context; only hung detection cancels them.
	attemptCtx, cancelAttempt := context.WithCancel(context.WithoutCancel(ctx))

	// No hung detection on the last attempt
	if attempt < maxAttempts && u.config.HungThreshold > 0 {
		go u.detectHungUpload(attemptCtx, cancelAttempt, start, chunk.Index)
	}

	result := u.transport.Send(attemptCtx, file, chunk, data)
	hung := attemptCtx.Err() != nil
	cancelAttempt()

	result.ChunkIndex = chunk.Index
	if result.Outcome == OutcomeSuccess {
		took := time.Since(start)
		u.stats.Update(took)
		u.logger.Debugf("Chunk %d/%d uploaded in %v", chunk.Index+1, file.ChunkCount, took.Round(time.Millisecond))
		return result
	}

	if hung {
		result.Outcome = OutcomeTransientFailure
		if result.Err == nil {
			result.Err = fmt.Errorf("chunk %d attempt cancelled as hung", chunk.Index+1)
		}
	}

	return result
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

// jobState collects the final outcome of every chunk of one upload call.
type jobState struct {
	mu       sync.Mutex
	outcomes []ChunkOutcome
}

func newJobState(size int) *jobState {
	return &jobState{outcomes: make([]ChunkOutcome, 0, size)}
}

func (s *jobState) record(outcome ChunkOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}

func (s *jobState) result(fileID string, took time.Duration) *UploadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := make([]ChunkOutcome, len(s.outcomes))
	copy(chunks, s.outcomes)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	failed := make([]int, 0)
	for _, c := range chunks {
		if c.Outcome != OutcomeSuccess {
			failed = append(failed, c.Index)
		}
	}

	return &UploadResult{
		FileID:       fileID,
		Success:      len(failed) == 0,
		FailedChunks: failed,
		Chunks:       chunks,
		Duration:     took,
	}
}

func planFor(file chunkplan.FileDescriptor) ([]chunkplan.ChunkDescriptor, error) {
	chunks, err := file.Chunks()
	if err != nil {
		return nil, fmt.Errorf("plan chunks of %s: %w", file.FileName, err)
	}
	if len(chunks) != file.ChunkCount {
		return nil, fmt.Errorf("chunk count mismatch: plan has %d chunks, descriptor has %d: %w",
			len(chunks), file.ChunkCount, chunkplan.ErrInvalidArgument)
	}
	return chunks, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
