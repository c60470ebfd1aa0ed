// Package chunkuploader uploads the chunks of one file through a bounded worker pool.
// Transient failures are retried with exponential backoff, permanent failures are recorded
// immediately, and the final outcome of every chunk is aggregated into an UploadResult.
package chunkuploader

import (
	"context"
	"fmt"
	"time"

	"github.com/structllm/go-docflow/transfer/chunkplan"
)

// Outcome classifies a single chunk attempt.
type Outcome int

const (
	// OutcomeSuccess means the remote accepted the chunk.
	OutcomeSuccess Outcome = iota
	// OutcomeTransientFailure covers timeouts, connection resets, 5xx and 429; the chunk is retried.
	OutcomeTransientFailure
	// OutcomePermanentFailure covers 4xx, validation and auth rejections; the chunk is not retried.
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient failure"
	case OutcomePermanentFailure:
		return "permanent failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// AttemptResult is what a ChunkTransport reports for one send.
type AttemptResult struct {
	ChunkIndex int
	Outcome    Outcome
	// Detail is a short human readable reason, typically the server message.
	Detail string
	Err    error
}

// Success builds a successful AttemptResult.
func Success(index int, detail string) AttemptResult {
	return AttemptResult{ChunkIndex: index, Outcome: OutcomeSuccess, Detail: detail}
}

// Transient builds a retryable AttemptResult.
func Transient(index int, err error) AttemptResult {
	return AttemptResult{ChunkIndex: index, Outcome: OutcomeTransientFailure, Err: err}
}

// Permanent builds a non-retryable AttemptResult.
func Permanent(index int, err error) AttemptResult {
	return AttemptResult{ChunkIndex: index, Outcome: OutcomePermanentFailure, Err: err}
}

// ChunkTransport sends one chunk to the remote and classifies the outcome.
//
// Send may be called several times for the same chunk index. The remote is assumed
// to overwrite a previously stored chunk with the same index; this is not verified locally.
type ChunkTransport interface {
	Send(ctx context.Context, file chunkplan.FileDescriptor, chunk chunkplan.ChunkDescriptor, data []byte) AttemptResult
}

// ChunkProvider gives access to the bytes of a chunk.
// ReadChunk may be called several times for the same chunk, once per attempt.
type ChunkProvider interface {
	ReadChunk(chunk chunkplan.ChunkDescriptor) ([]byte, error)
}

// ChunkOutcome is the final state of one chunk after all of its attempts.
type ChunkOutcome struct {
	Index    int
	Outcome  Outcome
	Attempts int
	Detail   string
	Err      error
}

// UploadResult aggregates the outcome of every chunk of one file.
type UploadResult struct {
	FileID       string
	Success      bool
	FailedChunks []int
	Chunks       []ChunkOutcome
	Duration     time.Duration
}
