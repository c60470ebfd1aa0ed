// Package chunkplan splits a file of known size into an ordered, gap-free list of byte ranges.
// Planning is pure: the same inputs always produce the same plan, so a plan can be recomputed at any time.
package chunkplan

import (
	"errors"
	"fmt"
)

const (
	// MinChunkSize is the part size the processing service itself uses when assembling uploads.
	MinChunkSize int64 = 5 * 1024 * 1024
	// MaxChunkSize caps OptimalChunkSize.
	MaxChunkSize int64 = 100 * 1024 * 1024
)

// ErrInvalidArgument is returned for plan inputs that cannot describe a file.
var ErrInvalidArgument = errors.New("invalid argument")

// FileDescriptor describes one file to be uploaded in chunks.
type FileDescriptor struct {
	FileID     string
	FileName   string
	TotalSize  int64
	ChunkSize  int64
	ChunkCount int
}

// ChunkDescriptor is the half-open byte range [Start, End) of the chunk at Index.
type ChunkDescriptor struct {
	Index int
	Start int64
	End   int64
}

// Size returns the number of bytes in the chunk.
func (c ChunkDescriptor) Size() int64 {
	return c.End - c.Start
}

// NewFileDescriptor validates the sizes and computes the chunk count.
func NewFileDescriptor(fileID, fileName string, totalSize, chunkSize int64) (FileDescriptor, error) {
	if err := validate(totalSize, chunkSize); err != nil {
		return FileDescriptor{}, err
	}

	return FileDescriptor{
		FileID:     fileID,
		FileName:   fileName,
		TotalSize:  totalSize,
		ChunkSize:  chunkSize,
		ChunkCount: chunkCount(totalSize, chunkSize),
	}, nil
}

// Chunks returns the plan of the file.
func (f FileDescriptor) Chunks() ([]ChunkDescriptor, error) {
	return Plan(f.TotalSize, f.ChunkSize)
}

// Plan splits [0, totalSize) into ceil(totalSize/chunkSize) ranges ordered by index.
// Only the last range may be shorter than chunkSize. An empty file has an empty plan.
func Plan(totalSize, chunkSize int64) ([]ChunkDescriptor, error) {
	if err := validate(totalSize, chunkSize); err != nil {
		return nil, err
	}

	count := chunkCount(totalSize, chunkSize)
	chunks := make([]ChunkDescriptor, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := totalSize
		if totalSize-start > chunkSize {
			end = start + chunkSize
		}
		chunks = append(chunks, ChunkDescriptor{Index: i, Start: start, End: end})
	}

	return chunks, nil
}

// OptimalChunkSize picks a chunk size that spreads totalSize over the workers,
// clamped to [MinChunkSize, MaxChunkSize].
func OptimalChunkSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}

	cs := totalSize / int64(concurrency)

	// Halve very large chunks so retries stay cheap
	if cs >= MaxChunkSize {
		cs = cs / 2
	}

	if cs < MinChunkSize {
		cs = MinChunkSize
	}

	if cs > MaxChunkSize {
		cs = MaxChunkSize
	}

	return cs
}

func validate(totalSize, chunkSize int64) error {
	if totalSize < 0 {
		return fmt.Errorf("total size %d must not be negative: %w", totalSize, ErrInvalidArgument)
	}
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size %d must be positive: %w", chunkSize, ErrInvalidArgument)
	}
	return nil
}

func chunkCount(totalSize, chunkSize int64) int {
	count := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		count++
	}
	return int(count)
}
