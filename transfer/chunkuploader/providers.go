package chunkuploader

import (
	"fmt"
	"io"
	"os"

	"github.com/structllm/go-docflow/transfer/chunkplan"
)

// FileChunkProvider reads chunks from a file on disk.
// Reads go through ReadAt, so parallel chunk reads need no locking.
type FileChunkProvider struct {
	file *os.File
	size int64
}

// NewFileChunkProvider opens the file at path for chunked reads.
func NewFileChunkProvider(path string) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkProvider{
		file: file,
		size: info.Size(),
	}, nil
}

// Size returns the file size at open time.
func (p *FileChunkProvider) Size() int64 {
	return p.size
}

// ReadChunk reads the byte range of the chunk into memory so the attempt can be retried.
func (p *FileChunkProvider) ReadChunk(chunk chunkplan.ChunkDescriptor) ([]byte, error) {
	return readSection(p.file, p.size, chunk)
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// BytesChunkProvider serves chunks from an in-memory buffer.
type BytesChunkProvider struct {
	data []byte
}

// NewBytesChunkProvider creates a ChunkProvider over data.
func NewBytesChunkProvider(data []byte) *BytesChunkProvider {
	return &BytesChunkProvider{data: data}
}

// Size returns the buffer length.
func (p *BytesChunkProvider) Size() int64 {
	return int64(len(p.data))
}

// ReadChunk returns the slice of the buffer covered by the chunk.
func (p *BytesChunkProvider) ReadChunk(chunk chunkplan.ChunkDescriptor) ([]byte, error) {
	if chunk.Start < 0 || chunk.End > int64(len(p.data)) || chunk.Start > chunk.End {
		return nil, fmt.Errorf("chunk %d range [%d, %d) out of bounds [0, %d)", chunk.Index, chunk.Start, chunk.End, len(p.data))
	}
	return p.data[chunk.Start:chunk.End], nil
}

func readSection(r io.ReaderAt, size int64, chunk chunkplan.ChunkDescriptor) ([]byte, error) {
	if chunk.Start < 0 || chunk.End > size || chunk.Start > chunk.End {
		return nil, fmt.Errorf("chunk %d range [%d, %d) out of bounds [0, %d)", chunk.Index, chunk.Start, chunk.End, size)
	}

	data := make([]byte, chunk.Size())
	n, err := r.ReadAt(data, chunk.Start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", chunk.Index, err)
	}
	if int64(n) != chunk.Size() {
		return nil, fmt.Errorf("read chunk %d: short read, expected %d bytes, got %d", chunk.Index, chunk.Size(), n)
	}

	return data, nil
}
