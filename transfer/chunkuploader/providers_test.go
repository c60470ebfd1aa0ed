package chunkuploader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structllm/go-docflow/transfer/chunkplan"
)

func TestFileChunkProvider(t *testing.T) {
	data := []byte("0123456789abcdefghij-xyz")
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	provider, err := NewFileChunkProvider(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, provider.Close()) }()

	assert.Equal(t, int64(len(data)), provider.Size())

	chunks, err := chunkplan.Plan(provider.Size(), 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	var joined []byte
	for _, chunk := range chunks {
		part, err := provider.ReadChunk(chunk)
		require.NoError(t, err)
		assert.Len(t, part, int(chunk.Size()))
		joined = append(joined, part...)
	}
	assert.Equal(t, data, joined)

	// Reads are repeatable for retries.
	again, err := provider.ReadChunk(chunks[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghij"), again)
}

func TestFileChunkProvider_OutOfBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	provider, err := NewFileChunkProvider(path)
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.ReadChunk(chunkplan.ChunkDescriptor{Index: 0, Start: 0, End: 10})
	assert.Error(t, err)
}

func TestNewFileChunkProvider_MissingFile(t *testing.T) {
	_, err := NewFileChunkProvider(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func TestBytesChunkProvider(t *testing.T) {
	provider := NewBytesChunkProvider([]byte("hello world"))
	assert.Equal(t, int64(11), provider.Size())

	part, err := provider.ReadChunk(chunkplan.ChunkDescriptor{Index: 1, Start: 6, End: 11})
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), part)

	_, err = provider.ReadChunk(chunkplan.ChunkDescriptor{Index: 2, Start: 6, End: 12})
	assert.Error(t, err)
}
