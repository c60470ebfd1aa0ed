package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structllm/go-docflow/transfer/chunkplan"
	"github.com/structllm/go-docflow/transfer/chunkuploader"
	"github.com/structllm/go-docflow/transfer/stream"
)

type recordingTransport struct {
	mu sync.Mutex
	// received holds the assembled bytes per file name.
	received map[string]map[int][]byte
	attempts map[string]map[int]int
	// failFirst makes the first attempt of these chunk indices fail transiently.
	failFirst map[int]bool
	// rejected chunk indices fail permanently on every attempt.
	rejected map[int]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		received:  map[string]map[int][]byte{},
		attempts:  map[string]map[int]int{},
		failFirst: map[int]bool{},
		rejected:  map[int]bool{},
	}
}

func (r *recordingTransport) Send(_ context.Context, file chunkplan.FileDescriptor, chunk chunkplan.ChunkDescriptor, data []byte) chunkuploader.AttemptResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attempts[file.FileName] == nil {
		r.attempts[file.FileName] = map[int]int{}
		r.received[file.FileName] = map[int][]byte{}
	}
	r.attempts[file.FileName][chunk.Index]++

	if r.rejected[chunk.Index] {
		return chunkuploader.Permanent(chunk.Index, errors.New("HTTP 400: rejected"))
	}
	if r.failFirst[chunk.Index] && r.attempts[file.FileName][chunk.Index] == 1 {
		return chunkuploader.Transient(chunk.Index, errors.New("HTTP 503: unavailable"))
	}

	r.received[file.FileName][chunk.Index] = append([]byte(nil), data...)
	return chunkuploader.Success(chunk.Index, "ok")
}

func (r *recordingTransport) assembled(name string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var indices []int
	for i := range r.received[name] {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var buf bytes.Buffer
	for _, i := range indices {
		buf.Write(r.received[name][i])
	}
	return buf.Bytes()
}

type sessionTransport struct {
	*recordingTransport
	begun, completed, aborted []string
}

func (s *sessionTransport) Begin(_ context.Context, file chunkplan.FileDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun = append(s.begun, file.FileName)
	return nil
}

func (s *sessionTransport) Complete(_ context.Context, file chunkplan.FileDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, file.FileName)
	return nil
}

func (s *sessionTransport) Abort(_ context.Context, file chunkplan.FileDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, file.FileName)
	return nil
}

type eventSource struct {
	events  []stream.Event
	openedJ []string
}

func (s *eventSource) Open(_ context.Context, jobID, _ string) (stream.Connection, error) {
	s.openedJ = append(s.openedJ, jobID)
	return &eventConnection{events: s.events}, nil
}

type eventConnection struct {
	events []stream.Event
}

func (c *eventConnection) Next(context.Context) (stream.Event, error) {
	if len(c.events) == 0 {
		return stream.Event{}, io.EOF
	}
	event := c.events[0]
	c.events = c.events[1:]
	return event, nil
}

func (c *eventConnection) Close() error { return nil }

func newTestSubmitter(t *testing.T, transport chunkuploader.ChunkTransport, modify func(*SubmitterParams)) *Submitter {
	params := SubmitterParams{
		Transports: func(context.Context, string) (chunkuploader.ChunkTransport, error) {
			return transport, nil
		},
		Uploader:        chunkuploader.Config{Concurrency: 2},
		ChunkSize:       4,
		FileParallelism: 2,
	}
	if modify != nil {
		modify(&params)
	}

	submitter, err := NewSubmitter(params, pathutil.NewPathChecker(), pathutil.NewPathModifier(), log.NewLogger())
	require.NoError(t, err)
	return submitter
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSubmit_UploadsEveryFile(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf", "0123456789")
	b := writeFile(t, dir, "b.pdf", "abcdefgh")

	transport := newRecordingTransport()
	submitter := newTestSubmitter(t, transport, nil)

	result, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job-1", Paths: []string{a, b}})
	require.NoError(t, err)

	assert.Equal(t, "job-1", result.JobID)
	assert.True(t, result.Success())
	require.Len(t, result.Files, 2)
	assert.Equal(t, 3, result.Files[0].File.ChunkCount)
	assert.Equal(t, 2, result.Files[1].File.ChunkCount)
	assert.NotEqual(t, result.Files[0].File.FileID, result.Files[1].File.FileID)

	assert.Equal(t, []byte("0123456789"), transport.assembled("a.pdf"))
	assert.Equal(t, []byte("abcdefgh"), transport.assembled("b.pdf"))
}

func TestSubmit_GeneratesJobID(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf", "content")

	var gotJobID string
	transport := newRecordingTransport()
	submitter := newTestSubmitter(t, transport, func(p *SubmitterParams) {
		p.Transports = func(_ context.Context, jobID string) (chunkuploader.ChunkTransport, error) {
			gotJobID = jobID
			return transport, nil
		}
	})

	result, err := submitter.Submit(context.Background(), SubmitInput{Paths: []string{a}})
	require.NoError(t, err)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, result.JobID, gotJobID)
}

func TestSubmit_ResolvesGlobPatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "docs/a.pdf", "aaaa")
	writeFile(t, dir, "docs/nested/b.pdf", "bbbb")
	writeFile(t, dir, "docs/notes.txt", "skip")

	transport := newRecordingTransport()
	submitter := newTestSubmitter(t, transport, nil)

	result, err := submitter.Submit(context.Background(), SubmitInput{
		JobID: "job",
		Paths: []string{filepath.Join(dir, "docs/**/*.pdf"), filepath.Join(dir, "missing/*.pdf")},
	})
	require.NoError(t, err)

	var names []string
	for _, f := range result.Files {
		names = append(names, f.File.FileName)
	}
	assert.ElementsMatch(t, []string{"a.pdf", "b.pdf"}, names)
}

func TestSubmit_SkipsMissingAndDuplicatePaths(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf", "aaaa")

	transport := newRecordingTransport()
	submitter := newTestSubmitter(t, transport, nil)

	result, err := submitter.Submit(context.Background(), SubmitInput{
		JobID: "job",
		Paths: []string{a, a, filepath.Join(dir, "missing.pdf"), dir},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, a, result.Files[0].Path)
}

func TestSubmit_NoInputs(t *testing.T) {
	submitter := newTestSubmitter(t, newRecordingTransport(), nil)

	_, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{filepath.Join(t.TempDir(), "none.pdf")}})
	assert.Error(t, err)
}

func TestSubmit_EmptyFile(t *testing.T) {
	empty := writeFile(t, t.TempDir(), "empty.pdf", "")
	submitter := newTestSubmitter(t, newRecordingTransport(), nil)

	_, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{empty}})
	assert.Error(t, err)
}

func TestSubmit_FailedChunksAreReported(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "0123456789")

	transport := newRecordingTransport()
	transport.rejected[1] = true
	submitter := newTestSubmitter(t, transport, nil)

	result, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a}, Follow: true})
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.False(t, result.Success())
	assert.Equal(t, []int{1}, result.Files[0].Result.FailedChunks)
}

func TestSubmit_ResubmitsTransientFailures(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "0123456789")

	transport := newRecordingTransport()
	transport.failFirst[0] = true
	transport.failFirst[2] = true
	submitter := newTestSubmitter(t, transport, func(p *SubmitterParams) {
		p.ResubmitPasses = 1
	})

	result, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a}})
	require.NoError(t, err)

	upload := result.Files[0].Result
	assert.True(t, upload.Success)
	assert.Empty(t, upload.FailedChunks)
	require.Len(t, upload.Chunks, 3)
	assert.Equal(t, 2, upload.Chunks[0].Attempts)
	assert.Equal(t, 1, upload.Chunks[1].Attempts)
	assert.Equal(t, 2, upload.Chunks[2].Attempts)
	assert.Equal(t, []byte("0123456789"), transport.assembled("a.pdf"))
}

func TestSubmit_ReportsUploadStats(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "0123456789")

	transport := newRecordingTransport()
	transport.failFirst[0] = true
	transport.failFirst[1] = true
	submitter := newTestSubmitter(t, transport, func(p *SubmitterParams) {
		p.Uploader = chunkuploader.Config{Concurrency: 2, MaxRetries: 1}
	})

	result, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a}})
	require.NoError(t, err)

	report := result.Files[0]
	assert.Equal(t, int64(2), report.Retries)
	assert.Positive(t, int64(report.SendTime))
}

func TestSubmit_WithoutResubmitTransientFailuresRemain(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "0123456789")

	transport := newRecordingTransport()
	transport.failFirst[2] = true
	submitter := newTestSubmitter(t, transport, nil)

	result, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a}})
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, []int{2}, result.Files[0].Result.FailedChunks)
}

func TestSubmit_MultipartSession(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf", "0123456789")
	b := writeFile(t, dir, "b.pdf", "abcdefgh")

	transport := &sessionTransport{recordingTransport: newRecordingTransport()}
	transport.rejected[2] = true
	submitter := newTestSubmitter(t, transport, func(p *SubmitterParams) {
		p.FileParallelism = 1
	})

	_, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a, b}})
	require.ErrorIs(t, err, ErrUploadFailed)

	assert.ElementsMatch(t, []string{"a.pdf", "b.pdf"}, transport.begun)
	assert.Equal(t, []string{"b.pdf"}, transport.completed)
	assert.Equal(t, []string{"a.pdf"}, transport.aborted)
}

func TestSubmit_FollowsStreamUntilTerminal(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "content")

	source := &eventSource{events: []stream.Event{
		{ID: "1-0", Data: []byte(`{"message":"parsing"}`)},
		{ID: "2-0", Data: []byte(`{"message":"done","isFinished":"True"}`)},
		{ID: "3-0", Data: []byte(`{"message":"never delivered"}`)},
	}}
	consumer := stream.NewConsumer(source, stream.FixedDelay(0), log.NewLogger())

	transport := newRecordingTransport()
	submitter := newTestSubmitter(t, transport, func(p *SubmitterParams) {
		p.Consumer = consumer
	})

	var received []string
	result, err := submitter.Submit(context.Background(), SubmitInput{
		JobID:   "job-7",
		Paths:   []string{a},
		Follow:  true,
		OnEvent: func(e stream.Event) { received = append(received, e.ID) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1-0", "2-0"}, received)
	assert.Equal(t, []string{"job-7"}, source.openedJ)
	assert.Equal(t, stream.ReasonTerminal, result.Reason)
	assert.Equal(t, stream.Cursor{JobID: "job-7", LastID: "2-0"}, result.Cursor)
}

func TestSubmit_DefaultEventLogging(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "content")

	source := &eventSource{events: []stream.Event{
		{ID: "1-0", Data: []byte(`not json`)},
		{ID: "2-0", Type: "done", Data: []byte(`{"message":"finished"}`)},
	}}
	submitter := newTestSubmitter(t, newRecordingTransport(), func(p *SubmitterParams) {
		p.Consumer = stream.NewConsumer(source, nil, log.NewLogger())
	})

	result, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a}, Follow: true})
	require.NoError(t, err)
	assert.Equal(t, stream.ReasonTerminal, result.Reason)
}

func TestSubmit_AutoChunkSize(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "0123456789")

	submitter := newTestSubmitter(t, newRecordingTransport(), func(p *SubmitterParams) {
		p.AutoChunkSize = true
	})

	result, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a}})
	require.NoError(t, err)
	assert.Equal(t, int64(chunkplan.MinChunkSize), result.Files[0].File.ChunkSize)
	assert.Equal(t, 1, result.Files[0].File.ChunkCount)
}

func TestSubmit_TransportFactoryError(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.pdf", "content")
	submitter := newTestSubmitter(t, nil, func(p *SubmitterParams) {
		p.Transports = func(context.Context, string) (chunkuploader.ChunkTransport, error) {
			return nil, fmt.Errorf("no credentials")
		}
	})

	_, err := submitter.Submit(context.Background(), SubmitInput{JobID: "job", Paths: []string{a}})
	assert.ErrorContains(t, err, "no credentials")
}

func TestNewSubmitter_Validation(t *testing.T) {
	_, err := NewSubmitter(SubmitterParams{ChunkSize: 4}, pathutil.NewPathChecker(), pathutil.NewPathModifier(), log.NewLogger())
	assert.Error(t, err)

	_, err = NewSubmitter(SubmitterParams{
		Transports: func(context.Context, string) (chunkuploader.ChunkTransport, error) { return nil, nil },
	}, pathutil.NewPathChecker(), pathutil.NewPathModifier(), log.NewLogger())
	assert.ErrorIs(t, err, chunkplan.ErrInvalidArgument)
}

func TestMergeResults(t *testing.T) {
	base := &chunkuploader.UploadResult{
		FileID: "f",
		Chunks: []chunkuploader.ChunkOutcome{
			{Index: 0, Outcome: chunkuploader.OutcomeSuccess, Attempts: 1},
			{Index: 1, Outcome: chunkuploader.OutcomeTransientFailure, Attempts: 4},
			{Index: 2, Outcome: chunkuploader.OutcomePermanentFailure, Attempts: 1},
		},
	}
	retried := &chunkuploader.UploadResult{
		FileID: "f",
		Chunks: []chunkuploader.ChunkOutcome{{Index: 1, Outcome: chunkuploader.OutcomeSuccess, Attempts: 1}},
	}

	merged := mergeResults(base, retried)
	assert.False(t, merged.Success)
	assert.Equal(t, []int{2}, merged.FailedChunks)
	assert.Equal(t, 5, merged.Chunks[1].Attempts)
	assert.Equal(t, []int{1}, transientChunks(base))
}
