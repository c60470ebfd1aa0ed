// Package transfer submits documents to the processing service: it resolves the
// inputs, uploads every file in chunks and follows the progress stream of the job.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/structllm/go-docflow/envconf"
	"github.com/structllm/go-docflow/transfer/chunkplan"
	"github.com/structllm/go-docflow/transfer/chunkuploader"
	"github.com/structllm/go-docflow/transfer/stream"
	"golang.org/x/sync/errgroup"
)

// ErrUploadFailed is returned by Submit when at least one file was not fully uploaded.
var ErrUploadFailed = errors.New("upload failed")

// TransportFactory creates the chunk transport of a job.
type TransportFactory func(ctx context.Context, jobID string) (chunkuploader.ChunkTransport, error)

// MultipartSession is implemented by transports that assemble the file remotely
// and need an explicit start and finish, like network.S3Transport.
type MultipartSession interface {
	Begin(ctx context.Context, file chunkplan.FileDescriptor) error
	Complete(ctx context.Context, file chunkplan.FileDescriptor) error
	Abort(ctx context.Context, file chunkplan.FileDescriptor) error
}

// SubmitterParams ...
type SubmitterParams struct {
	Transports TransportFactory
	Uploader   chunkuploader.Config
	ChunkSize  int64
	// AutoChunkSize sizes the chunks of every file to spread it over the upload workers
	// instead of using ChunkSize.
	AutoChunkSize bool
	// FileParallelism bounds how many files upload at the same time. Default: 1
	FileParallelism int
	// ResubmitPasses is how many times chunks that still failed transiently are sent
	// again once the whole file went through the uploader.
	ResubmitPasses int
	Files          envconf.FileProvider
	// Consumer follows the job stream; nil disables following.
	Consumer *stream.Consumer
}

// SubmitInput ...
type SubmitInput struct {
	// JobID groups the files on the server; a new ID is generated when empty.
	JobID string
	// Paths are local paths, doublestar patterns, file:// or http(s) URLs.
	Paths []string
	// Follow subscribes to the job stream after every file was uploaded.
	Follow     bool
	FromCursor string
	// OnEvent receives the stream events; by default they are logged.
	OnEvent stream.Handler
}

// FileReport is the upload outcome of one input file.
type FileReport struct {
	Path   string
	File   chunkplan.FileDescriptor
	Result *chunkuploader.UploadResult
	// SendTime is the time spent in successful chunk attempts, summed over the workers.
	SendTime time.Duration
	Retries  int64
}

// SubmitResult ...
type SubmitResult struct {
	JobID  string
	Files  []FileReport
	Cursor stream.Cursor
	Reason stream.CloseReason
}

// Success reports whether every file was uploaded.
func (r SubmitResult) Success() bool {
	for _, f := range r.Files {
		if f.Result == nil || !f.Result.Success {
			return false
		}
	}
	return true
}

// Submitter ...
type Submitter struct {
	params       SubmitterParams
	pathChecker  pathutil.PathChecker
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewSubmitter ...
func NewSubmitter(params SubmitterParams, pathChecker pathutil.PathChecker, pathModifier pathutil.PathModifier, logger log.Logger) (*Submitter, error) {
	if params.Transports == nil {
		return nil, fmt.Errorf("transport factory must not be nil")
	}
	if params.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size %d must be positive: %w", params.ChunkSize, chunkplan.ErrInvalidArgument)
	}
	if params.FileParallelism < 1 {
		params.FileParallelism = 1
	}
	if params.ResubmitPasses < 0 {
		params.ResubmitPasses = 0
	}

	return &Submitter{
		params:       params,
		pathChecker:  pathChecker,
		pathModifier: pathModifier,
		logger:       logger,
	}, nil
}

// Submit uploads the inputs as one job and, when requested, follows its progress
// stream until the terminal event. Chunk failures do not stop the other files;
// they are reported in the result and turn the returned error into ErrUploadFailed.
func (s *Submitter) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	jobID := input.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	result := SubmitResult{JobID: jobID}

	s.logger.Println()
	s.logger.Infof("Resolving inputs")
	paths, err := s.resolvePaths(ctx, input.Paths)
	if err != nil {
		return result, fmt.Errorf("resolve inputs: %w", err)
	}
	if len(paths) == 0 {
		return result, fmt.Errorf("no input files found")
	}
	s.logger.Donef("%d file(s) to upload for job %s", len(paths), jobID)

	transport, err := s.params.Transports(ctx, jobID)
	if err != nil {
		return result, fmt.Errorf("create transport: %w", err)
	}

	reports := make([]FileReport, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.params.FileParallelism)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			report, err := s.uploadFile(gctx, transport, path)
			reports[i] = report
			return err
		})
	}
	err = g.Wait()
	result.Files = reports
	if err != nil {
		return result, err
	}

	s.printSummary(reports)

	if !result.Success() {
		return result, ErrUploadFailed
	}

	if !input.Follow || s.params.Consumer == nil {
		return result, nil
	}

	handler := input.OnEvent
	if handler == nil {
		handler = s.logEvent
	}

	s.logger.Println()
	s.logger.Infof("Following job %s", jobID)
	sub := s.params.Consumer.Subscribe(ctx, jobID, handler, input.FromCursor)
	<-sub.Done()

	result.Cursor = sub.Cursor()
	result.Reason = sub.Reason()
	if result.Reason == stream.ReasonTerminal {
		s.logger.Donef("Job %s finished", jobID)
	}

	return result, ctx.Err()
}

func (s *Submitter) uploadFile(ctx context.Context, transport chunkuploader.ChunkTransport, path string) (FileReport, error) {
	report := FileReport{Path: path}

	provider, err := chunkuploader.NewFileChunkProvider(path)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			s.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	if provider.Size() == 0 {
		return report, fmt.Errorf("%s is empty", path)
	}

	chunkSize := s.params.ChunkSize
	if s.params.AutoChunkSize {
		chunkSize = chunkplan.OptimalChunkSize(provider.Size(), s.params.Uploader.Concurrency)
	}

	file, err := chunkplan.NewFileDescriptor(uuid.NewString(), filepath.Base(path), provider.Size(), chunkSize)
	if err != nil {
		return report, err
	}
	report.File = file

	s.logger.Infof("Uploading %s (%s, %d chunk(s))", file.FileName, units.HumanSize(float64(file.TotalSize)), file.ChunkCount)

	session, isSession := transport.(MultipartSession)
	if isSession {
		if err := session.Begin(ctx, file); err != nil {
			return report, fmt.Errorf("start upload of %s: %w", file.FileName, err)
		}
	}

	uploader := chunkuploader.New(s.params.Uploader, transport, s.logger)
	result, err := uploader.Upload(ctx, file, provider)
	if err == nil {
		result, err = s.resubmit(ctx, uploader, file, provider, result)
	}
	report.Result = result
	report.SendTime = uploader.Stats().TotalDuration()
	report.Retries = uploader.Stats().RetryCount()

	if isSession {
		if err == nil && result.Success {
			if cerr := session.Complete(ctx, file); cerr != nil {
				return report, fmt.Errorf("finish upload of %s: %w", file.FileName, cerr)
			}
		} else if aerr := session.Abort(context.Background(), file); aerr != nil {
			s.logger.Warnf("Failed to abort upload of %s: %s", file.FileName, aerr)
		}
	}

	return report, err
}

// resubmit sends the transiently failed chunks again, up to ResubmitPasses times.
func (s *Submitter) resubmit(ctx context.Context, uploader *chunkuploader.Uploader, file chunkplan.FileDescriptor, provider chunkuploader.ChunkProvider, result *chunkuploader.UploadResult) (*chunkuploader.UploadResult, error) {
	for pass := 1; pass <= s.params.ResubmitPasses; pass++ {
		retryable := transientChunks(result)
		if len(retryable) == 0 {
			return result, nil
		}

		s.logger.Warnf("Resubmitting %d chunk(s) of %s (pass %d/%d)", len(retryable), file.FileName, pass, s.params.ResubmitPasses)
		retried, err := uploader.UploadChunks(ctx, file, provider, retryable)
		if retried != nil {
			result = mergeResults(result, retried)
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func transientChunks(result *chunkuploader.UploadResult) []int {
	var indices []int
	for _, c := range result.Chunks {
		if c.Outcome == chunkuploader.OutcomeTransientFailure {
			indices = append(indices, c.Index)
		}
	}
	return indices
}

func mergeResults(base, retried *chunkuploader.UploadResult) *chunkuploader.UploadResult {
	byIndex := make(map[int]chunkuploader.ChunkOutcome, len(base.Chunks))
	for _, c := range base.Chunks {
		byIndex[c.Index] = c
	}
	for _, c := range retried.Chunks {
		prev := byIndex[c.Index]
		c.Attempts += prev.Attempts
		byIndex[c.Index] = c
	}

	merged := &chunkuploader.UploadResult{
		FileID:       base.FileID,
		FailedChunks: make([]int, 0),
		Duration:     base.Duration + retried.Duration,
	}
	for _, c := range byIndex {
		merged.Chunks = append(merged.Chunks, c)
	}
	sort.Slice(merged.Chunks, func(i, j int) bool { return merged.Chunks[i].Index < merged.Chunks[j].Index })
	for _, c := range merged.Chunks {
		if c.Outcome != chunkuploader.OutcomeSuccess {
			merged.FailedChunks = append(merged.FailedChunks, c.Index)
		}
	}
	merged.Success = len(merged.FailedChunks) == 0

	return merged
}

func (s *Submitter) resolvePaths(ctx context.Context, inputs []string) ([]string, error) {
	var expanded []string
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if envconf.IsRemote(input) || strings.HasPrefix(input, "file://") {
			if s.params.Files == nil {
				return nil, fmt.Errorf("no file provider to resolve %s", input)
			}
			local, err := s.params.Files.LocalPath(ctx, input)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, local)
			continue
		}

		if !strings.Contains(input, "*") {
			expanded = append(expanded, input)
			continue
		}

		base, pattern := doublestar.SplitPattern(input)
		absBase, err := s.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
		if err != nil {
			s.logger.Warnf("Error in path pattern '%s': %s", input, err)
			continue
		}
		if len(matches) == 0 {
			s.logger.Warnf("No match for path pattern: %s", input)
			continue
		}
		for _, match := range matches {
			expanded = append(expanded, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var final []string
	for _, path := range expanded {
		absPath, err := s.pathModifier.AbsPath(path)
		if err != nil {
			s.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := s.pathChecker.IsPathExists(absPath)
		if err != nil {
			s.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			s.logger.Warnf("Input doesn't exist: %s", path)
			continue
		}

		info, err := os.Stat(absPath)
		if err != nil || info.IsDir() {
			s.logger.Debugf("Skipping %s: not a regular file", absPath)
			continue
		}

		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		final = append(final, absPath)
	}

	return final, nil
}

func (s *Submitter) printSummary(reports []FileReport) {
	s.logger.Println()
	var total int64
	var took, sending time.Duration
	for _, r := range reports {
		if r.Result == nil {
			continue
		}
		total += r.File.TotalSize
		took += r.Result.Duration
		sending += r.SendTime
		if r.Result.Success {
			s.logger.Donef("%s: %d chunk(s) uploaded in %s (%d retries)", r.File.FileName, r.File.ChunkCount, r.Result.Duration.Round(time.Millisecond), r.Retries)
		} else {
			s.logger.Errorf("%s: chunks %v failed", r.File.FileName, r.Result.FailedChunks)
		}
	}
	s.logger.Infof("Transferred %s across %d file(s), %s upload time, %s spent sending chunks",
		units.HumanSize(float64(total)), len(reports), took.Round(time.Millisecond), sending.Round(time.Millisecond))
}

func (s *Submitter) logEvent(event stream.Event) {
	message := string(event.Data)
	var payload map[string]interface{}
	if json.Unmarshal(event.Data, &payload) == nil {
		if m, ok := payload["message"].(string); ok {
			message = m
		}
	}

	if event.Terminal {
		s.logger.Donef("%s", message)
		return
	}
	s.logger.Printf("%s", message)
}
