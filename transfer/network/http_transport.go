package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/structllm/go-docflow/transfer/chunkplan"
	"github.com/structllm/go-docflow/transfer/chunkuploader"
)

// HTTPTransportParams ...
type HTTPTransportParams struct {
	APIBaseURL string
	Token      string
	// JobID is sent as chat_id; the server groups the files of a job under it.
	JobID string
}

type uploadResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	FileID      string `json:"file_id"`
	Progress    string `json:"progress"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	TaskID      string `json:"task_id"`
}

// HTTPTransport sends each chunk as a multipart form to the document service.
type HTTPTransport struct {
	httpClient *retryablehttp.Client
	url        string
	token      string
	jobID      string
	logger     log.Logger
}

// NewHTTPTransport creates an HTTPTransport. The underlying client makes exactly one
// request per Send; retrying is left to the chunk uploader.
func NewHTTPTransport(params HTTPTransportParams, logger log.Logger) (*HTTPTransport, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.JobID == "" {
		return nil, fmt.Errorf("job ID is empty")
	}

	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)

	return newHTTPTransport(client, params, logger), nil
}

func newHTTPTransport(client *retryablehttp.Client, params HTTPTransportParams, logger log.Logger) *HTTPTransport {
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPTransport{
		httpClient: client,
		url:        trimBaseURL(params.APIBaseURL) + uploadPath,
		token:      params.Token,
		jobID:      params.JobID,
		logger:     logger,
	}
}

// Send implements chunkuploader.ChunkTransport.
func (t *HTTPTransport) Send(ctx context.Context, file chunkplan.FileDescriptor, chunk chunkplan.ChunkDescriptor, data []byte) chunkuploader.AttemptResult {
	body, contentType, err := t.multipartBody(file, chunk, data)
	if err != nil {
		return chunkuploader.Permanent(chunk.Index, fmt.Errorf("build upload form: %w", err))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
	if err != nil {
		return chunkuploader.Permanent(chunk.Index, fmt.Errorf("create upload request: %w", err))
	}
	setAuthorization(req, t.token)
	req.Header.Set("Content-Type", contentType)

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return classifyRequestError(ctx, chunk.Index, err)
	}
	defer closeBody(resp.Body, t.logger)

	if outcome := classifyStatus(resp); outcome != chunkuploader.OutcomeSuccess {
		return chunkuploader.AttemptResult{
			ChunkIndex: chunk.Index,
			Outcome:    outcome,
			Err:        unwrapError(resp),
		}
	}

	var response uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return chunkuploader.Permanent(chunk.Index, fmt.Errorf("decode upload response: %w", err))
	}
	if !response.Success {
		result := chunkuploader.Permanent(chunk.Index, fmt.Errorf("chunk rejected: %s", response.Message))
		result.Detail = response.Message
		return result
	}

	detail := response.Message
	if response.Progress != "" {
		detail = fmt.Sprintf("%s (%s)", response.Message, response.Progress)
	}

	return chunkuploader.Success(chunk.Index, detail)
}

func (t *HTTPTransport) multipartBody(file chunkplan.FileDescriptor, chunk chunkplan.ChunkDescriptor, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"file_id", file.FileID},
		{"chunk_index", strconv.Itoa(chunk.Index)},
		{"total_chunks", strconv.Itoa(file.ChunkCount)},
		{"chat_id", t.jobID},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	part, err := writer.CreateFormFile("file", file.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

// classifyRequestError maps a failed round trip to an outcome. A cancelled attempt
// is transient; the uploader decides whether the job itself is still running.
func classifyRequestError(ctx context.Context, index int, err error) chunkuploader.AttemptResult {
	wrapped := fmt.Errorf("upload chunk %d: %w", index+1, err)

	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return chunkuploader.Transient(index, wrapped)
	}

	// DefaultRetryPolicy inspects the unwrapped *url.Error.
	if retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), nil, err); retry {
		return chunkuploader.Transient(index, wrapped)
	}

	return chunkuploader.Permanent(index, wrapped)
}

// classifyStatus returns OutcomeSuccess for 2xx. Every 5xx and 429 is transient,
// DefaultRetryPolicy decides the rest.
func classifyStatus(resp *http.Response) chunkuploader.Outcome {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return chunkuploader.OutcomeSuccess
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return chunkuploader.OutcomeTransientFailure
	}

	if retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), resp, nil); retry {
		return chunkuploader.OutcomeTransientFailure
	}

	return chunkuploader.OutcomePermanentFailure
}
