// Package network implements the remote side of a document upload: chunk transports
// for the document service and for S3, and the service API client.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	uploadPath   = "/api/upload"
	killTaskPath = "/llm/kill_task"
)

type stopJobRequest struct {
	ChatID string `json:"chat_id"`
}

type stopJobResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client talks to the document service API outside of chunk uploads.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient creates an API client with the retrying HTTP client of go-utils.
func NewClient(baseURL, accessToken string, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.CheckRetry = createCustomRetryFunction(logger)

	return newClient(httpClient, baseURL, accessToken, logger)
}

func newClient(httpClient *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     trimBaseURL(baseURL),
		accessToken: accessToken,
		logger:      logger,
	}
}

// StopJob asks the service to stop processing the job. Progress events already
// queued for the job may still arrive on the stream.
func (c *Client) StopJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is empty")
	}

	body, err := json.Marshal(stopJobRequest{ChatID: jobID})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+killTaskPath, body)
	if err != nil {
		return err
	}
	setAuthorization(req, c.accessToken)
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stop job %s: %w", jobID, err)
	}
	defer closeBody(resp.Body, c.logger)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stop job %s: %w", jobID, unwrapError(resp))
	}

	var response stopJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("decode stop job response: %w", err)
	}
	if !response.Success {
		return fmt.Errorf("stop job %s: %s", jobID, response.Message)
	}

	c.logger.Debugf("Stop job %s: %s", jobID, response.Message)

	return nil
}

func createCustomRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}

func trimBaseURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/")
}

func setAuthorization(req *retryablehttp.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
}

func closeBody(body io.ReadCloser, logger log.Logger) {
	if err := body.Close(); err != nil {
		logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("HTTP %d: failed to read response body: %w", resp.StatusCode, err)
	}

	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
