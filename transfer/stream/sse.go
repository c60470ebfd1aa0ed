package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const streamPath = "/llm/stream/"

// SSESource reads job streams over HTTP server-sent events.
type SSESource struct {
	httpClient *retryablehttp.Client
	baseURL    string
	token      string
	logger     log.Logger
}

// NewSSESource creates an SSESource. Each Open makes a single request; reconnecting
// is the Consumer's job.
func NewSSESource(baseURL, token string, logger log.Logger) *SSESource {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Streams stay open for the lifetime of the job.
	client.HTTPClient.Timeout = 0

	return &SSESource{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		logger:     logger,
	}
}

// StreamURL returns the endpoint of the job stream positioned after cursor.
func (s *SSESource) StreamURL(jobID, cursor string) string {
	query := url.Values{}
	query.Set("last_id", cursor)
	return s.baseURL + streamPath + url.PathEscape(jobID) + "?" + query.Encode()
}

// Open implements Source.
func (s *SSESource) Open(ctx context.Context, jobID, cursor string) (Connection, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.StreamURL(jobID, cursor), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Last-Event-ID", cursor)
	if s.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close() //nolint:errcheck
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return &sseConnection{
		body:   resp.Body,
		reader: newEventReader(resp.Body),
		logger: s.logger,
	}, nil
}

type sseConnection struct {
	body   io.ReadCloser
	reader *eventReader
	logger log.Logger
}

func (c *sseConnection) Next(ctx context.Context) (Event, error) {
	event, err := c.reader.Next()
	if err != nil && ctx.Err() != nil {
		return Event{}, ctx.Err()
	}
	if c.reader.retry > 0 {
		c.logger.Debugf("Server suggested a reconnect delay of %s", c.reader.retry)
		c.reader.retry = 0
	}
	return event, err
}

func (c *sseConnection) Close() error {
	return c.body.Close()
}

// eventReader parses a text/event-stream body.
type eventReader struct {
	r *bufio.Reader
	// retry is the last reconnect delay sent by the server.
	retry time.Duration
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(r)}
}

// Next returns the next dispatched event. An event cut off by the end of the body is
// dropped and io.EOF is returned.
func (p *eventReader) Next() (Event, error) {
	var (
		event   Event
		data    bytes.Buffer
		hasData bool
	)

	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			// A trailing line without newline belongs to an incomplete event.
			return Event{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if !hasData {
				// Blank line without data resets the event.
				event = Event{}
				continue
			}
			event.Data = data.Bytes()
			return event, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			event.Type = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				event.ID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				p.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}
