package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// CloseReason tells why a subscription ended.
type CloseReason int

const (
	// ReasonNone is reported while the subscription is still running.
	ReasonNone CloseReason = iota
	// ReasonTerminal means the job stream delivered its terminal event.
	ReasonTerminal
	// ReasonUnsubscribed means Unsubscribe was called or the subscription context ended.
	ReasonUnsubscribed
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "open"
	case ReasonTerminal:
		return "terminal"
	case ReasonUnsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

var errStreamEnded = errors.New("stream ended without a terminal event")

// Option configures a Consumer.
type Option func(*Consumer)

// WithTerminalFunc replaces DefaultTerminal.
func WithTerminalFunc(fn TerminalFunc) Option {
	return func(c *Consumer) {
		c.terminal = fn
	}
}

// WithOnClosed registers the closed notice. It is called once per subscription, from
// the subscription goroutine, before Done is closed.
func WithOnClosed(fn func(cursor Cursor, reason CloseReason)) Option {
	return func(c *Consumer) {
		c.onClosed = fn
	}
}

// Consumer subscribes to job streams of a Source.
type Consumer struct {
	source   Source
	policy   ReconnectPolicy
	logger   log.Logger
	terminal TerminalFunc
	onClosed func(cursor Cursor, reason CloseReason)

	wait func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a Consumer. A nil policy means DefaultPolicy.
func NewConsumer(source Source, policy ReconnectPolicy, logger log.Logger, opts ...Option) *Consumer {
	if policy == nil {
		policy = DefaultPolicy()
	}

	c := &Consumer{
		source:   source,
		policy:   policy,
		logger:   logger,
		terminal: DefaultTerminal,
		wait:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Subscription is a running subscription to one job stream.
type Subscription struct {
	jobID   string
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool

	mu     sync.Mutex
	cursor string
	reason CloseReason
}

// Unsubscribe stops the subscription and waits until its connection is closed.
// No handler call starts after Unsubscribe returns. It must not be called from the
// handler itself; cancel the subscription context there instead.
func (s *Subscription) Unsubscribe() {
	s.stopped.Store(true)
	s.cancel()
	<-s.done
}

// Done is closed when the subscription ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the subscription ended, ReasonNone while it runs.
func (s *Subscription) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Cursor returns the ID of the last delivered event that carried one.
func (s *Subscription) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Cursor{JobID: s.jobID, LastID: s.cursor}
}

func (s *Subscription) advance(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.cursor = id
	s.mu.Unlock()
}

func (s *Subscription) lastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Subscribe starts delivering the events of jobID, positioned after fromCursor, to onEvent.
// An empty fromCursor reads from StartCursor. The subscription runs until a terminal
// event arrives, Unsubscribe is called or ctx ends; connection failures never end it.
func (c *Consumer) Subscribe(ctx context.Context, jobID string, onEvent Handler, fromCursor string) *Subscription {
	if fromCursor == "" {
		fromCursor = StartCursor
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
		cursor: fromCursor,
	}

	go c.run(ctx, sub, onEvent)

	return sub
}

func (c *Consumer) run(ctx context.Context, sub *Subscription, onEvent Handler) {
	reason := ReasonUnsubscribed
	defer func() {
		sub.cancel()
		sub.mu.Lock()
		sub.reason = reason
		sub.mu.Unlock()

		c.logger.Debugf("Subscription to job %s closed (%s) at cursor %s", sub.jobID, reason, sub.lastID())
		if c.onClosed != nil {
			c.onClosed(sub.Cursor(), reason)
		}
		close(sub.done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil || sub.stopped.Load() {
			return
		}

		terminal, delivered, err := c.consume(ctx, sub, onEvent)
		if terminal {
			reason = ReasonTerminal
			return
		}
		if ctx.Err() != nil || sub.stopped.Load() {
			return
		}

		if delivered {
			attempt = 0
		}
		attempt++

		delay := c.policy.NextDelay(attempt)
		c.logger.Warnf("Stream of job %s interrupted: %v; reconnecting in %s from cursor %s (attempt %d)",
			sub.jobID, err, delay, sub.lastID(), attempt)

		if err := c.wait(ctx, delay); err != nil {
			return
		}
	}
}

// consume reads one connection until it fails or delivers the terminal event.
func (c *Consumer) consume(ctx context.Context, sub *Subscription, onEvent Handler) (terminal bool, delivered bool, err error) {
	cursor := sub.lastID()

	conn, err := c.source.Open(ctx, sub.jobID, cursor)
	if err != nil {
		return false, false, fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.logger.Debugf("Closing stream of job %s: %s", sub.jobID, cerr)
		}
	}()

	c.logger.Debugf("Connected to stream of job %s from cursor %s", sub.jobID, cursor)

	for {
		event, err := conn.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			return false, delivered, err
		}

		if msg, ok := serverError(event); ok {
			return false, delivered, fmt.Errorf("server error: %s", msg)
		}

		event.JobID = sub.jobID
		if event.Type == "" {
			event.Type = DefaultEventType
		}
		event.Terminal = event.Terminal || c.terminal(event)

		if sub.stopped.Load() || ctx.Err() != nil {
			return false, delivered, ctx.Err()
		}
		onEvent(event)
		delivered = true
		sub.advance(event.ID)

		if event.Terminal {
			return true, delivered, nil
		}
	}
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
