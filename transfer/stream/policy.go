package stream

import "time"

// DefaultReconnectDelay is the pause between a dropped connection and the next attempt.
const DefaultReconnectDelay = 2 * time.Second

// ReconnectPolicy chooses the pause before a reconnect. Attempt is 1 for the first
// reconnect after a connection that delivered events, and grows while reconnects fail
// to deliver anything.
type ReconnectPolicy interface {
	NextDelay(attempt int) time.Duration
}

// FixedDelay waits the same duration before every reconnect, without an attempt limit.
type FixedDelay time.Duration

// NextDelay implements ReconnectPolicy.
func (d FixedDelay) NextDelay(int) time.Duration {
	return time.Duration(d)
}

// DefaultPolicy returns a FixedDelay of DefaultReconnectDelay.
func DefaultPolicy() ReconnectPolicy {
	return FixedDelay(DefaultReconnectDelay)
}

// ExponentialDelay doubles the pause from Base on every failed attempt, capped at Max.
// A zero Max leaves the delay uncapped.
type ExponentialDelay struct {
	Base time.Duration
	Max  time.Duration
}

// NextDelay implements ReconnectPolicy.
func (e ExponentialDelay) NextDelay(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}

	delay := e.Base
	for i := 1; i < attempt; i++ {
		next := delay * 2
		if next <= delay {
			break
		}
		delay = next
		if e.Max > 0 && delay >= e.Max {
			return e.Max
		}
	}

	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}
