// Package stream consumes the progress events of a processing job.
//
// A Consumer keeps one connection per subscription open against a Source, remembers
// the ID of the last delivered event and, after any connection failure, reconnects
// from that cursor after the delay chosen by a ReconnectPolicy. Delivery is
// at-least-once: a source that ignores the cursor, or a failure between delivery and
// cursor update, can replay events, so handlers must tolerate duplicates.
package stream

import (
	"context"
	"encoding/json"
	"strings"
)

// StartCursor reads a job stream from its beginning.
const StartCursor = "0"

// DefaultEventType is used for events that carry no explicit type.
const DefaultEventType = "message"

// Event is a single progress event of a job.
type Event struct {
	// ID is the stream position of the event; empty when the source did not send one.
	ID    string
	JobID string
	Type  string
	// Data is the raw payload, a JSON object for the document service.
	Data     []byte
	Terminal bool
}

// Handler receives the events of a subscription, one at a time, in connection order.
type Handler func(Event)

// TerminalFunc reports whether an event ends the job stream.
type TerminalFunc func(Event) bool

// Source opens connections to the event stream of a job.
type Source interface {
	// Open connects to the stream of jobID and positions it after cursor.
	Open(ctx context.Context, jobID, cursor string) (Connection, error)
}

// Connection is one open event stream.
type Connection interface {
	// Next blocks until the next event arrives. It returns io.EOF when the remote
	// closed the stream cleanly.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Cursor is the resume position of a subscription.
type Cursor struct {
	JobID  string
	LastID string
}

var terminalTypes = map[string]bool{
	"end":  true,
	"done": true,
}

var terminalFlags = []string{"isFinished", "is_finished", "isTerminal"}

// DefaultTerminal treats events of type end or done, and JSON payloads with a truthy
// isFinished, is_finished or isTerminal field, as terminal. Truthy covers JSON booleans
// and the "True"/"true" strings that Redis stream entries carry.
func DefaultTerminal(event Event) bool {
	if terminalTypes[strings.ToLower(event.Type)] {
		return true
	}

	payload, ok := decodeObject(event.Data)
	if !ok {
		return false
	}
	for _, flag := range terminalFlags {
		if truthy(payload[flag]) {
			return true
		}
	}
	return false
}

// serverError returns the message of an error frame: a payload whose only field is "error".
func serverError(event Event) (string, bool) {
	payload, ok := decodeObject(event.Data)
	if !ok || len(payload) != 1 {
		return "", false
	}
	value, ok := payload["error"]
	if !ok {
		return "", false
	}
	if s, ok := value.(string); ok {
		return s, true
	}
	raw, _ := json.Marshal(value)
	return string(raw), true
}

func decodeObject(data []byte) (map[string]interface{}, bool) {
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}
