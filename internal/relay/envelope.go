// Package relay is the in-daemon switchboard: it routes message
// envelopes between agents (direct, broadcast, channel fan-out),
// deduplicates them, and hands them to each recipient's injection
// queue. It never blocks a publisher.
package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an envelope.
type Kind string

const (
	KindMessage Kind = "message"
	KindCommand Kind = "command"
	KindNotice  Kind = "notice"
)

// Importance drives overflow policy: urgent messages survive queue
// pressure longest.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// Envelope is the immutable routed message record. Never mutate one
// after creation; copies fan out to recipients.
type Envelope struct {
	ID         string                 `json:"id"`
	TS         int64                  `json:"ts"` // monotonic nanoseconds
	From       string                 `json:"from"`
	To         string                 `json:"to"`
	Kind       Kind                   `json:"kind"`
	Body       string                 `json:"body"`
	Thread     string                 `json:"thread,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Importance Importance             `json:"importance"`
}

// NewEnvelope builds a message envelope with a fresh id and timestamp.
func NewEnvelope(from, to, body string) Envelope {
	return Envelope{
		ID:         uuid.New().String(),
		TS:         time.Now().UnixNano(),
		From:       from,
		To:         to,
		Kind:       KindMessage,
		Body:       body,
		Importance: ImportanceNormal,
	}
}

// Urgent reports whether the envelope should survive queue overflow.
func (e Envelope) Urgent() bool { return e.Importance == ImportanceUrgent }

// Render formats the envelope as the stable human-readable block that
// gets typed into the recipient's terminal. Recipients pattern-match
// this layout, so changes here are wire-format changes.
func Render(e Envelope) string {
	var b strings.Builder
	if e.Thread != "" {
		fmt.Fprintf(&b, "[relay:%s] %s: ", e.Thread, e.From)
	} else {
		fmt.Fprintf(&b, "[relay] %s: ", e.From)
	}
	b.WriteString(e.Body)
	return b.String()
}
