package queue

import (
	"maps"
	"time"

	"github.com/gezibash/arc-broker/internal/journal"
)

// Message is a queued unit of content. It implements delivery.Routable.
// Fields other than Attempts are fixed at publish time.
type Message struct {
	id        string
	queue     string
	Payload   []byte
	Labels    map[string]string
	Timestamp time.Time
	// Attempts counts how many times delivery of this message was cancelled.
	Attempts int
}

// ID returns the message id.
func (m *Message) ID() string { return m.id }

// Destination returns the queue the message was published to.
func (m *Message) Destination() string { return m.queue }

func (m *Message) String() string { return m.id }

func (m *Message) record(deadLetter bool) *journal.Record {
	return &journal.Record{
		ID:         m.id,
		Queue:      m.queue,
		Payload:    m.Payload,
		Labels:     m.Labels,
		Timestamp:  m.Timestamp.UnixNano(),
		Attempts:   m.Attempts,
		DeadLetter: deadLetter,
	}
}

func messageFromRecord(rec *journal.Record) *Message {
	return &Message{
		id:        rec.ID,
		queue:     rec.Queue,
		Payload:   rec.Payload,
		Labels:    maps.Clone(rec.Labels),
		Timestamp: time.Unix(0, rec.Timestamp),
		Attempts:  rec.Attempts,
	}
}
