// Package events emits change notifications for bindle servers: invoice
// creation, missing parcels discovered at create time, parcel uploads, and
// yanks. Sinks are synchronous, so events for a single request preserve the
// order they were raised in.
package events

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"bindle.dev/bindle/src/bindle"
)

// Kind enumerates the event kinds.
type Kind string

const (
	InvoiceCreated Kind = "InvoiceCreated"
	MissingParcel  Kind = "MissingParcel"
	ParcelCreated  Kind = "ParcelCreated"
	InvoiceYanked  Kind = "InvoiceYanked"
)

// Event is one timestamped change record. Which payload fields are set
// depends on the kind.
type Event struct {
	Kind      Kind            `json:"kind"`
	At        int64           `json:"at"`
	InvoiceID string          `json:"invoiceId,omitempty"`
	Invoice   *bindle.Invoice `json:"invoice,omitempty"`
	Parcel    *bindle.Label   `json:"parcel,omitempty"`
}

// Sink receives events. Delivery is at-least-once when the sink is durable
// and best-effort otherwise.
type Sink interface {
	Raise(ctx context.Context, ev Event) error
}

// Now stamps an event with the current time.
func Now(ev Event) Event {
	ev.At = time.Now().Unix()
	return ev
}

// Noop discards all events.
type Noop struct{}

func (Noop) Raise(ctx context.Context, ev Event) error { return nil }

// MemorySink retains raised events in order. It is meant for tests.
type MemorySink struct {
	mu  sync.Mutex
	evs []Event
}

func (m *MemorySink) Raise(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs = append(m.evs, ev)
	return nil
}

// Events returns a copy of everything raised so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.evs...)
}

// FileSink appends events as JSON lines to a file, syncing after each write
// for at-least-once delivery across crashes.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (creating if needed) the event log at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (fs *FileSink) Raise(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.f.Write(append(data, '\n')); err != nil {
		return err
	}
	return fs.f.Sync()
}

// Close closes the underlying file.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Close()
}
