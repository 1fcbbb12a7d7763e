// Package feed adapts change-notification transports into a stream of
// publish request insert events.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// EventInsert is the only change type the pipeline reacts to
const EventInsert = "INSERT"

// ErrIgnored is returned by DecodeEnvelope for change types other than INSERT
var ErrIgnored = errors.New("change event ignored")

// Event is one observed insert of a publish request
type Event struct {
	Source string
	Record map[string]any

	ack     func() error
	nack    func(requeue bool) error
	settled *atomic.Bool
}

// NewEvent creates an event with optional acknowledgement hooks. Copies of
// the event share one settlement: only the first Ack or Nack reaches the
// transport.
func NewEvent(source string, record map[string]any, ack func() error, nack func(requeue bool) error) Event {
	return Event{Source: source, Record: record, ack: ack, nack: nack, settled: new(atomic.Bool)}
}

func (e Event) settle() bool {
	return e.settled == nil || e.settled.CompareAndSwap(false, true)
}

// Ack acknowledges the event to transports that support it
func (e Event) Ack() error {
	if e.ack == nil || !e.settle() {
		return nil
	}
	return e.ack()
}

// Nack rejects the event, optionally asking the transport to redeliver it
func (e Event) Nack(requeue bool) error {
	if e.nack == nil || !e.settle() {
		return nil
	}
	return e.nack(requeue)
}

// Settled reports whether Ack or Nack already reached the transport
func (e Event) Settled() bool {
	return e.settled != nil && e.settled.Load()
}

// Subscription is a long-lived change feed. Subscribe fails when the
// subscription cannot be established; the returned channel is closed when the
// subscription is lost or ctx is canceled.
type Subscription interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// Emitter re-injects a publish request record into the change feed
type Emitter interface {
	Emit(ctx context.Context, record map[string]any) error
}

// IncidentFunc receives subscription-level incidents such as disconnects
type IncidentFunc func(kind string, err error)

// Envelope is the wire format of a change event. The record is read from
// "record", or from "new" as sent by realtime gateways.
type Envelope struct {
	Type   string         `json:"type"`
	Table  string         `json:"table,omitempty"`
	Record map[string]any `json:"record"`
	New    map[string]any `json:"new,omitempty"`
}

// DecodeEnvelope parses a change event body. Numbers are kept as json.Number
// so that large ids survive intact.
func DecodeEnvelope(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}

	if env.Type != "" && !strings.EqualFold(env.Type, EventInsert) {
		return nil, fmt.Errorf("%w: type %s", ErrIgnored, env.Type)
	}

	record := env.Record
	if record == nil {
		record = env.New
	}
	if record == nil {
		return nil, errors.New("change event has no record")
	}

	return record, nil
}

// EncodeEnvelope builds the wire format for an INSERT of record
func EncodeEnvelope(table string, record map[string]any) ([]byte, error) {
	body, err := json.Marshal(Envelope{Type: EventInsert, Table: table, Record: record})
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return body, nil
}

// DecodeRecord parses a bare JSON row, such as the output of row_to_json
func DecodeRecord(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return record, nil
}
