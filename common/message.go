package common

import (
	"context"
	"time"
)

// MarketUpdate representing one update for a market / treasury subject
type MarketUpdate struct {
	// Key identifies the subject this update is for, e.g. "treasury/us10y"
	Key string `json:"key" validate:"required"`
	// Channel is the logical stream the update is distributed under
	Channel string `json:"channel" validate:"required"`
	// Fields are the field values of the subject as of this update
	Fields map[string]interface{} `json:"fields" validate:"required"`
	// ObservedAt is the producer's timestamp for this update
	ObservedAt time.Time `json:"observed_at"`
}

// BatchEnvelopeKind value of BatchEnvelope.Kind
const BatchEnvelopeKind = "batch"

// BatchEnvelope the aggregated unit of messages sent to the transport
// layer for one channel. Message order within the envelope is the order
// the messages were queued.
type BatchEnvelope struct {
	Kind      string        `json:"kind"`
	Channel   string        `json:"channel"`
	Messages  []interface{} `json:"messages"`
	Timestamp string        `json:"timestamp"`
}

// NewBatchEnvelope define a batch envelope for one channel
func NewBatchEnvelope(channel string, messages []interface{}, timestamp time.Time) BatchEnvelope {
	return BatchEnvelope{
		Kind:      BatchEnvelopeKind,
		Channel:   channel,
		Messages:  messages,
		Timestamp: timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// SendFunc transport primitive for delivering batch envelopes to subscribers
type SendFunc func(ctxt context.Context, envelopes []BatchEnvelope) error

// ActivityDirection direction of subscriber socket activity
type ActivityDirection int

const (
	// ActivitySent bytes were sent to the subscriber
	ActivitySent ActivityDirection = iota
	// ActivityReceived bytes were received from the subscriber
	ActivityReceived
)

// SubscriberSocket handle to a live subscriber transport socket.
//
// The connection registry exclusively owns the handle once the
// subscriber is registered; other modules only ever borrow a reference.
type SubscriberSocket interface {
	// SendEnvelopes deliver a set of batch envelopes to the peer,
	// returning the number of bytes written
	SendEnvelopes(ctxt context.Context, envelopes []BatchEnvelope) (int64, error)
	// Close close the underlying transport connection
	Close() error
}
