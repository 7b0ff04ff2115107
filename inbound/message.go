package inbound

import (
	"time"

	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/outbox"
)

// Message is one unit of received data together with the means to answer it.
type Message struct {
	Payload string
	Respond Responder

	// Source is the name of the endpoint that received the payload.
	Source string
	// Received is stamped by Enqueue when left zero.
	Received time.Time
}

// Responder appends responses to the output store of the endpoint that
// produced a Message, under that message's destination key.
//
// The zero Responder is valid; its Respond reports ErrNoDestination.
type Responder struct {
	key   string
	store *outbox.Store
}

// NewResponder binds a destination key to an output store.
func NewResponder(key string, store *outbox.Store) Responder {
	return Responder{key: key, store: store}
}

// Key returns the destination key the responder writes to.
func (r Responder) Key() string {
	return r.key
}

// Respond queues resp for the destination. Repeated calls keep call order.
// After the owning endpoint stopped it returns ErrEndpointStopped and has no effect.
func (r Responder) Respond(resp string) error {
	if r.store == nil {
		return errors.WrapInvalid(errors.ErrNoDestination, "Responder", "Respond", "destination lookup")
	}
	return r.store.Append(r.key, resp)
}
