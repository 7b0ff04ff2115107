// Package inbound implements the shared inbound stream that every endpoint
// feeds and a single consumer drains.
//
// A Queue is a bounded FIFO of Message values. Enqueue never blocks and never
// fails: when the queue is full the oldest message is evicted to make room.
// Dequeue never blocks either; consumers that want to wait use the queue's
// readiness Signal, which is set exactly while the queue is non-empty.
//
// # Ordering
//
// Messages leave the queue in the order producers acquired the queue's
// internal lock. Two endpoints receiving data at nearly the same instant may
// be ordered either way; no wall-clock ordering is promised.
//
// # Consumer Loop
//
//	for {
//	    if err := q.Ready().Wait(ctx); err != nil {
//	        return err
//	    }
//	    msg, ok := q.Dequeue()
//	    if !ok {
//	        continue
//	    }
//	    _ = msg.Respond.Respond(answer(msg.Payload))
//	}
//
// The signal can be cleared by a Dequeue between Wait returning and the
// consumer's own Dequeue, so a false ok is normal and simply means "wait again".
//
// # Responders
//
// Every Message carries a Responder bound to the destination that produced
// it. Calling Respond appends the response to the originating endpoint's
// output store; the endpoint's step hook later writes it to the wire.
package inbound
