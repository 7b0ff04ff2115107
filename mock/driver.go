package mock

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/inbound"
)

// Driver is the single consumer of an inbound queue
type Driver struct {
	queue   *inbound.Queue
	answers Answerer
	logger  *slog.Logger

	handled   atomic.Int64
	discarded atomic.Int64
}

// NewDriver creates a driver answering messages from queue
func NewDriver(queue *inbound.Queue, answers Answerer, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		queue:   queue,
		answers: answers,
		logger:  logger.With("component", "driver"),
	}
}

// Run consumes the queue until ctx is done. It returns nil on cancellation.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("Driver started", "capacity", d.queue.Capacity())
	defer func() {
		d.logger.Info("Driver stopped", "handled", d.handled.Load())
	}()

	for {
		if err := d.queue.Ready().Wait(ctx); err != nil {
			return nil
		}
		msg, ok := d.queue.Dequeue()
		if !ok {
			continue
		}
		d.handle(msg)
	}
}

func (d *Driver) handle(msg inbound.Message) {
	defer d.handled.Add(1)

	resp := d.answers.Answer(msg.Payload)

	if err := msg.Respond.Respond(resp); err != nil {
		d.discarded.Add(1)
		if errors.Is(err, errors.ErrEndpointStopped) {
			d.logger.Debug("Endpoint stopped before response", "source", msg.Source)
			return
		}
		d.logger.Warn("Response rejected", "source", msg.Source, "error", err)
		return
	}
	d.logger.Debug("Answered request", "source", msg.Source, "request", msg.Payload, "response", resp)
}

// Handled returns the number of messages answered
func (d *Driver) Handled() int64 {
	return d.handled.Load()
}

// Discarded returns the number of responses the destination refused
func (d *Driver) Discarded() int64 {
	return d.discarded.Load()
}
