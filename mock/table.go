// Package mock answers device requests from a lookup table.
//
// A Table maps request strings to responses the way a simple instrument
// would: matching is case-insensitive unless configured otherwise, each
// response is followed by the line terminator, and unknown requests get an
// empty line. When one payload carries several terminated requests only the
// last one is answered.
//
// The Driver is the single consumer of the shared inbound queue. It waits on
// the queue's readiness signal, answers every message through an Answerer
// and hands the result to the message's Responder.
package mock

import (
	"strings"
	"sync"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/transport/framing"
)

// Answerer computes the response for one inbound payload
type Answerer interface {
	Answer(payload string) string
}

// AnswerFunc adapts a function to Answerer
type AnswerFunc func(payload string) string

// Answer calls f(payload)
func (f AnswerFunc) Answer(payload string) string {
	return f(payload)
}

// Table is a concurrency-safe request to response lookup
type Table struct {
	mu              sync.RWMutex
	requests        map[string]string
	caseSensitive   bool
	terminator      framing.Terminator
	defaultResponse string
}

// TableOption configures a Table
type TableOption func(*Table)

// WithCaseSensitive makes request matching case-sensitive
func WithCaseSensitive(sensitive bool) TableOption {
	return func(t *Table) {
		t.caseSensitive = sensitive
	}
}

// WithTerminator sets the terminator that separates requests and ends responses
func WithTerminator(term framing.Terminator) TableOption {
	return func(t *Table) {
		t.terminator = term
	}
}

// WithDefaultResponse sets the answer for unknown requests
func WithDefaultResponse(resp string) TableOption {
	return func(t *Table) {
		t.defaultResponse = resp
	}
}

// NewTable creates a table holding requests
func NewTable(requests map[string]string, opts ...TableOption) *Table {
	t := &Table{
		requests:   make(map[string]string, len(requests)),
		terminator: framing.LF,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.Register(requests)
	return t
}

// TableFromConfig builds the table described by a device file
func TableFromConfig(cfg *config.Config) *Table {
	term, err := framing.ParseTerminator(cfg.Properties.Terminator)
	if err != nil {
		term = framing.LF
	}
	return NewTable(cfg.Requests,
		WithCaseSensitive(cfg.Properties.CaseSensitive),
		WithTerminator(term),
		WithDefaultResponse(cfg.Properties.DefaultResponse),
	)
}

// Register adds or replaces request/response pairs
func (t *Table) Register(requests map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for req, resp := range requests {
		t.requests[t.normalize(req)] = resp
	}
}

// Len returns the number of known requests
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.requests)
}

// Lookup returns the response for a single request
func (t *Table) Lookup(req string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	resp, ok := t.requests[t.normalize(req)]
	return resp, ok
}

// Answer implements Answerer
func (t *Table) Answer(payload string) string {
	var reqs []string
	if seq := t.terminator.Sequence(); seq != "" {
		reqs = strings.Split(payload, seq)
	} else {
		reqs = []string{payload}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var data string
	for _, req := range reqs {
		if req == "" {
			continue
		}
		resp, ok := t.requests[t.normalize(req)]
		if !ok {
			resp = t.defaultResponse
		}
		data = resp
	}
	return data + t.terminator.Sequence()
}

func (t *Table) normalize(req string) string {
	if t.caseSensitive {
		return req
	}
	return strings.ToLower(req)
}
