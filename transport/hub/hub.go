// Package hub tracks the peers connected to a stream endpoint and writes
// buffered responses back to them.
//
// Every peer gets a random UUID destination key. Requests read from a peer
// are submitted under that key; responses appended to the endpoint's output
// store under the same key are written back by Flush.
package hub

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ndtelles/Atticus/metric"
	"github.com/ndtelles/Atticus/outbox"
)

// Peer is the write side of a connected client.
type Peer interface {
	// WriteResponse sends one response to the peer.
	WriteResponse(resp string) error
	io.Closer
}

// Hub is a concurrency-safe set of peers bound to one output store.
type Hub struct {
	store     *outbox.Store
	logger    *slog.Logger
	metrics   *metric.Metrics
	endpoint  string
	transport string

	mu    sync.Mutex
	peers map[string]Peer
}

// New creates a hub writing responses from store. metrics may be nil.
func New(endpoint, transport string, store *outbox.Store, metrics *metric.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		endpoint:  endpoint,
		transport: transport,
		peers:     make(map[string]Peer),
	}
}

// Add registers a peer and returns its destination key.
func (h *Hub) Add(p Peer) string {
	key := uuid.NewString()

	h.mu.Lock()
	h.peers[key] = p
	n := len(h.peers)
	h.mu.Unlock()

	_ = h.store.Create(key)
	h.metrics.RecordConnections(h.endpoint, h.transport, n)
	return key
}

// Remove closes the peer and discards its pending responses.
// Unknown keys are ignored.
func (h *Hub) Remove(key string) {
	h.mu.Lock()
	p, ok := h.peers[key]
	delete(h.peers, key)
	n := len(h.peers)
	h.mu.Unlock()

	if !ok {
		return
	}
	_ = p.Close()
	h.store.Delete(key)
	h.metrics.RecordConnections(h.endpoint, h.transport, n)
}

// Flush writes every pending response to its peer, oldest first.
// Peers that fail a write are removed. Responses for keys without a peer
// are discarded. It returns the number of responses written.
func (h *Hub) Flush() int {
	written := 0
	for _, key := range h.store.Pending(true) {
		responses := h.store.Drain(key)

		h.mu.Lock()
		p, ok := h.peers[key]
		h.mu.Unlock()

		if !ok {
			h.logger.Debug("Discarding responses for disconnected peer", "key", key, "count", len(responses))
			h.store.Delete(key)
			continue
		}

		for _, resp := range responses {
			if err := p.WriteResponse(resp); err != nil {
				h.logger.Warn("Write to peer failed, disconnecting", "key", key, "error", err)
				h.Remove(key)
				break
			}
			written++
		}
	}
	return written
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Keys returns the keys of connected peers.
func (h *Hub) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]string, 0, len(h.peers))
	for key := range h.peers {
		keys = append(keys, key)
	}
	return keys
}

// CloseAll closes and removes every peer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]Peer)
	h.mu.Unlock()

	for key, p := range peers {
		_ = p.Close()
		h.store.Delete(key)
	}
	h.metrics.RecordConnections(h.endpoint, h.transport, 0)
}
