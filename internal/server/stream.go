package server

import (
	"net/http"
	"sync"
)

// StreamRegistry routes the stream endpoint to whichever relay is
// currently live. It exists independently of the listener, so a relay
// can register before the listener is up and survive listener restarts.
type StreamRegistry struct {
	mu      sync.RWMutex
	handler http.Handler
}

// NewStreamRegistry returns an empty registry; requests 404 until a
// handler registers.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{}
}

// Register installs h as the live stream handler, replacing any
// previous one.
func (r *StreamRegistry) Register(h http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Deregister removes the live stream handler.
func (r *StreamRegistry) Deregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = nil
}

// ServeHTTP delegates to the registered handler, or responds 404 while
// none is registered.
func (r *StreamRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()

	if h == nil {
		http.Error(w, "no stream available", http.StatusNotFound)
		return
	}
	h.ServeHTTP(w, req)
}
