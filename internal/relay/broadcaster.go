package relay

import (
	"io"
	"sync"
)

const chunkSize = 4096

// Broadcaster fans one byte stream out to any number of clients. A
// slow client loses chunks rather than stalling the stream; MPEG-TS
// players resynchronise on the next packet boundary.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool
}

// NewBroadcaster returns a broadcaster with no clients.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[chan []byte]struct{})}
}

// Attach registers a client channel and returns a detach func.
func (b *Broadcaster) Attach(buffer int) (<-chan []byte, func()) {
	ch := make(chan []byte, buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.clients[ch]; ok {
				delete(b.clients, ch)
				close(ch)
			}
		})
	}
	return ch, detach
}

// ClientCount reports the number of attached clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Run copies r to all attached clients until r is exhausted, then
// closes every client channel. It is meant to run in its own goroutine
// with the stream source as r.
func (b *Broadcaster) Run(r io.Reader) error {
	defer b.close()

	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.broadcast(chunk)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (b *Broadcaster) broadcast(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- chunk:
		default:
		}
	}
}

func (b *Broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}
