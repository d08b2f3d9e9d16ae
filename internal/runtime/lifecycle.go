package runtime

import (
	"context"
	"sync"
)

// Service defines a unit that can be started and stopped as part of the
// daemon runtime.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Lifecycle coordinates shutdown signalling across runtime services.
type Lifecycle struct {
	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

// NewLifecycle creates a lifecycle controller with its own shutdown channel.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{shutdownChan: make(chan struct{})}
}

// Done returns a channel that is closed when the lifecycle is shutting down.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.shutdownChan
}

// Shutdown signals all listeners that the lifecycle is terminating.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() { close(l.shutdownChan) })
}
