package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/feed"
)

// portSettings builds a settings snapshot whose only meaningful field is
// the listener port; nil means unresolvable.
func portSettings(port *int) store.Settings {
	s := store.DefaultSettings()
	s.Port = port
	return s
}

func intPtr(v int) *int { return &v }

type resourceTracker struct {
	mu         sync.Mutex
	acquired   []int
	released   []int
	liveCount  int
	maxLive    int
	acquireErr error
}

func (tr *resourceTracker) acquire(ctx context.Context, key int) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.acquireErr != nil {
		return 0, tr.acquireErr
	}
	tr.acquired = append(tr.acquired, key)
	tr.liveCount++
	if tr.liveCount > tr.maxLive {
		tr.maxLive = tr.liveCount
	}
	return key, nil
}

func (tr *resourceTracker) release(ctx context.Context, handle int) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.released = append(tr.released, handle)
	tr.liveCount--
	return nil
}

func (tr *resourceTracker) snapshot() (acquired, released []int, maxLive int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]int(nil), tr.acquired...), append([]int(nil), tr.released...), tr.maxLive
}

func newPortManager(t *testing.T, settings *feed.Feed[store.Settings], tr *resourceTracker) *ResourceManager[int, int] {
	t.Helper()
	m, err := NewResourceManager(ResourceConfig[int, int]{
		Name:     "listener",
		Settings: settings,
		Extract: func(s store.Settings) (int, bool) {
			return s.PortValue()
		},
		Acquire: tr.acquire,
		Release: tr.release,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new resource manager: %v", err)
	}
	return m
}

// waitLive polls until the manager's live state matches want.
func waitLive(t *testing.T, m *ResourceManager[int, int], wantLive bool, wantKey int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		key, live := m.Live()
		if live == wantLive && (!wantLive || key == wantKey) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	key, live := m.Live()
	t.Fatalf("resource state mismatch: live=%v key=%d, want live=%v key=%d", live, key, wantLive, wantKey)
}

func TestResourceManagerFingerprintSequence(t *testing.T) {
	settings := feed.New[store.Settings]()
	tr := &resourceTracker{}
	m := newPortManager(t, settings, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Sequence [A, A, B, null, B] with A=8080, B=9090.
	settings.Publish(portSettings(intPtr(8080)))
	waitLive(t, m, true, 8080)

	settings.Publish(portSettings(intPtr(8080))) // duplicate, must be ignored
	waitLive(t, m, true, 8080)

	settings.Publish(portSettings(intPtr(9090)))
	waitLive(t, m, true, 9090)

	settings.Publish(portSettings(nil))
	waitLive(t, m, false, 0)

	settings.Publish(portSettings(intPtr(9090)))
	waitLive(t, m, true, 9090)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	acquired, released, maxLive := tr.snapshot()
	if want := []int{8080, 9090, 9090}; !slicesEqual(acquired, want) {
		t.Fatalf("acquire sequence mismatch: got %v want %v", acquired, want)
	}
	// 8080→9090 transition, the null transition, and final shutdown.
	if want := []int{8080, 9090, 9090}; !slicesEqual(released, want) {
		t.Fatalf("release sequence mismatch: got %v want %v", released, want)
	}
	if maxLive > 1 {
		t.Fatalf("two resources were live simultaneously (max %d)", maxLive)
	}
}

func TestResourceManagerDuplicateBeforeFirstProcessing(t *testing.T) {
	// A repeated fingerprint performs exactly one acquire.
	settings := feed.New[store.Settings]()
	tr := &resourceTracker{}
	m := newPortManager(t, settings, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	settings.Publish(portSettings(intPtr(8080)))
	waitLive(t, m, true, 8080)
	settings.Publish(portSettings(intPtr(8080)))
	waitLive(t, m, true, 8080)
	time.Sleep(50 * time.Millisecond)

	acquired, _, _ := tr.snapshot()
	if len(acquired) != 1 {
		t.Fatalf("duplicate fingerprint triggered reacquire: %v", acquired)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestResourceManagerAcquireFailureHoldsNone(t *testing.T) {
	settings := feed.New[store.Settings]()
	tr := &resourceTracker{acquireErr: errors.New("bind: address already in use")}
	m := newPortManager(t, settings, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	settings.Publish(portSettings(intPtr(8080)))
	time.Sleep(50 * time.Millisecond)

	if _, live := m.Live(); live {
		t.Fatalf("manager claims live handle after failed acquire")
	}

	// Recovery on the next qualifying change.
	tr.mu.Lock()
	tr.acquireErr = nil
	tr.mu.Unlock()

	settings.Publish(portSettings(intPtr(9090)))
	waitLive(t, m, true, 9090)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestResourceManagerShutdownReleases(t *testing.T) {
	settings := feed.New[store.Settings]()
	tr := &resourceTracker{}
	m := newPortManager(t, settings, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	settings.Publish(portSettings(intPtr(8080)))
	waitLive(t, m, true, 8080)

	cancel() // simulate daemon teardown cancelling the parent context
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, released, _ := tr.snapshot()
	if len(released) != 1 || released[0] != 8080 {
		t.Fatalf("live handle not released on shutdown: %v", released)
	}
}

func slicesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
