package credentials

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

type fakeStore struct {
	mu      sync.Mutex
	current store.Settings
	changes *feed.Feed[store.Settings]
	updates int
}

func newFakeStore(initial store.Settings) *fakeStore {
	fs := &fakeStore{current: initial, changes: feed.New[store.Settings]()}
	fs.changes.Publish(initial)
	return fs
}

func (fs *fakeStore) Update(ctx context.Context, u store.Update) (store.Settings, error) {
	fs.mu.Lock()
	fs.updates++
	if u.Token != nil {
		token := *u.Token
		fs.current.Token = &token
	}
	snapshot := fs.current
	fs.mu.Unlock()

	fs.changes.Publish(snapshot)
	return snapshot, nil
}

func (fs *fakeStore) Changes() *feed.Feed[store.Settings] {
	return fs.changes
}

func (fs *fakeStore) updateCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.updates
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
	gate  chan struct{} // when non-nil, IssueToken blocks until closed
}

func (fi *fakeIssuer) IssueToken(ctx context.Context, login, password string) (string, error) {
	fi.mu.Lock()
	fi.calls++
	token, err, gate := fi.token, fi.err, fi.gate
	fi.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return token, err
}

func (fi *fakeIssuer) callCount() int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.calls
}

func strPtr(v string) *string { return &v }

func settingsWith(login, password, token string) store.Settings {
	s := store.DefaultSettings()
	if login != "" {
		s.Login = strPtr(login)
	}
	if password != "" {
		s.Password = strPtr(password)
	}
	if token != "" {
		s.Token = strPtr(token)
	}
	return s
}

func startCache(t *testing.T, fs *fakeStore, fi *fakeIssuer) *Cache {
	t.Helper()
	c := New(fs, fi, Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cache: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		c.Shutdown(context.Background())
	})
	return c
}

func waitCredential(t *testing.T, sub *feed.Subscription[*Credential]) *Credential {
	t.Helper()
	select {
	case cred, ok := <-sub.C():
		if !ok {
			t.Fatalf("credential feed closed")
		}
		return cred
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for credential emission")
	}
	return nil
}

func TestMissingLoginEmitsNoCredential(t *testing.T) {
	fs := newFakeStore(settingsWith("", "", ""))
	fi := &fakeIssuer{token: "never"}
	c := startCache(t, fs, fi)

	sub := c.Credentials().Subscribe()
	defer sub.Close()

	if cred := waitCredential(t, sub); cred != nil {
		t.Fatalf("expected nil credential, got %+v", cred)
	}
	if fi.callCount() != 0 {
		t.Fatalf("issuer must not be called without login/password")
	}
}

func TestFetchOncePersistsAndEmits(t *testing.T) {
	fs := newFakeStore(settingsWith("user", "secret", ""))
	fi := &fakeIssuer{token: "tok-1"}
	c := startCache(t, fs, fi)

	sub := c.Credentials().Subscribe()
	defer sub.Close()

	cred := waitCredential(t, sub)
	if cred == nil {
		t.Fatalf("expected full credential, got nil")
	}
	if cred.Login != "user" || cred.Password != "secret" || cred.Token != "tok-1" {
		t.Fatalf("credential fields wrong: %+v", cred)
	}

	if got := fi.callCount(); got != 1 {
		t.Fatalf("expected exactly one issuance call, got %d", got)
	}
	if got := fs.updateCount(); got != 1 {
		t.Fatalf("expected exactly one persisting update, got %d", got)
	}
}

func TestIdenticalSettingsDoNotReissue(t *testing.T) {
	fs := newFakeStore(settingsWith("user", "secret", "tok-1"))
	fi := &fakeIssuer{token: "tok-2"}
	c := startCache(t, fs, fi)

	sub := c.Credentials().Subscribe()
	defer sub.Close()

	first := waitCredential(t, sub)
	if first == nil || first.Token != "tok-1" {
		t.Fatalf("expected cached token tok-1, got %+v", first)
	}

	// A second emission with identical credential fields must neither
	// hit the issuer nor re-emit.
	fs.changes.Publish(settingsWith("user", "secret", "tok-1"))
	time.Sleep(100 * time.Millisecond)

	if fi.callCount() != 0 {
		t.Fatalf("issuer called despite cached token")
	}
	select {
	case cred := <-sub.C():
		t.Fatalf("duplicate settings re-emitted credential: %+v", cred)
	default:
	}
}

func TestAuthFailureLeavesPipelineWaiting(t *testing.T) {
	fs := newFakeStore(settingsWith("user", "secret", ""))
	fi := &fakeIssuer{err: errors.New("rejected")}
	c := startCache(t, fs, fi)

	sub := c.Credentials().Subscribe()
	defer sub.Close()

	time.Sleep(100 * time.Millisecond)
	select {
	case cred := <-sub.C():
		t.Fatalf("expected no emission after auth failure, got %+v", cred)
	default:
	}
	if fs.updateCount() != 0 {
		t.Fatalf("failed issuance must not persist anything")
	}

	// The next settings change retries.
	fi.mu.Lock()
	fi.err = nil
	fi.token = "tok-2"
	fi.mu.Unlock()
	fs.changes.Publish(settingsWith("user", "secret2", ""))

	cred := waitCredential(t, sub)
	if cred == nil || cred.Token != "tok-2" {
		t.Fatalf("expected recovery credential tok-2, got %+v", cred)
	}
}

func TestSupersededFetchIsDiscarded(t *testing.T) {
	fs := newFakeStore(settingsWith("user", "secret", ""))
	gate := make(chan struct{})
	fi := &fakeIssuer{token: "stale-token", gate: gate}
	c := startCache(t, fs, fi)

	sub := c.Credentials().Subscribe()
	defer sub.Close()

	// Give the worker time to enter the blocked fetch, then supersede it
	// with a snapshot that already carries a token.
	time.Sleep(50 * time.Millisecond)
	fs.changes.Publish(settingsWith("user", "secret", "fresh-token"))
	close(gate)

	cred := waitCredential(t, sub)
	if cred == nil || cred.Token != "fresh-token" {
		t.Fatalf("expected superseding token, got %+v", cred)
	}
	if fs.updateCount() != 0 {
		t.Fatalf("stale fetch result was persisted anyway")
	}
}
