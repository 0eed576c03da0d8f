package session_test

import (
	"sync"
	"testing"
	"time"

	"go.followtheprocess.codes/reqrun/internal/session"
	"go.followtheprocess.codes/test"
	"go.uber.org/goleak"
)

func TestStore(t *testing.T) {
	store := session.New()
	defer store.Close()

	_, ok := store.Get("missing")
	test.False(t, ok)

	store.Set(session.Entry{ID: "b", Type: "cookies", Title: "Cookies"})
	store.Set(session.Entry{ID: "a", Type: "oauth2", Details: "token"})

	entry, ok := store.Get("a")
	test.True(t, ok)
	test.Equal(t, entry.Details, any("token"))

	// Last write wins
	store.Set(session.Entry{ID: "a", Type: "oauth2", Details: "refreshed"})
	entry, _ = store.Get("a")
	test.Equal(t, entry.Details, any("refreshed"))

	entries := store.List()
	test.Equal(t, len(entries), 2)
	test.Equal(t, entries[0].ID, "a")
	test.Equal(t, entries[1].ID, "b")

	test.True(t, store.Remove("b"))
	test.False(t, store.Remove("b"))

	store.Reset()
	test.Equal(t, len(store.List()), 0)
}

func TestKeepAlive(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := session.New()

	var (
		once  sync.Once
		fired = make(chan struct{})
	)

	handle, err := store.KeepAlive("@every 1s", func() {
		once.Do(func() { close(fired) })
	})
	test.Ok(t, err)
	test.True(t, handle != 0)

	store.Set(session.Entry{ID: "token", Type: "oauth2", KeepAlive: handle})
	test.Equal(t, store.Scheduled(), 1)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("keep-alive job never ran")
	}

	test.True(t, store.Remove("token"))
	test.Equal(t, store.Scheduled(), 0, test.Context("removing the entry did not cancel its job"))

	store.Close()
}

func TestKeepAliveReplaced(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := session.New()
	defer store.Close()

	first, err := store.KeepAlive("@every 1h", func() {})
	test.Ok(t, err)

	second, err := store.KeepAlive("@every 1h", func() {})
	test.Ok(t, err)

	store.Set(session.Entry{ID: "token", KeepAlive: first})
	test.Equal(t, store.Scheduled(), 2)

	store.Set(session.Entry{ID: "token", KeepAlive: second})
	test.Equal(t, store.Scheduled(), 1, test.Context("replaced entry's job should be cancelled"))

	store.Reset()
	test.Equal(t, store.Scheduled(), 0)
}

func TestKeepAliveBadSpec(t *testing.T) {
	store := session.New()
	defer store.Close()

	_, err := store.KeepAlive("not a schedule", func() {})
	test.Err(t, err)
}
