package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/hjertefolger/root-operator-bridge/internal/crypto"
)

type fakeSink struct {
	id       string
	mu       sync.Mutex
	received [][]byte
	fail     bool
	key      *crypto.SessionKey
}

func newFakeSink(t *testing.T, id string) *fakeSink {
	t.Helper()
	secret := make([]byte, 32)
	salt, err := crypto.NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key, err := crypto.DeriveSessionKey(secret, salt)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	return &fakeSink{id: id, key: key}
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) Seal(plaintext []byte) (*crypto.Sealed, error) {
	return s.key.Encrypt(plaintext)
}

func (s *fakeSink) Deliver(sealed *crypto.Sealed) bool {
	if s.fail {
		return false
	}
	plaintext, err := s.key.Decrypt(sealed)
	if err != nil {
		return false
	}
	s.mu.Lock()
	s.received = append(s.received, plaintext)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) all() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, chunk := range s.received {
		out = append(out, chunk...)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAttachReceivesReplayBuffer(t *testing.T) {
	h := New(nil)
	h.Publish([]byte("hello\r\n$ "))

	sink := newFakeSink(t, "a")
	h.Attach(sink)

	waitFor(t, func() bool { return string(sink.all()) == "hello\r\n$ " })
}

func TestPublishDeliversInOrderToMultipleSessions(t *testing.T) {
	h := New(nil)
	a := newFakeSink(t, "a")
	b := newFakeSink(t, "b")
	h.Attach(a)
	h.Attach(b)

	h.Publish([]byte("one"))
	h.Publish([]byte("two"))
	h.Publish([]byte("three"))

	waitFor(t, func() bool { return string(a.all()) == "onetwothree" })
	waitFor(t, func() bool { return string(b.all()) == "onetwothree" })
}

func TestDetachRemovesSession(t *testing.T) {
	h := New(nil)
	a := newFakeSink(t, "a")
	h.Attach(a)
	waitFor(t, func() bool { return h.Count() == 1 })

	h.Detach("a")
	if h.Count() != 0 {
		t.Fatalf("Count() = %d after Detach, want 0", h.Count())
	}

	// Detach of an absent session must not error or panic.
	h.Detach("a")
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	h := New(nil)
	bad := newFakeSink(t, "bad")
	bad.fail = true
	good := newFakeSink(t, "good")

	h.Attach(bad)
	h.Attach(good)

	h.Publish([]byte("data"))

	waitFor(t, func() bool { return string(good.all()) == "data" })
	waitFor(t, func() bool { return h.Count() == 1 })
}

func TestReplayBufferTruncatesTo50KiB(t *testing.T) {
	h := New(nil)
	chunk := make([]byte, 10*1024)
	for i := range chunk {
		chunk[i] = byte('a' + i%26)
	}
	for i := 0; i < 10; i++ {
		h.Publish(chunk)
	}
	if len(h.ReplaySnapshot()) != ReplayBufferCap {
		t.Fatalf("replay buffer len = %d, want %d", len(h.ReplaySnapshot()), ReplayBufferCap)
	}
}

func TestAttachReplayNeverFollowedByEarlierLiveChunk(t *testing.T) {
	// Regression test: Attach must seal and queue the replay snapshot
	// before the new sink becomes visible to Publish, so a live chunk
	// published concurrently with Attach can never be delivered ahead of
	// the replay buffer (spec.md §4.G, §8).
	h := New(nil)
	h.Publish([]byte("replayed-prefix"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				h.Publish([]byte("live"))
			}
		}
	}()

	sink := newFakeSink(t, "joiner")
	h.Attach(sink)

	waitFor(t, func() bool {
		return len(sink.all()) >= len("replayed-prefix")
	})
	close(stop)
	wg.Wait()

	first := sink.all()
	if len(first) < len("replayed-prefix") || string(first[:len("replayed-prefix")]) != "replayed-prefix" {
		t.Fatalf("first bytes delivered = %q, want prefix %q", first, "replayed-prefix")
	}
}

func TestOnDetachCallback(t *testing.T) {
	var called string
	var mu sync.Mutex
	h := New(func(id string) {
		mu.Lock()
		called = id
		mu.Unlock()
	})
	a := newFakeSink(t, "watched")
	h.Attach(a)
	h.Detach("watched")

	mu.Lock()
	got := called
	mu.Unlock()
	if got != "watched" {
		t.Fatalf("onDetach called with %q, want %q", got, "watched")
	}
}
