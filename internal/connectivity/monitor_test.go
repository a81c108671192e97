package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSetOnline_NotifiesOnTransitionsOnly(t *testing.T) {
	m := New(nil, 0)

	var calls []bool
	m.Subscribe(func(online bool) { calls = append(calls, online) })

	m.SetOnline(true) // already online: no notification
	m.SetOnline(false)
	m.SetOnline(false) // repeat: no notification
	m.SetOnline(true)

	want := []bool{false, true}
	if len(calls) != len(want) {
		t.Fatalf("got %d notifications (%v), want %d", len(calls), calls, len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestSubscribe_MultipleSubscribers(t *testing.T) {
	m := New(nil, 0)

	var a, b atomic.Int32
	m.Subscribe(func(bool) { a.Add(1) })
	m.Subscribe(func(bool) { b.Add(1) })

	m.SetOnline(false)

	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("subscriber calls = %d/%d, want 1/1", a.Load(), b.Load())
	}
}

func TestUnsubscribe_IdempotentAndScoped(t *testing.T) {
	m := New(nil, 0)

	var kept, removed atomic.Int32
	m.Subscribe(func(bool) { kept.Add(1) })
	unsub := m.Subscribe(func(bool) { removed.Add(1) })

	unsub()
	unsub() // second call must be harmless

	m.SetOnline(false)

	if removed.Load() != 0 {
		t.Errorf("unsubscribed callback called %d times, want 0", removed.Load())
	}
	if kept.Load() != 1 {
		t.Errorf("remaining subscriber called %d times, want 1", kept.Load())
	}
}

func TestIsOnline_StartsOptimistic(t *testing.T) {
	m := New(nil, 0)
	if !m.IsOnline() {
		t.Error("IsOnline() = false before any observation, want true")
	}
}

func TestStart_ProbesAndDetectsTransition(t *testing.T) {
	var up atomic.Bool
	probe := func(ctx context.Context) bool { return up.Load() }

	m := New(probe, 10*time.Millisecond)

	transition := make(chan bool, 4)
	m.Subscribe(func(online bool) { transition <- online })

	m.Start(context.Background())
	defer m.Stop()

	// First probe observes offline.
	select {
	case online := <-transition:
		if online {
			t.Error("first transition = online, want offline")
		}
	case <-time.After(time.Second):
		t.Fatal("no offline transition observed")
	}

	up.Store(true)

	select {
	case online := <-transition:
		if !online {
			t.Error("second transition = offline, want online")
		}
	case <-time.After(time.Second):
		t.Fatal("no online transition observed")
	}
}

func TestStop_WithoutStart(t *testing.T) {
	m := New(nil, 0)
	m.Stop() // must not panic
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Even an error status means the transport is up.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.URL)
	if !probe(context.Background()) {
		t.Error("probe = false against a responding server, want true")
	}

	srv.Close()
	if probe(context.Background()) {
		t.Error("probe = true against a closed server, want false")
	}
}
