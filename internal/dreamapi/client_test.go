package dreamapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jerryapp/dreamsync/internal/storage"
)

// memKeys is an in-memory KeyCache for tests.
type memKeys struct {
	mu   sync.Mutex
	data map[string]string
	getE error
	setE error
}

func newMemKeys() *memKeys {
	return &memKeys{data: make(map[string]string)}
}

func (m *memKeys) GetSetting(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getE != nil {
		return "", m.getE
	}
	v, ok := m.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memKeys) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setE != nil {
		return m.setE
	}
	m.data[key] = value
	return nil
}

func testClient(baseURL string, keys KeyCache) *Client {
	return New(Config{
		BaseURL:      baseURL,
		PollInterval: 10 * time.Millisecond,
	}, keys)
}

func keyJSON(key string) string {
	return fmt.Sprintf(`{"success":true,"api_key":%q}`, key)
}

func TestAPIKey_CachedKeySkipsNetwork(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	keys := newMemKeys()
	keys.data[apiKeySetting] = "cached-key"

	c := testClient(srv.URL, keys)
	got, err := c.APIKey(context.Background())
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if got != "cached-key" {
		t.Errorf("key = %q, want %q", got, "cached-key")
	}
	if hits != 0 {
		t.Errorf("server hit %d times, want 0", hits)
	}
}

func TestAPIKey_FetchesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/key.php" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(keyJSON("fresh-key")))
	}))
	defer srv.Close()

	keys := newMemKeys()
	c := testClient(srv.URL, keys)

	got, err := c.APIKey(context.Background())
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if got != "fresh-key" {
		t.Errorf("key = %q, want %q", got, "fresh-key")
	}
	if keys.data[apiKeySetting] != "fresh-key" {
		t.Errorf("cached key = %q, want %q", keys.data[apiKeySetting], "fresh-key")
	}
}

func TestAPIKey_ServerFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"key pool exhausted"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, newMemKeys())
	_, err := c.APIKey(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestAPIKey_TransportFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := testClient(srv.URL, newMemKeys())
	_, err := c.APIKey(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestAPIKey_CacheWriteFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(keyJSON("k")))
	}))
	defer srv.Close()

	keys := newMemKeys()
	keys.setE = errors.New("disk full")

	c := testClient(srv.URL, keys)
	got, err := c.APIKey(context.Background())
	if err != nil {
		t.Fatalf("APIKey with failing cache: %v", err)
	}
	if got != "k" {
		t.Errorf("key = %q, want %q", got, "k")
	}
}

func TestSubmitText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/key.php":
			w.Write([]byte(keyJSON("k")))
		case "/api/submit_dream.php":
			if got := r.Header.Get("X-Api-Key"); got != "k" {
				t.Errorf("X-Api-Key = %q, want %q", got, "k")
			}
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decoding submit body: %v", err)
			}
			if body["dream"] != "I was flying" {
				t.Errorf("dream = %q, want %q", body["dream"], "I was flying")
			}
			w.Write([]byte(`{"success":true,"dream_id":42}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, newMemKeys())
	res, err := c.SubmitText(context.Background(), "I was flying")
	if err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if res.DreamID != 42 {
		t.Errorf("DreamID = %d, want 42", res.DreamID)
	}
}

func TestSubmitAudio_MultipartAndTranscription(t *testing.T) {
	audio := []byte{0x1a, 0x45, 0xdf, 0xa3, 0x01, 0x02}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/key.php":
			w.Write([]byte(keyJSON("k")))
		case "/api/submit_dream.php":
			f, hdr, err := r.FormFile("audio")
			if err != nil {
				t.Errorf("FormFile: %v", err)
				w.Write([]byte(`{"success":false,"error":"no audio"}`))
				return
			}
			defer f.Close()
			if hdr.Filename != "dream.webm" {
				t.Errorf("filename = %q, want %q", hdr.Filename, "dream.webm")
			}
			w.Write([]byte(`{"success":true,"dream_id":7,"transcription":"sonhei que voava"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, newMemKeys())
	res, err := c.SubmitAudio(context.Background(), audio)
	if err != nil {
		t.Fatalf("SubmitAudio: %v", err)
	}
	if res.DreamID != 7 {
		t.Errorf("DreamID = %d, want 7", res.DreamID)
	}
	if res.Transcription != "sonhei que voava" {
		t.Errorf("Transcription = %q", res.Transcription)
	}
}

func TestSubmit_TransportFailureIsNetworkError(t *testing.T) {
	keys := newMemKeys()
	keys.data[apiKeySetting] = "k"

	// Closed server: connection refused on submit.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	c := testClient(dead.URL, keys)
	if _, err := c.SubmitText(context.Background(), "x"); !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestSubmit_WellFormedRejectionIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/key.php":
			w.Write([]byte(keyJSON("k")))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"success":false,"error":"dream too short"}`))
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, newMemKeys())
	_, err := c.SubmitText(context.Background(), "x")
	if !errors.Is(err, ErrService) {
		t.Errorf("err = %v, want ErrService", err)
	}
}

// statusScript serves /api/dream_status.php responses in order, holding the
// last one for any further polls.
func statusScript(t *testing.T, responses []func(w http.ResponseWriter)) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/key.php":
			w.Write([]byte(keyJSON("k")))
		case "/api/dream_status.php":
			i := calls
			calls++
			if i >= len(responses) {
				i = len(responses) - 1
			}
			responses[i](w)
		default:
			http.NotFound(w, r)
		}
	}))
	// Keep-alives off so the hijack-and-close failure scripts never happen on
	// a reused connection, where net/http would transparently retry the GET
	// and the counter would see transport retries instead of client polls.
	srv.Config.SetKeepAlivesEnabled(false)
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, &calls
}

func statusJSON(id int64, status, interpretation string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		resp := map[string]any{
			"id":             id,
			"status":         status,
			"interpretation": nil,
			"image_url":      nil,
			"input_mode":     "text",
			"created_at":     "2026-08-01T00:00:00Z",
			"processed_at":   nil,
		}
		if interpretation != "" {
			resp["interpretation"] = interpretation
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func hangUp(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

// TestPollStatus_TerminatesOnDone: processing three times, then done. Poll
// must resolve with the done payload and stop issuing requests.
func TestPollStatus_TerminatesOnDone(t *testing.T) {
	srv, calls := statusScript(t, []func(http.ResponseWriter){
		statusJSON(1, StatusProcessing, ""),
		statusJSON(1, StatusProcessing, ""),
		statusJSON(1, StatusProcessing, ""),
		statusJSON(1, StatusDone, "a interpretação"),
	})

	c := testClient(srv.URL, newMemKeys())

	var updates []string
	ds, err := c.PollStatus(context.Background(), 1, func(d DreamStatus) {
		updates = append(updates, d.Status)
	})
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if ds.Status != StatusDone {
		t.Errorf("Status = %q, want done", ds.Status)
	}
	if ds.Interpretation == nil || *ds.Interpretation != "a interpretação" {
		t.Errorf("Interpretation = %v", ds.Interpretation)
	}
	if len(updates) != 4 {
		t.Errorf("onUpdate called %d times, want 4 (3 processing + 1 done)", len(updates))
	}

	issued := *calls
	time.Sleep(50 * time.Millisecond)
	if *calls != issued {
		t.Errorf("poll kept issuing requests after terminal state: %d -> %d", issued, *calls)
	}
}

func TestPollStatus_FailedIsServiceError(t *testing.T) {
	srv, _ := statusScript(t, []func(http.ResponseWriter){
		statusJSON(1, StatusProcessing, ""),
		statusJSON(1, StatusFailed, ""),
	})

	c := testClient(srv.URL, newMemKeys())
	_, err := c.PollStatus(context.Background(), 1, nil)
	if !errors.Is(err, ErrService) {
		t.Errorf("err = %v, want ErrService", err)
	}
}

// TestPollStatus_ToleratesFailuresBelowBound: two failures then success must
// resolve normally; the failures are invisible to the caller.
func TestPollStatus_ToleratesFailuresBelowBound(t *testing.T) {
	srv, _ := statusScript(t, []func(http.ResponseWriter){
		hangUp,
		hangUp,
		statusJSON(1, StatusDone, "ok"),
	})

	c := testClient(srv.URL, newMemKeys())
	ds, err := c.PollStatus(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if ds.Status != StatusDone {
		t.Errorf("Status = %q, want done", ds.Status)
	}
}

// TestPollStatus_ConsecutiveFailureBound: three consecutive failures reject
// with ErrNetwork even though the dream may still be processing.
func TestPollStatus_ConsecutiveFailureBound(t *testing.T) {
	srv, calls := statusScript(t, []func(http.ResponseWriter){hangUp})

	c := testClient(srv.URL, newMemKeys())
	_, err := c.PollStatus(context.Background(), 1, nil)
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
	if *calls != 3 {
		t.Errorf("issued %d status requests, want 3", *calls)
	}
}

func TestPollStatus_CancelStopsTimer(t *testing.T) {
	srv, _ := statusScript(t, []func(http.ResponseWriter){
		statusJSON(1, StatusProcessing, ""),
	})

	c := testClient(srv.URL, newMemKeys())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.PollStatus(ctx, 1, nil)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PollStatus did not return after cancellation")
	}
}
