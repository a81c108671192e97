package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jerryapp/dreamsync/internal/connectivity"
	"github.com/jerryapp/dreamsync/internal/dreamapi"
	"github.com/jerryapp/dreamsync/internal/history"
	"github.com/jerryapp/dreamsync/internal/social"
	"github.com/jerryapp/dreamsync/internal/storage"
	"github.com/jerryapp/dreamsync/internal/submit"
)

const testToken = "test-token-12345"

// newFakeService spins up a stand-in for the remote dream service that
// accepts every submission and reports it done on the first status check.
func newFakeService(t *testing.T) *httptest.Server {
	t.Helper()
	var nextID atomic.Int64
	nextID.Store(100)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/key.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"api_key":"fake-key"}`)
	})
	mux.HandleFunc("/api/submit_dream.php", func(w http.ResponseWriter, r *http.Request) {
		id := nextID.Add(1)
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			fmt.Fprintf(w, `{"success":true,"dream_id":%d,"transcription":"sonhei com o mar"}`, id)
			return
		}
		fmt.Fprintf(w, `{"success":true,"dream_id":%d}`, id)
	})
	mux.HandleFunc("/api/dream_status.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%s,"status":"done","interpretation":"um presságio de calma"}`, r.URL.Query().Get("id"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupAppHandler(t *testing.T, upstreamURL string, online bool) (http.Handler, *storage.Store, *submit.Controller) {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := dreamapi.New(dreamapi.Config{
		BaseURL:      upstreamURL,
		PollInterval: 10 * time.Millisecond,
	}, store)

	mon := connectivity.New(nil, time.Hour)
	mon.SetOnline(online)

	hist := history.NewManager(store, 0)
	soc := social.NewManager(store)
	ctrl := submit.New(store, client, mon, hist, soc, 5)

	h := NewAppHandler(AppDeps{
		Store:      store,
		Controller: ctrl,
		Social:     soc,
		History:    hist,
		Status:     client,
		Net:        mon,
		Token:      testToken,
	})
	return h, store, ctrl
}

func authReq(method, url, body, token string) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAuthRequired(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	for _, token := range []string{"", "wrong-token"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, authReq(http.MethodGet, "/queue", "", token))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, w.Code)
		}
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/health", "", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Status string `json:"status"`
		Online bool   `json:"online"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if body.Status != "ok" || !body.Online {
		t.Errorf("health = %+v", body)
	}
}

func TestSubmitDream(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodPost, "/dreams", `{"title":"Oceano","emotion":"paz","text":"sonhei com o mar"}`, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var outcome submit.Outcome
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("decoding outcome: %v", err)
	}
	if outcome.State != submit.StateDone {
		t.Errorf("state = %q, want done", outcome.State)
	}
	if outcome.Record == nil || outcome.Record.Interpretation == "" {
		t.Errorf("record = %+v, want interpretation", outcome.Record)
	}

	// The interpretation is visible through the history endpoint.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/history", "", testToken))
	var records []history.Record
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("history holds %d records, want 1", len(records))
	}
}

func TestSubmitDreamRequiresText(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodPost, "/dreams", `{"title":"Sem texto"}`, testToken))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSubmitAudio(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "dream.webm")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("webm-bytes"))
	mw.WriteField("title", "Chuva")
	mw.WriteField("emotion", "nostalgia")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/dreams/audio", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var outcome submit.Outcome
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("decoding outcome: %v", err)
	}
	if outcome.State != submit.StateDone {
		t.Errorf("state = %q, want done", outcome.State)
	}
	if outcome.Transcription != "sonhei com o mar" {
		t.Errorf("transcription = %q", outcome.Transcription)
	}
}

func TestOfflineSubmitShowsUpInQueueAndReplays(t *testing.T) {
	// Upstream exists but the monitor says offline, so no send is attempted.
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, false)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodPost, "/dreams", `{"text":"sonho offline"}`, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var outcome submit.Outcome
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("decoding outcome: %v", err)
	}
	if outcome.State != submit.StateWaiting {
		t.Fatalf("state = %q, want waiting", outcome.State)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/queue", "", testToken))
	var items []QueueItem
	if err := json.NewDecoder(w.Body).Decode(&items); err != nil {
		t.Fatalf("decoding queue: %v", err)
	}
	if len(items) != 1 || items[0].Type != storage.RequestText || items[0].Status != storage.StatusPending {
		t.Fatalf("queue = %+v, want one pending text record", items)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodPost, "/replay", "", testToken))
	var stats submit.Stats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Attempted != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v, want 1 attempted, 1 succeeded", stats)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/queue", "", testToken))
	items = nil
	if err := json.NewDecoder(w.Body).Decode(&items); err != nil {
		t.Fatalf("decoding queue: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("queue = %+v, want empty after replay", items)
	}
}

func TestReactionsRoundTrip(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodPost, "/dreams/42/reactions", `{"emoji":"🌙"}`, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var toggled map[string]int
	if err := json.NewDecoder(w.Body).Decode(&toggled); err != nil {
		t.Fatalf("decoding toggle: %v", err)
	}
	if toggled["count"] != 1 {
		t.Errorf("count = %d, want 1", toggled["count"])
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/dreams/42/reactions", "", testToken))
	var counts map[string]int
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("decoding reactions: %v", err)
	}
	if counts["🌙"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCommentsRoundTrip(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodPost, "/dreams/42/comments", `{"text":"que sonho!"}`, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var comment social.Comment
	if err := json.NewDecoder(w.Body).Decode(&comment); err != nil {
		t.Fatalf("decoding comment: %v", err)
	}
	if comment.ID == "" || comment.Author != "Você" {
		t.Errorf("comment = %+v", comment)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/dreams/42/comments", "", testToken))
	var comments []social.Comment
	if err := json.NewDecoder(w.Body).Decode(&comments); err != nil {
		t.Fatalf("decoding comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Text != "que sonho!" {
		t.Errorf("comments = %+v", comments)
	}
}

func TestDreamStatusProxied(t *testing.T) {
	srv := newFakeService(t)
	h, _, _ := setupAppHandler(t, srv.URL, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/dreams/123/status", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var ds dreamapi.DreamStatus
	if err := json.NewDecoder(w.Body).Decode(&ds); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if ds.ID != 123 || ds.Status != dreamapi.StatusDone {
		t.Errorf("status = %+v", ds)
	}
}

func TestDreamStatusUpstreamDown(t *testing.T) {
	downstream := httptest.NewServer(http.NotFoundHandler())
	downstream.Close()

	h, _, _ := setupAppHandler(t, downstream.URL, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/dreams/1/status", "", testToken))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
