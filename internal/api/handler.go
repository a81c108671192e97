package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jerryapp/dreamsync/internal/dreamapi"
	"github.com/jerryapp/dreamsync/internal/history"
	"github.com/jerryapp/dreamsync/internal/social"
	"github.com/jerryapp/dreamsync/internal/storage"
	"github.com/jerryapp/dreamsync/internal/submit"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxAudioBodySize = 15 << 20  // 15MB, recordings are short webm clips

// SubmitDreamRequest is the body of POST /dreams.
type SubmitDreamRequest struct {
	Title   string `json:"title"`
	Emotion string `json:"emotion"`
	Text    string `json:"text"`
}

// QueueItem is the inspectable view of a durable queue record. Payloads and
// blobs stay internal.
type QueueItem struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Retries   int    `json:"retries"`
	Status    string `json:"status"`
}

// StatusFetcher fetches the processing status of a dream once.
type StatusFetcher interface {
	DreamStatus(ctx context.Context, dreamID int64) (dreamapi.DreamStatus, error)
}

// OnlineChecker reports the last known reachability of the remote service.
type OnlineChecker interface {
	IsOnline() bool
}

type AppDeps struct {
	Store      *storage.Store
	Controller *submit.Controller
	Social     *social.Manager
	History    *history.Manager
	Status     StatusFetcher
	Net        OnlineChecker
	Token      string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/dreams", handleSubmitText(deps))
		r.Post("/dreams/audio", handleSubmitAudio(deps))
		r.Get("/dreams/{id}/status", handleDreamStatus(deps))
		r.Get("/dreams/{id}/reactions", handleListReactions(deps))
		r.Post("/dreams/{id}/reactions", handleToggleReaction(deps))
		r.Get("/dreams/{id}/comments", handleListComments(deps))
		r.Post("/dreams/{id}/comments", handleAddComment(deps))
		r.Get("/queue", handleListQueue(deps))
		r.Post("/replay", handleReplay(deps))
		r.Get("/history", handleListHistory(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"online": deps.Net.IsOnline(),
		})
	}
}

func handleSubmitText(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitDreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		// The submission keeps running even if the caller goes away; durable
		// records must reach their final state either way.
		outcome, err := deps.Controller.SubmitText(context.WithoutCancel(r.Context()), req.Title, req.Emotion, req.Text)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit dream: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome)
	}
}

func handleSubmitAudio(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAudioBodySize)
		defer r.Body.Close()

		file, _, err := r.FormFile("audio")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio file is required: %v", err)
			return
		}
		defer file.Close()

		blob, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read audio: %v", err)
			return
		}
		if len(blob) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio file is empty")
			return
		}

		title := r.FormValue("title")
		emotion := r.FormValue("emotion")

		outcome, err := deps.Controller.SubmitAudio(context.WithoutCancel(r.Context()), title, emotion, blob)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit recording: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome)
	}
}

func handleDreamStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid dream id")
			return
		}

		ds, err := deps.Status.DreamStatus(r.Context(), id)
		if errors.Is(err, dreamapi.ErrNetwork) || errors.Is(err, dreamapi.ErrAuth) {
			httpError(w, http.StatusBadGateway, "api_error", "dream service unreachable: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch status: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ds)
	}
}

func handleListReactions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Social.Reactions(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list reactions: %v", err)
			return
		}
		if counts == nil {
			counts = map[string]int{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counts)
	}
}

func handleToggleReaction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Emoji string `json:"emoji"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Emoji == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "emoji is required")
			return
		}

		count, err := deps.Controller.React(chi.URLParam(r, "id"), req.Emoji)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to toggle reaction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"count": count})
	}
}

func handleListComments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		comments, err := deps.Social.Comments(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list comments: %v", err)
			return
		}
		if comments == nil {
			comments = []social.Comment{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(comments)
	}
}

func handleAddComment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		comment, err := deps.Controller.Comment(chi.URLParam(r, "id"), req.Text)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add comment: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(comment)
	}
}

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqs, err := deps.Store.ListRequests()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queue: %v", err)
			return
		}

		items := make([]QueueItem, 0, len(reqs))
		for _, q := range reqs {
			items = append(items, QueueItem{
				ID:        q.ID,
				Type:      q.Type,
				CreatedAt: q.CreatedAt.Format(time.RFC3339),
				Retries:   q.Retries,
				Status:    q.Status,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}

func handleReplay(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Controller.Replay(context.WithoutCancel(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "replay failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleListHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.History.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list history: %v", err)
			return
		}
		if records == nil {
			records = []history.Record{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
