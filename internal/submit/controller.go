package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jerryapp/dreamsync/internal/dreamapi"
	"github.com/jerryapp/dreamsync/internal/history"
	"github.com/jerryapp/dreamsync/internal/social"
	"github.com/jerryapp/dreamsync/internal/storage"
)

// Queue abstracts the durable blob store and request queue.
// Implemented by storage.Store.
type Queue interface {
	SaveAudio(blob []byte) (int64, error)
	GetAudio(id int64) (storage.PendingAudio, error)
	RemoveAudio(id int64) error
	IncrementAudioRetry(id int64) error
	ListOrphanAudio() ([]storage.PendingAudio, error)
	EnqueueRequest(reqType, payloadJSON string, blobKey *int64) (int64, error)
	ListPendingRequests() ([]storage.QueuedRequest, error)
	RemoveRequest(id int64) error
	MarkRequestFailed(id int64, maxRetries int) error
}

// Client abstracts the remote interpretation service.
type Client interface {
	SubmitAudio(ctx context.Context, blob []byte) (dreamapi.SubmitResult, error)
	SubmitText(ctx context.Context, text string) (dreamapi.SubmitResult, error)
	PollStatus(ctx context.Context, dreamID int64, onUpdate func(dreamapi.DreamStatus)) (dreamapi.DreamStatus, error)
}

// Connectivity abstracts the reachability monitor.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// History receives completed interpretations.
type History interface {
	Append(rec history.Record) error
}

// Social applies local reaction/comment mutations during replay.
type Social interface {
	ToggleReaction(dreamID, emoji string) (int, error)
	AddComment(dreamID, text string, at time.Time) (social.Comment, error)
}

// State is the submission state surfaced to the UI layer.
type State string

const (
	// StateWaiting: durably queued, no confirmed interpretation yet. The
	// same state covers "offline" and "send failed"; the user cannot tell
	// them apart except through queue inspection.
	StateWaiting State = "waiting"
	// StateProcessing: the server accepted the dream but the result is
	// still unknown (poll contact lost). Retry the status check later.
	StateProcessing State = "processing"
	// StateDone: interpretation available.
	StateDone State = "done"
	// StateFailed: the service explicitly rejected this dream.
	StateFailed State = "failed"
)

// Outcome is what a submission attempt looks like to the hosting UI.
type Outcome struct {
	State         State           `json:"state"`
	DreamID       int64           `json:"dream_id,omitempty"`
	Transcription string          `json:"transcription,omitempty"`
	Notice        string          `json:"notice,omitempty"`
	Record        *history.Record `json:"record,omitempty"`
}

// Queue payloads, stored as JSON.

type TextPayload struct {
	Title   string `json:"title"`
	Emotion string `json:"emotion"`
	Dream   string `json:"dream"`
}

type AudioPayload struct {
	Title    string `json:"title"`
	Emotion  string `json:"emotion"`
	Filename string `json:"filename"`
}

type ReactionPayload struct {
	DreamID string `json:"dream_id"`
	Emoji   string `json:"emoji"`
}

type CommentPayload struct {
	DreamID string `json:"dream_id"`
	Text    string `json:"text"`
}

// Stats summarizes one replay sweep.
type Stats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Controller owns the persist-then-send ordering for every mutating user
// action and drives replay of durably queued work. It is the only component
// that decides when durable records are written and removed.
type Controller struct {
	store      Queue
	client     Client
	net        Connectivity
	history    History
	social     Social
	maxRetries int
	logger     *slog.Logger

	replays singleflight.Group

	mu       sync.Mutex
	inflight map[int64]struct{}

	runCtx      context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a Controller. maxRetries <= 0 falls back to 5, matching the
// queue's replay cap.
func New(store Queue, client Client, net Connectivity, hist History, soc Social, maxRetries int) *Controller {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Controller{
		store:      store,
		client:     client,
		net:        net,
		history:    hist,
		social:     soc,
		maxRetries: maxRetries,
		logger:     slog.Default(),
		inflight:   make(map[int64]struct{}),
	}
}

// Start subscribes to connectivity transitions and kicks off the startup
// replay sweep. ctx bounds all background work; Stop waits for it.
func (c *Controller) Start(ctx context.Context) {
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.unsubscribe = c.net.Subscribe(func(online bool) {
		if online {
			c.triggerReplay()
		}
	})
	c.triggerReplay()
}

// Stop unsubscribes, cancels background sweeps, and waits for them to exit.
func (c *Controller) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) triggerReplay() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Replay(c.runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("replay sweep failed", "error", err)
		}
	}()
}

// SubmitText handles a typed dream: log intent durably, then attempt the
// send unless the connection is known to be down.
func (c *Controller) SubmitText(ctx context.Context, title, emotion, text string) (Outcome, error) {
	payload, err := json.Marshal(TextPayload{Title: title, Emotion: emotion, Dream: text})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshalling text payload: %w", err)
	}

	id := c.enqueue(storage.RequestText, string(payload), nil)

	if outcome, short := c.shortCircuitOffline(id); short {
		return outcome, nil
	}

	if id != 0 {
		if !c.markInflight(id) {
			// A replay sweep grabbed the fresh record first; let it finish.
			return Outcome{State: StateWaiting, Notice: noticeQueued}, nil
		}
		defer c.releaseInflight(id)
	}

	res, err := c.client.SubmitText(ctx, text)
	if err != nil {
		return c.sendFailed(id, nil, err), nil
	}

	c.confirmSent(id, nil)
	return c.awaitResult(ctx, res, title, emotion, text)
}

// SubmitAudio handles a finished recording: persist the blob, log intent,
// then attempt the upload unless offline.
func (c *Controller) SubmitAudio(ctx context.Context, title, emotion string, blob []byte) (Outcome, error) {
	var blobKey *int64
	audioID, err := c.store.SaveAudio(blob)
	if err != nil {
		// Proceed without a local copy rather than blocking the user.
		c.logger.Error("recording not persisted", "error", fmt.Errorf("%w: %w", dreamapi.ErrStorage, err))
	} else {
		blobKey = &audioID
	}

	payload, err := json.Marshal(AudioPayload{Title: title, Emotion: emotion, Filename: "dream.webm"})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshalling audio payload: %w", err)
	}

	id := c.enqueue(storage.RequestAudio, string(payload), blobKey)

	if outcome, short := c.shortCircuitOffline(id); short {
		return outcome, nil
	}

	if id != 0 {
		if !c.markInflight(id) {
			return Outcome{State: StateWaiting, Notice: noticeQueued}, nil
		}
		defer c.releaseInflight(id)
	}

	res, err := c.client.SubmitAudio(ctx, blob)
	if err != nil {
		return c.sendFailed(id, blobKey, err), nil
	}

	c.confirmSent(id, blobKey)

	outcome, err := c.awaitResult(ctx, res, title, emotion, res.Transcription)
	outcome.Transcription = res.Transcription
	return outcome, err
}

// React logs the reaction durably, applies it locally, and clears the
// queue record on success.
func (c *Controller) React(dreamID, emoji string) (int, error) {
	payload, err := json.Marshal(ReactionPayload{DreamID: dreamID, Emoji: emoji})
	if err != nil {
		return 0, fmt.Errorf("marshalling reaction payload: %w", err)
	}
	id := c.enqueue(storage.RequestReaction, string(payload), nil)

	if id != 0 {
		if !c.markInflight(id) {
			return 0, errors.New("reaction already being applied")
		}
		defer c.releaseInflight(id)
	}

	count, err := c.social.ToggleReaction(dreamID, emoji)
	if err != nil {
		if id != 0 {
			c.markFailed(id)
		}
		return 0, err
	}
	c.confirmSent(id, nil)
	return count, nil
}

// Comment logs the comment durably, applies it locally, and clears the
// queue record on success.
func (c *Controller) Comment(dreamID, text string) (social.Comment, error) {
	payload, err := json.Marshal(CommentPayload{DreamID: dreamID, Text: text})
	if err != nil {
		return social.Comment{}, fmt.Errorf("marshalling comment payload: %w", err)
	}
	id := c.enqueue(storage.RequestComment, string(payload), nil)

	if id != 0 {
		if !c.markInflight(id) {
			return social.Comment{}, errors.New("comment already being applied")
		}
		defer c.releaseInflight(id)
	}

	comment, err := c.social.AddComment(dreamID, text, time.Now())
	if err != nil {
		if id != 0 {
			c.markFailed(id)
		}
		return social.Comment{}, err
	}
	c.confirmSent(id, nil)
	return comment, nil
}

// Replay attempts every pending durable record once, oldest first. A sweep
// already in flight absorbs concurrent triggers: callers share its result
// instead of starting overlapping attempts on the same records.
func (c *Controller) Replay(ctx context.Context) (Stats, error) {
	v, err, _ := c.replays.Do("replay", func() (any, error) {
		return c.replayOnce(ctx)
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

func (c *Controller) replayOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	// Recordings that lost their queue record to a crash between SaveAudio
	// and EnqueueRequest get re-linked before the sweep.
	orphans, err := c.store.ListOrphanAudio()
	if err != nil {
		return stats, fmt.Errorf("%w: scanning orphan audio: %w", dreamapi.ErrStorage, err)
	}
	for _, a := range orphans {
		id := a.ID
		payload, _ := json.Marshal(AudioPayload{Filename: "dream.webm"})
		if _, err := c.store.EnqueueRequest(storage.RequestAudio, string(payload), &id); err != nil {
			return stats, fmt.Errorf("%w: re-enqueueing audio %d: %w", dreamapi.ErrStorage, id, err)
		}
	}

	// A replay that cannot read its own queue is a defect, not a normal
	// outcome; the error propagates.
	pending, err := c.store.ListPendingRequests()
	if err != nil {
		return stats, fmt.Errorf("%w: reading pending queue: %w", dreamapi.ErrStorage, err)
	}

	for _, req := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !c.markInflight(req.ID) {
			// An interactive attempt on this record is outstanding.
			continue
		}
		stats.Attempted++
		err := c.replayRequest(ctx, req)
		c.releaseInflight(req.ID)
		if err != nil {
			stats.Failed++
			c.logger.Warn("replay attempt failed", "request_id", req.ID, "type", req.Type, "error", err)
		} else {
			stats.Succeeded++
		}
	}

	return stats, nil
}

func (c *Controller) replayRequest(ctx context.Context, req storage.QueuedRequest) error {
	switch req.Type {
	case storage.RequestAudio:
		return c.replayAudio(ctx, req)
	case storage.RequestText:
		return c.replayText(ctx, req)
	case storage.RequestReaction:
		var p ReactionPayload
		if err := json.Unmarshal([]byte(req.PayloadJSON), &p); err != nil {
			return c.dropPoisoned(req, err)
		}
		if _, err := c.social.ToggleReaction(p.DreamID, p.Emoji); err != nil {
			c.markFailed(req.ID)
			return err
		}
		c.confirmSent(req.ID, nil)
		return nil
	case storage.RequestComment:
		var p CommentPayload
		if err := json.Unmarshal([]byte(req.PayloadJSON), &p); err != nil {
			return c.dropPoisoned(req, err)
		}
		if _, err := c.social.AddComment(p.DreamID, p.Text, req.CreatedAt); err != nil {
			c.markFailed(req.ID)
			return err
		}
		c.confirmSent(req.ID, nil)
		return nil
	default:
		return c.dropPoisoned(req, fmt.Errorf("unknown request type %q", req.Type))
	}
}

func (c *Controller) replayAudio(ctx context.Context, req storage.QueuedRequest) error {
	if req.BlobKey == nil {
		// The blob was never persisted; the record can never be sent.
		return c.dropPoisoned(req, errors.New("audio record has no blob"))
	}

	audio, err := c.store.GetAudio(*req.BlobKey)
	if errors.Is(err, storage.ErrNotFound) {
		return c.dropPoisoned(req, fmt.Errorf("blob %d is gone", *req.BlobKey))
	}
	if err != nil {
		return fmt.Errorf("%w: loading blob %d: %w", dreamapi.ErrStorage, *req.BlobKey, err)
	}

	var p AudioPayload
	if err := json.Unmarshal([]byte(req.PayloadJSON), &p); err != nil {
		return c.dropPoisoned(req, err)
	}

	res, err := c.client.SubmitAudio(ctx, audio.Blob)
	if err != nil {
		c.sendFailed(req.ID, req.BlobKey, err)
		return err
	}

	c.confirmSent(req.ID, req.BlobKey)
	if outcome, err := c.awaitResult(ctx, res, p.Title, p.Emotion, res.Transcription); err == nil {
		c.logger.Info("replayed audio dream", "request_id", req.ID, "dream_id", res.DreamID, "state", outcome.State)
	}
	return nil
}

func (c *Controller) replayText(ctx context.Context, req storage.QueuedRequest) error {
	var p TextPayload
	if err := json.Unmarshal([]byte(req.PayloadJSON), &p); err != nil {
		return c.dropPoisoned(req, err)
	}

	res, err := c.client.SubmitText(ctx, p.Dream)
	if err != nil {
		c.sendFailed(req.ID, nil, err)
		return err
	}

	c.confirmSent(req.ID, nil)
	if outcome, err := c.awaitResult(ctx, res, p.Title, p.Emotion, p.Dream); err == nil {
		c.logger.Info("replayed text dream", "request_id", req.ID, "dream_id", res.DreamID, "state", outcome.State)
	}
	return nil
}

// enqueue logs intent, swallowing storage failures: a local storage outage
// must never block the user, but it is surfaced distinctly in the log.
// Returns 0 when nothing durable was written.
func (c *Controller) enqueue(reqType, payloadJSON string, blobKey *int64) int64 {
	id, err := c.store.EnqueueRequest(reqType, payloadJSON, blobKey)
	if err != nil {
		c.logger.Error("intent not persisted", "type", reqType, "error", fmt.Errorf("%w: %w", dreamapi.ErrStorage, err))
		return 0
	}
	return id
}

// shortCircuitOffline skips the network attempt entirely when the connection
// is known to be down and the intent is durably logged; no point spending a
// timeout on it. With nothing persisted the send is attempted anyway, as the
// one remaining chance to not lose the dream.
func (c *Controller) shortCircuitOffline(queueID int64) (Outcome, bool) {
	if queueID != 0 && !c.net.IsOnline() {
		return Outcome{State: StateWaiting, Notice: noticeOffline}, true
	}
	return Outcome{}, false
}

// sendFailed converts a send error into the visible outcome. Auth and
// network failures leave the record queued for replay; a service-confirmed
// rejection is terminal for this dream and releases its durable records.
func (c *Controller) sendFailed(queueID int64, blobKey *int64, err error) Outcome {
	if errors.Is(err, dreamapi.ErrService) {
		c.confirmSent(queueID, blobKey)
		c.logger.Warn("dream rejected by service", "request_id", queueID, "error", err)
		return Outcome{State: StateFailed, Notice: noticeRejected}
	}

	c.logger.Warn("send failed, dream stays queued", "request_id", queueID, "error", err)
	if queueID != 0 {
		c.markFailed(queueID)
	}
	if blobKey != nil {
		if err := c.store.IncrementAudioRetry(*blobKey); err != nil {
			c.logger.Error("recording retry count not updated", "audio_id", *blobKey, "error", err)
		}
	}
	return Outcome{State: StateWaiting, Notice: noticeOffline}
}

// confirmSent removes durable records once the server has confirmed the
// submission. Removal strictly follows confirmation; a crash in between
// leaves the records for replay (at-least-once).
func (c *Controller) confirmSent(queueID int64, blobKey *int64) {
	if queueID != 0 {
		if err := c.store.RemoveRequest(queueID); err != nil {
			c.logger.Error("confirmed request not removed", "request_id", queueID, "error", err)
		}
	}
	if blobKey != nil {
		if err := c.store.RemoveAudio(*blobKey); err != nil {
			c.logger.Error("confirmed recording not removed", "audio_id", *blobKey, "error", err)
		}
	}
}

func (c *Controller) markFailed(queueID int64) {
	if err := c.store.MarkRequestFailed(queueID, c.maxRetries); err != nil {
		c.logger.Error("failed attempt not recorded", "request_id", queueID, "error", err)
	}
}

// dropPoisoned removes a record that can never be sent.
func (c *Controller) dropPoisoned(req storage.QueuedRequest, cause error) error {
	c.logger.Warn("dropping unreplayable record", "request_id", req.ID, "type", req.Type, "cause", cause)
	return c.store.RemoveRequest(req.ID)
}

// awaitResult polls the accepted dream to a terminal state and appends the
// interpretation to history on success.
func (c *Controller) awaitResult(ctx context.Context, res dreamapi.SubmitResult, title, emotion, dreamText string) (Outcome, error) {
	st, err := c.client.PollStatus(ctx, res.DreamID, nil)
	if err != nil {
		if errors.Is(err, dreamapi.ErrService) {
			return Outcome{State: StateFailed, DreamID: res.DreamID, Notice: noticeRejected}, nil
		}
		if ctx.Err() != nil {
			return Outcome{State: StateProcessing, DreamID: res.DreamID}, ctx.Err()
		}
		// Contact lost: the dream is safe server-side, status unknown.
		return Outcome{State: StateProcessing, DreamID: res.DreamID, Notice: noticeProcessing}, nil
	}

	rec := history.Record{
		DreamID:   res.DreamID,
		Title:     title,
		Emotion:   emotion,
		DreamText: dreamText,
		CreatedAt: time.Now().UTC(),
	}
	if st.Interpretation != nil {
		rec.Interpretation = *st.Interpretation
	}
	if st.ImageURL != nil {
		rec.ImageURL = *st.ImageURL
	}
	if err := c.history.Append(rec); err != nil {
		c.logger.Error("interpretation not added to history", "dream_id", res.DreamID, "error", err)
	}

	return Outcome{State: StateDone, DreamID: res.DreamID, Record: &rec}, nil
}

func (c *Controller) markInflight(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Controller) releaseInflight(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// User-facing notices, matching the web client's wording.
const (
	noticeOffline    = "Sem conexão com o servidor. Seu sonho foi salvo localmente."
	noticeQueued     = "Seu sonho já está na fila de envio."
	noticeRejected   = "O serviço não conseguiu interpretar este sonho."
	noticeProcessing = "Conexão perdida durante o processamento. Seu sonho está seguro."
)
