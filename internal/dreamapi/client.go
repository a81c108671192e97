package dreamapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jerryapp/dreamsync/internal/storage"
)

// Settings key under which the API key is cached across sessions.
const apiKeySetting = "dreamapp_key"

// KeyCache persists the API key between sessions. Implemented by storage.Store.
type KeyCache interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Config holds client tuning. Zero values fall back to the service defaults:
// 15s text timeout, 30s audio timeout (uploads are bigger), 10s status
// timeout, 5s poll interval, 3 tolerated consecutive poll failures.
type Config struct {
	BaseURL       string
	TextTimeout   time.Duration
	AudioTimeout  time.Duration
	StatusTimeout time.Duration
	PollInterval  time.Duration
	PollMaxFails  int
}

// Client talks to the remote interpretation service. Every request carries a
// timeout so callers never block indefinitely, and all failures map onto the
// package error taxonomy.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	keys          KeyCache
	textTimeout   time.Duration
	audioTimeout  time.Duration
	statusTimeout time.Duration
	pollInterval  time.Duration
	pollMaxFails  int
	logger        *slog.Logger
}

// New creates a Client using keys as the persistent API key cache.
func New(cfg Config, keys KeyCache) *Client {
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 15 * time.Second
	}
	if cfg.AudioTimeout <= 0 {
		cfg.AudioTimeout = 30 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollMaxFails <= 0 {
		cfg.PollMaxFails = 3
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{},
		keys:          keys,
		textTimeout:   cfg.TextTimeout,
		audioTimeout:  cfg.AudioTimeout,
		statusTimeout: cfg.StatusTimeout,
		pollInterval:  cfg.PollInterval,
		pollMaxFails:  cfg.PollMaxFails,
		logger:        slog.Default(),
	}
}

// keyResponse mirrors the JSON returned by GET /api/auth/key.php.
type keyResponse struct {
	Success bool   `json:"success"`
	APIKey  string `json:"api_key"`
	Error   string `json:"error"`
}

// submitResponse mirrors the JSON returned by POST /api/submit_dream.php.
type submitResponse struct {
	Success       bool    `json:"success"`
	DreamID       int64   `json:"dream_id"`
	Transcription *string `json:"transcription"`
	Error         string  `json:"error"`
}

// SubmitResult is the confirmation of an accepted dream.
type SubmitResult struct {
	DreamID       int64
	Transcription string
}

// DreamStatus mirrors the JSON returned by GET /api/dream_status.php.
type DreamStatus struct {
	ID             int64   `json:"id"`
	Status         string  `json:"status"`
	Interpretation *string `json:"interpretation"`
	ImageURL       *string `json:"image_url"`
	InputMode      string  `json:"input_mode"`
	CreatedAt      string  `json:"created_at"`
	ProcessedAt    *string `json:"processed_at"`
}

// Terminal statuses reported by the service.
const (
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// APIKey returns the cached API key, requesting and persisting a new one on
// a cache miss. Any retrieval failure maps to ErrAuth.
func (c *Client) APIKey(ctx context.Context) (string, error) {
	key, err := c.keys.GetSetting(apiKeySetting)
	if err == nil && key != "" {
		return key, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// Cache unreadable: log distinctly and fall through to the network.
		c.logger.Warn("api key cache read failed", "error", fmt.Errorf("%w: %w", ErrStorage, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.textTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/key.php", nil)
	if err != nil {
		return "", fmt.Errorf("creating key request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: requesting api key: %w", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: key endpoint returned status %d", ErrAuth, resp.StatusCode)
	}

	var kr keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return "", fmt.Errorf("%w: decoding key response: %w", ErrAuth, err)
	}
	if !kr.Success || kr.APIKey == "" {
		return "", fmt.Errorf("%w: %s", ErrAuth, errOrDefault(kr.Error, "key endpoint reported failure"))
	}

	// Best-effort caching: a storage outage must not block submission.
	if err := c.keys.SetSetting(apiKeySetting, kr.APIKey); err != nil {
		c.logger.Warn("api key cache write failed", "error", fmt.Errorf("%w: %w", ErrStorage, err))
	}

	return kr.APIKey, nil
}

// SubmitAudio uploads a recording as multipart form data. The 30s default
// timeout is larger than the text one since uploads are bigger.
func (c *Client) SubmitAudio(ctx context.Context, blob []byte) (SubmitResult, error) {
	apiKey, err := c.APIKey(ctx)
	if err != nil {
		return SubmitResult{}, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fw, err := writer.CreateFormFile("audio", "dream.webm")
	if err != nil {
		return SubmitResult{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(blob); err != nil {
		return SubmitResult{}, fmt.Errorf("writing audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return SubmitResult{}, fmt.Errorf("closing multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.audioTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/submit_dream.php", &buf)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("creating submit request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Api-Key", apiKey)

	return c.doSubmit(req)
}

// SubmitText uploads a typed dream as JSON.
func (c *Client) SubmitText(ctx context.Context, text string) (SubmitResult, error) {
	apiKey, err := c.APIKey(ctx)
	if err != nil {
		return SubmitResult{}, err
	}

	body, err := json.Marshal(map[string]string{"dream": text})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshalling dream text: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.textTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/submit_dream.php", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("creating submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", apiKey)

	return c.doSubmit(req)
}

func (c *Client) doSubmit(req *http.Request) (SubmitResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: submitting dream: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return SubmitResult{}, fmt.Errorf("%w: submit returned status %d", ErrService, resp.StatusCode)
		}
		return SubmitResult{}, fmt.Errorf("%w: decoding submit response: %w", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK || !sr.Success {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrService, errOrDefault(sr.Error, "submit reported failure"))
	}

	result := SubmitResult{DreamID: sr.DreamID}
	if sr.Transcription != nil {
		result.Transcription = *sr.Transcription
	}
	return result, nil
}

// DreamStatus fetches the processing status of a submitted dream once.
func (c *Client) DreamStatus(ctx context.Context, dreamID int64) (DreamStatus, error) {
	apiKey, err := c.APIKey(ctx)
	if err != nil {
		return DreamStatus{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	url := c.baseURL + "/api/dream_status.php?id=" + strconv.FormatInt(dreamID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DreamStatus{}, fmt.Errorf("creating status request: %w", err)
	}
	req.Header.Set("X-Api-Key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DreamStatus{}, fmt.Errorf("%w: fetching dream status: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DreamStatus{}, fmt.Errorf("%w: status endpoint returned %d", ErrNetwork, resp.StatusCode)
	}

	var ds DreamStatus
	if err := json.NewDecoder(resp.Body).Decode(&ds); err != nil {
		return DreamStatus{}, fmt.Errorf("%w: decoding status response: %w", ErrNetwork, err)
	}
	return ds, nil
}

func errOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
