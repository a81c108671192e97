package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jerryapp/dreamsync/internal/storage"
)

// Settings key holding the serialized history.
const settingKey = "dream_history"

// DefaultLimit is how many completed interpretations are kept.
const DefaultLimit = 20

// Store is the key-value persistence the Manager needs. Implemented by
// storage.Store.
type Store interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Record is one completed interpretation, produced only after a successful
// round trip with the remote service.
type Record struct {
	DreamID        int64     `json:"dream_id"`
	Title          string    `json:"title"`
	Emotion        string    `json:"emotion"`
	DreamText      string    `json:"dream_text"`
	Interpretation string    `json:"interpretation"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Manager keeps a bounded, most-recent-first history of interpretations in
// key-value storage.
type Manager struct {
	store  Store
	limit  int
	logger *slog.Logger

	mu sync.Mutex
}

// NewManager creates a Manager. limit <= 0 falls back to DefaultLimit.
func NewManager(store Store, limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{
		store:  store,
		limit:  limit,
		logger: slog.Default(),
	}
}

// Append prepends rec and trims the history to the configured bound.
func (m *Manager) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load()
	if err != nil {
		return err
	}

	records = append([]Record{rec}, records...)
	if len(records) > m.limit {
		records = records[:m.limit]
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshalling history: %w", err)
	}
	if err := m.store.SetSetting(settingKey, string(data)); err != nil {
		return fmt.Errorf("persisting history: %w", err)
	}
	return nil
}

// List returns the stored history, most recent first.
func (m *Manager) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() ([]Record, error) {
	raw, err := m.store.GetSetting(settingKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		// Corrupt history must not block new submissions: start fresh.
		m.logger.Warn("discarding unreadable history", "error", err)
		return nil, nil
	}
	return records, nil
}
