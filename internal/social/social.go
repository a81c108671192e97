package social

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jerryapp/dreamsync/internal/storage"
)

// Reactions and comments live client-side only; there is no remote endpoint
// for them. They are keyed per dream in the settings table, mirroring the
// web client's local storage layout.

// Store is the key-value persistence the Manager needs. Implemented by
// storage.Store.
type Store interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Comment is a single local comment on a dream.
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager reads and mutates per-dream reactions and comments.
type Manager struct {
	store Store
	mu    sync.Mutex
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

func reactionsKey(dreamID string) string { return "reactions_" + dreamID }
func myReactionsKey(dreamID string) string { return "my_reactions_" + dreamID }
func commentsKey(dreamID string) string { return "comments_" + dreamID }

// Reactions returns the emoji counts for a dream.
func (m *Manager) Reactions(dreamID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	if err := m.loadJSON(reactionsKey(dreamID), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// ToggleReaction adds the emoji to the dream's counts if this client has not
// reacted with it yet, and removes it otherwise. Returns the new count.
func (m *Manager) ToggleReaction(dreamID, emoji string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	if err := m.loadJSON(reactionsKey(dreamID), &counts); err != nil {
		return 0, err
	}
	var mine []string
	if err := m.loadJSON(myReactionsKey(dreamID), &mine); err != nil {
		return 0, err
	}

	reacted := false
	for _, e := range mine {
		if e == emoji {
			reacted = true
			break
		}
	}

	if reacted {
		if counts[emoji] > 1 {
			counts[emoji]--
		} else {
			delete(counts, emoji)
		}
		kept := mine[:0]
		for _, e := range mine {
			if e != emoji {
				kept = append(kept, e)
			}
		}
		mine = kept
	} else {
		counts[emoji]++
		mine = append(mine, emoji)
	}

	if err := m.saveJSON(reactionsKey(dreamID), counts); err != nil {
		return 0, err
	}
	if err := m.saveJSON(myReactionsKey(dreamID), mine); err != nil {
		return 0, err
	}
	return counts[emoji], nil
}

// Comments returns the dream's comments in insertion order.
func (m *Manager) Comments(dreamID string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var comments []Comment
	if err := m.loadJSON(commentsKey(dreamID), &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// AddComment appends a comment and returns it with its assigned id.
func (m *Manager) AddComment(dreamID, text string, at time.Time) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var comments []Comment
	if err := m.loadJSON(commentsKey(dreamID), &comments); err != nil {
		return Comment{}, err
	}

	comment := Comment{
		ID:        uuid.New().String(),
		Text:      text,
		Author:    "Você",
		CreatedAt: at.UTC(),
	}
	comments = append(comments, comment)

	if err := m.saveJSON(commentsKey(dreamID), comments); err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (m *Manager) loadJSON(key string, v any) error {
	raw, err := m.store.GetSetting(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("parsing %s: %w", key, err)
	}
	return nil
}

func (m *Manager) saveJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", key, err)
	}
	if err := m.store.SetSetting(key, string(data)); err != nil {
		return fmt.Errorf("persisting %s: %w", key, err)
	}
	return nil
}
