package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/jerryapp/dreamsync/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	m := NewManager(openTestStore(t), 0)

	first := Record{DreamID: 1, Title: "Oceano", Emotion: "paz", Interpretation: "calm", CreatedAt: time.Now().UTC()}
	second := Record{DreamID: 2, Title: "Queda", Emotion: "medo", Interpretation: "fear", CreatedAt: time.Now().UTC()}

	if err := m.Append(first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Append(second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].DreamID != 2 || records[1].DreamID != 1 {
		t.Errorf("order = [%d %d], want most recent first [2 1]", records[0].DreamID, records[1].DreamID)
	}
}

// TestBound: after 25 appends the history holds exactly the 20 most recent,
// most recent first.
func TestBound(t *testing.T) {
	m := NewManager(openTestStore(t), 20)

	for i := 1; i <= 25; i++ {
		rec := Record{DreamID: int64(i), Title: fmt.Sprintf("dream %d", i), CreatedAt: time.Now().UTC()}
		if err := m.Append(rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("got %d records, want 20", len(records))
	}
	for i, rec := range records {
		want := int64(25 - i)
		if rec.DreamID != want {
			t.Errorf("records[%d].DreamID = %d, want %d", i, rec.DreamID, want)
		}
	}
}

func TestListEmpty(t *testing.T) {
	m := NewManager(openTestStore(t), 0)

	records, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records on empty store, want 0", len(records))
	}
}

func TestCorruptHistoryStartsFresh(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetSetting(settingKey, "{not json"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	m := NewManager(store, 0)
	if err := m.Append(Record{DreamID: 9}); err != nil {
		t.Fatalf("Append over corrupt history: %v", err)
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].DreamID != 9 {
		t.Errorf("records = %+v, want single record 9", records)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := NewManager(s1, 0).Append(Record{DreamID: 3, Title: "Voo"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s1.Close()

	s2, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	records, err := NewManager(s2, 0).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].Title != "Voo" {
		t.Errorf("records = %+v, want the persisted record", records)
	}
}
