package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/langchou/anprgazer/internal/models"
)

func testEvent(id, plate string) models.Event {
	return models.Event{
		EventID:   id,
		DeviceID:  88,
		Plate:     plate,
		Evidences: map[string]string{},
	}
}

func TestEventStoreEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventos.json")
	store := NewEventStore(path)

	if store.Exists() {
		t.Error("Exists() = true before first append")
	}
	events, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len = %d, want 0", len(events))
	}

	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	events, err = store.ReadAll()
	if err != nil || len(events) != 0 {
		t.Errorf("empty file: events=%v err=%v", events, err)
	}
}

func TestEventStoreAppendOrder(t *testing.T) {
	store := NewEventStore(filepath.Join(t.TempDir(), "sub", "eventos.json"))

	const n = 25
	for i := 0; i < n; i++ {
		if err := store.Append(testEvent(fmt.Sprintf("id-%d", i), fmt.Sprintf("ABC%03d", i))); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	events, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(events) != n {
		t.Fatalf("len = %d, want %d", len(events), n)
	}
	for i, e := range events {
		if e.EventID != fmt.Sprintf("id-%d", i) {
			t.Errorf("events[%d] = %s", i, e.EventID)
		}
	}

	data, _ := os.ReadFile(store.Path())
	if !strings.Contains(string(data), "\n  {") {
		t.Error("store should be pretty-printed with two-space indent")
	}
	if !strings.Contains(string(data), `"video_filename": null`) {
		t.Error("missing video should serialize as null")
	}
}

func TestEventStoreConcurrentAppend(t *testing.T) {
	store := NewEventStore(filepath.Join(t.TempDir(), "eventos.json"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Append(testEvent(fmt.Sprintf("c-%d", i), "XYZ999")); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	events, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(events) != 20 {
		t.Errorf("len = %d, want 20", len(events))
	}
}

func TestEventStoreCrashBeforeRename(t *testing.T) {
	dir := t.TempDir()
	store := NewEventStore(filepath.Join(dir, "eventos.json"))

	for i := 0; i < 3; i++ {
		if err := store.Append(testEvent(fmt.Sprintf("id-%d", i), "ABC123")); err != nil {
			t.Fatal(err)
		}
	}

	// 模拟在临时文件写完、rename 之前进程终止
	store.rename = func(string, string) error { return errors.New("killed") }
	if err := store.Append(testEvent("id-3", "ABC123")); err == nil {
		t.Fatal("Append() should fail when rename fails")
	}

	store.rename = os.Rename
	events, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() after failed append error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("len = %d, want 3", len(events))
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestEventStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventos.json")
	if err := os.WriteFile(path, []byte(`[{"event_id":"a"`), 0644); err != nil {
		t.Fatal(err)
	}
	store := NewEventStore(path)

	if _, err := store.ReadAll(); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("ReadAll() error = %v, want ErrStoreCorrupt", err)
	}
	if err := store.Append(testEvent("b", "ABC123")); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("Append() error = %v, want ErrStoreCorrupt", err)
	}
}

func TestEventStoreRejects(t *testing.T) {
	store := NewEventStore(filepath.Join(t.TempDir(), "eventos.json"))

	for _, plate := range []string{"unknown", "UNKNOWN", " Unknown "} {
		if err := store.Append(testEvent("u-"+plate, plate)); !errors.Is(err, ErrUnknownPlate) {
			t.Errorf("Append(%q) error = %v, want ErrUnknownPlate", plate, err)
		}
	}

	if err := store.Append(testEvent("dup", "ABC123")); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(testEvent("dup", "ABC124")); !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("duplicate Append() error = %v, want ErrDuplicateEvent", err)
	}

	events, _ := store.ReadAll()
	if len(events) != 1 {
		t.Errorf("len = %d, want 1", len(events))
	}
}
