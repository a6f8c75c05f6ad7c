package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/langchou/anprgazer/internal/models"
)

// 错误定义
var (
	ErrStoreCorrupt   = errors.New("event store corrupt")
	ErrDuplicateEvent = errors.New("duplicate event id")
	ErrUnknownPlate   = errors.New("unknown plate")
)

// EventStore 事件日志（单个 JSON 数组文件）
// 每次追加都整体重写文件：写临时文件、fsync、rename 覆盖
type EventStore struct {
	path string
	mu   sync.Mutex

	rename func(oldpath, newpath string) error
}

// NewEventStore 创建事件日志
func NewEventStore(path string) *EventStore {
	return &EventStore{path: path, rename: os.Rename}
}

// Path 文件路径
func (s *EventStore) Path() string {
	return s.path
}

// Exists 文件是否存在
func (s *EventStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// ReadAll 读取全部事件，文件不存在或为空时返回空切片
func (s *EventStore) ReadAll() ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Append 追加一个事件
func (s *EventStore) Append(event models.Event) error {
	if models.IsUnknownPlate(event.Plate) {
		return ErrUnknownPlate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readLocked()
	if err != nil {
		return err
	}

	for _, e := range events {
		if e.EventID == event.EventID {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, event.EventID)
		}
	}

	events = append(events, event)
	return s.writeLocked(events)
}

func (s *EventStore) readLocked() ([]models.Event, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []models.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event store: %w", err)
	}
	if len(data) == 0 {
		return []models.Event{}, nil
	}

	var events []models.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if events == nil {
		events = []models.Event{}
	}
	return events, nil
}

func (s *EventStore) writeLocked(events []models.Event) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// rename 之前的任何失败都只影响临时文件
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := s.rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace event store: %w", err)
	}
	return nil
}
