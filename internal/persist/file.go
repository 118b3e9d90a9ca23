package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileVersion is bumped when the on-disk schema changes.
const fileVersion = 1

type fileData struct {
	Version int               `json:"version"`
	Widgets map[string]Widget `json:"widgets"`
}

// FileStore keeps all widgets in one JSON document, rewritten atomically on
// every change.
type FileStore struct {
	mu   sync.Mutex
	path string
	data fileData
	now  func() time.Time
}

// OpenFile loads path if it exists. The parent directory is created on the
// first write.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: fileData{Version: fileVersion, Widgets: make(map[string]Widget)},
		now:  time.Now,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading widget store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parsing widget store: %w", err)
	}
	if s.data.Widgets == nil {
		s.data.Widgets = make(map[string]Widget)
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) SaveEntry(_ context.Context, widgetID, entry, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.data.Widgets[widgetID]
	w.ID = widgetID
	entries := make(map[string]string, len(w.Entries)+1)
	for k, v := range w.Entries {
		entries[k] = v
	}
	entries[entry] = source
	w.Entries = entries
	w.UpdatedAt = s.now().UTC()

	prev, had := s.data.Widgets[widgetID]
	s.data.Widgets[widgetID] = w
	if err := s.flushLocked(); err != nil {
		if had {
			s.data.Widgets[widgetID] = prev
		} else {
			delete(s.data.Widgets, widgetID)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, widgetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.Widgets[widgetID]
	if !ok {
		return nil
	}
	delete(s.data.Widgets, widgetID)
	if err := s.flushLocked(); err != nil {
		s.data.Widgets[widgetID] = prev
		return err
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, widgetID string) (*Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.data.Widgets[widgetID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := w
	cp.Entries = make(map[string]string, len(w.Entries))
	for k, v := range w.Entries {
		cp.Entries[k] = v
	}
	return &cp, nil
}

func (s *FileStore) LoadAll(_ context.Context) ([]Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Widget, 0, len(s.data.Widgets))
	for _, w := range s.data.Widgets {
		cp := w
		cp.Entries = make(map[string]string, len(w.Entries))
		for k, v := range w.Entries {
			cp.Entries[k] = v
		}
		out = append(out, cp)
	}
	sortWidgets(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// flushLocked writes the document with a temp-file-then-rename. Caller must
// hold s.mu.
func (s *FileStore) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}

	s.data.Version = fileVersion
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling widget store: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(dir, ".widgets-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming widget store: %w", err)
	}
	committed = true
	return nil
}
