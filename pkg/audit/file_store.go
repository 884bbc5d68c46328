package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/models"
)

// FileStore persists the audit trail as a JSON array on disk. encoding/json
// sorts map keys alphabetically, so two runs over the same records produce
// byte-identical output.
type FileStore struct {
	path   string
	logger *logrus.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewFileStore constructs a FileStore backed by path, creating the parent
// directory and an empty array file if neither exists yet.
func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit file store: create directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("audit file store: initialize file: %w", err)
		}
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Append reads the current array, appends record, and rewrites the file
// atomically via a temp-file rename.
func (f *FileStore) Append(ctx context.Context, record models.ChangeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.loadLocked()
	if err != nil {
		return err
	}
	records = append(records, record)
	return f.writeLocked(records)
}

// Load returns every record currently on disk.
func (f *FileStore) Load(ctx context.Context) ([]models.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *FileStore) loadLocked() ([]models.ChangeRecord, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("audit file store: read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []models.ChangeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("audit file store: decode: %w", err)
	}
	return records, nil
}

func (f *FileStore) writeLocked(records []models.ChangeRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("audit file store: encode: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("audit file store: write temp: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("audit file store: rename: %w", err)
	}
	return nil
}

// WatchExternalChanges starts an fsnotify watch on the backing file and
// invokes onChange whenever something other than this process's own
// Append rewrites it (e.g. an operator hand-editing the file for manual
// recovery). The caller is responsible for stopping watching by cancelling
// ctx.
func (f *FileStore) WatchExternalChanges(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("audit file store: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("audit file store: watch directory: %w", err)
	}

	f.mu.Lock()
	f.watcher = watcher
	f.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(f.path) && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.WithError(err).Warn("audit file store: watch error")
			}
		}
	}()

	return nil
}
