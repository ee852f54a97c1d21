package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// FileStore keeps all values in one JSON object on disk. Writes replace the
// file atomically.
type FileStore struct {
	path string

	mu    sync.Mutex
	known map[string]json.RawMessage // last content written or observed
}

// NewFileStore returns a store backed by the file at path. The file is
// created on the first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.readLocked()
	if err != nil {
		return nil, err
	}
	f.known = all

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Set implements Store.
func (f *FileStore) Set(_ context.Context, items map[string]any) error {
	encoded, err := encodeItems(items)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.readLocked()
	if err != nil {
		return err
	}
	maps.Copy(all, encoded)

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return util.WrapError("encode store", err)
	}
	if err := writeAtomic(f.path, data); err != nil {
		return err
	}
	f.known = all
	return nil
}

// readLocked reads the whole file. A missing file is empty. Caller must hold f.mu.
func (f *FileStore) readLocked() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, util.WrapError("read store", err)
	}

	all := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(data)) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, util.WrapError("parse store", err)
	}
	for k, v := range all {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err == nil {
			all[k] = buf.Bytes()
		}
	}
	return all, nil
}

// writeAtomic writes data to a temporary file next to path and renames it
// over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create store directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".tabboost-*.tmp")
	if err != nil {
		return util.WrapError("create temporary file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return util.WrapError("write temporary file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return util.WrapError("close temporary file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return util.WrapError("replace store", err)
	}
	return nil
}

// Watch implements Watcher. The directory holding the file is watched so
// atomic replacements are seen; changes matching what this store wrote
// itself are not reported.
func (f *FileStore) Watch(ctx context.Context, fn ChangeFunc) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, util.WrapError("create file watcher", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return nil, util.WrapError("create store directory", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, util.WrapError("watch store directory", err)
	}

	// Establish the baseline before any event is handled.
	f.mu.Lock()
	if f.known == nil {
		if all, err := f.readLocked(); err == nil {
			f.known = all
		}
	}
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = watcher.Close()
		})
	}

	target := filepath.Clean(f.path)
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if keys := f.changedKeys(); len(keys) > 0 {
					fn(keys)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("store watcher error", "path", f.path, "error", err)
			}
		}
	}()
	return stop, nil
}

// changedKeys rereads the file and returns the keys that differ from the
// last known content.
func (f *FileStore) changedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	// A truncated or partially written file shows up between the events of
	// one external write; the next event rereads it.
	if info, err := os.Stat(f.path); err != nil || info.Size() == 0 {
		return nil
	}
	all, err := f.readLocked()
	if err != nil {
		slog.Debug("skipping unreadable store change", "path", f.path, "error", err)
		return nil
	}

	var changed []string
	for k, v := range all {
		if old, ok := f.known[k]; !ok || !bytes.Equal(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range f.known {
		if _, ok := all[k]; !ok {
			changed = append(changed, k)
		}
	}
	f.known = all
	slices.Sort(changed)
	return changed
}
