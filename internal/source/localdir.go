package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// photoExtensions are the file types a local directory source lists.
var photoExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".heic": true,
	".webp": true,
	".mp4":  true,
	".mov":  true,
}

// LocalDir exposes a directory on disk as a photo source. Item IDs are
// slash-separated paths relative to the root; content hashes are sha256
// of the file bytes, cached by (size, mtime) so unchanged files are not
// re-hashed on every polling cycle.
type LocalDir struct {
	root string

	hashMu    sync.Mutex
	hashCache map[string]hashEntry

	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
}

type hashEntry struct {
	size    int64
	modTime int64
	hash    string
}

// NewLocalDir creates a source over root. The directory must exist.
func NewLocalDir(root string) (*LocalDir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", root)
	}
	return &LocalDir{
		root:      root,
		hashCache: make(map[string]hashEntry),
	}, nil
}

// ListItems implements Client by walking the root directory.
func (l *LocalDir) ListItems(ctx context.Context) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != l.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !photoExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		hash, err := l.hashFile(path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", rel, err)
		}
		items = append(items, Item{
			ID:              filepath.ToSlash(rel),
			ContentHash:     hash,
			Name:            d.Name(),
			ContentLocation: path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// FetchContent implements Client by reading the file.
func (l *LocalDir) FetchContent(ctx context.Context, item Item) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	data, err := os.ReadFile(item.ContentLocation)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", item.ID, err)
	}
	return data, nil
}

// hashFile returns the sha256 of path, consulting the cache first.
func (l *LocalDir) hashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	l.hashMu.Lock()
	entry, ok := l.hashCache[path]
	l.hashMu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime == info.ModTime().UnixNano() {
		return entry.hash, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	hash := hex.EncodeToString(h.Sum(nil))

	l.hashMu.Lock()
	l.hashCache[path] = hashEntry{size: info.Size(), modTime: info.ModTime().UnixNano(), hash: hash}
	l.hashMu.Unlock()

	return hash, nil
}

// Watch starts a filesystem watcher over the root (top level plus
// existing subdirectories) and returns a channel that receives a signal
// whenever photo files change. The daemon uses this to schedule an
// early cycle instead of waiting for the next poll tick.
//
// Call Close to stop watching.
func (l *LocalDir) Watch() (<-chan struct{}, error) {
	if l.watcher != nil {
		return l.changes, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != l.root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", l.root, err)
	}

	l.watcher = watcher
	l.changes = make(chan struct{}, 1)
	l.done = make(chan struct{})

	go l.forwardEvents()
	return l.changes, nil
}

// forwardEvents collapses raw fsnotify events into change signals.
func (l *LocalDir) forwardEvents() {
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories need a watch too.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = l.watcher.Add(event.Name)
				}
			}
			if !photoExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			select {
			case l.changes <- struct{}{}:
			default: // a signal is already pending
			}
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher if one was started.
func (l *LocalDir) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
