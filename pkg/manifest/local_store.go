package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LocalStore serves values files from a directory tree. Reads are cached
// until the file changes on disk.
type LocalStore struct {
	root    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	cache map[string]string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLocalStore opens a store rooted at root and starts watching it.
func NewLocalStore(root string, logger zerolog.Logger) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("manifest root %s is not a directory", abs)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	s := &LocalStore{
		root:    abs,
		logger:  logger.With().Str("component", "manifest-store").Logger(),
		watcher: watcher,
		cache:   make(map[string]string),
		done:    make(chan struct{}),
	}

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch manifest root: %w", err)
	}

	s.wg.Add(1)
	go s.watch()

	return s, nil
}

// Read returns the content of path, relative to the store root.
func (s *LocalStore) Read(_ context.Context, path string) (string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	content, ok := s.cache[abs]
	s.mu.RUnlock()
	if ok {
		return content, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	s.mu.Lock()
	s.cache[abs] = string(data)
	s.mu.Unlock()

	return string(data), nil
}

// Cached returns the number of cached files.
func (s *LocalStore) Cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Close stops the watcher.
func (s *LocalStore) Close() error {
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *LocalStore) resolve(path string) (string, error) {
	abs := filepath.Clean(filepath.Join(s.root, path))
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes manifest root", path)
	}
	return abs, nil
}

func (s *LocalStore) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.invalidate(filepath.Clean(event.Name))
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := s.watcher.Add(event.Name); err != nil {
						s.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Manifest watcher error")
		}
	}
}

func (s *LocalStore) invalidate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[path]; ok {
		delete(s.cache, path)
		s.logger.Debug().Str("path", path).Msg("Invalidated cached values file")
	}
}
