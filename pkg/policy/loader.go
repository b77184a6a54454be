package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultReloadDelay = 500 * time.Millisecond

// Loader reads dispatch policies from .rego and .json files and can watch
// them for changes.
//
// A .rego file becomes one policy named after the file. Leading comment
// lines form its description, except for directive lines:
//
//	# severity: warning
//	# tags: delete, production
//	# disabled
//
// A .json file holds either one policy or a bundle with a "policies" list.
type Loader struct {
	logger zerolog.Logger

	// ReloadDelay debounces bursts of file events. Zero uses 500ms.
	ReloadDelay time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from files and directories. Directories are
// walked recursively; a broken file inside a directory is skipped with a
// warning, a broken file named directly is an error. Policy names must be
// unique across all paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loaded, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range loaded {
			source, _ := p.Metadata["source"].(string)
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("policy %s defined in both %s and %s", p.Name, prev, source)
			}
			seen[p.Name] = source
		}
		policies = append(policies, loaded...)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return l.loadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	var policies []Policy
	for _, f := range files {
		loaded, err := l.loadFile(f)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", f).Msg("Skipping policy file")
			continue
		}
		policies = append(policies, loaded...)
	}
	return policies, nil
}

func (l *Loader) loadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies = []Policy{parseRego(path, data)}
	case ".json":
		policies, err = parseJSON(path, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	for i := range policies {
		p := &policies[i]
		if p.Metadata == nil {
			p.Metadata = map[string]interface{}{}
		}
		p.Metadata["source"] = path
		l.logger.Debug().
			Str("path", path).
			Str("policy", p.Name).
			Str("severity", string(p.Severity)).
			Msg("Policy loaded from file")
	}
	return policies, nil
}

func parseRego(path string, data []byte) Policy {
	now := time.Now()
	p := Policy{
		Name:      strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:      string(data),
		Severity:  SeverityError,
		Enabled:   true,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	var desc []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(desc) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, isDirective := strings.Cut(comment, ":")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			if isDirective {
				p.Severity = Severity(strings.ToLower(strings.TrimSpace(value)))
				continue
			}
		case "tags":
			if isDirective {
				for _, tag := range strings.Split(value, ",") {
					if tag = strings.TrimSpace(tag); tag != "" {
						p.Tags = append(p.Tags, tag)
					}
				}
				continue
			}
		case "disabled":
			if !isDirective {
				p.Enabled = false
				continue
			}
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

func parseJSON(path string, data []byte) ([]Policy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	var policies []Policy
	if _, ok := probe["policies"]; ok {
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse bundle: %w", err)
		}
		for i := range bundle.Policies {
			if bundle.Policies[i].Metadata == nil {
				bundle.Policies[i].Metadata = map[string]interface{}{}
			}
			bundle.Policies[i].Metadata["bundle"] = bundle.Name
			bundle.Policies[i].Metadata["bundle_version"] = bundle.Version
		}
		policies = bundle.Policies
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		var p Policy
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		policies = []Policy{p}
	}

	now := time.Now()
	for i := range policies {
		p := &policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("%s: policy %d has no name", path, i)
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("%s: policy %s has no rego", path, p.Name)
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// Watch reloads every path when a policy file below them changes and hands
// the new set to reloadFn. A failed reload is logged and the previous set
// stays active. Watching ends when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return fmt.Errorf("loader is already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.processEvents(ctx, watcher, l.done, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// addWatch watches a file's parent directory, or every directory below a
// directory. Editors replace files on save, so watching the file itself
// would lose it after the first write.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}, paths []string, reloadFn func([]Policy) error) {
	defer close(done)

	delay := l.ReloadDelay
	if delay <= 0 {
		delay = defaultReloadDelay
	}
	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create) != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatch(watcher, event.Name)
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			timer.Reset(delay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed; keeping previous policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops the watcher and waits for the event loop to exit.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	watcher, done := l.watcher, l.done
	l.watcher, l.done = nil, nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
