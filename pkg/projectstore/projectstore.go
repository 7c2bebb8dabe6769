// Package projectstore holds a project's mutable validation inputs —
// its rule set, terminology bundle, and feature flags. The rule set is
// reloaded from disk when its file changes; the terminology bundle is
// re-read only on an explicit Reload, and feature flags are a fixed
// in-memory set.
package projectstore

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/clinval/clinval/pkg/rules"
	"github.com/clinval/clinval/pkg/terminology"
)

// RuleSetRepository returns the currently active rule set for a project.
type RuleSetRepository interface {
	RuleSet() rules.RuleSet
}

// TerminologyRepository returns the currently active terminology store.
type TerminologyRepository interface {
	Store() *terminology.Store
}

// FeatureFlagRepository reports whether a named flag is enabled.
type FeatureFlagRepository interface {
	Enabled(name string) bool
}

// FileRuleSetRepository loads a rules JSON document from disk and
// reloads it, debounced, whenever the file is written or created.
type FileRuleSetRepository struct {
	path string

	mu      sync.RWMutex
	current rules.RuleSet

	watcher  *fsnotify.Watcher
	onReload func(error)
}

// NewFileRuleSetRepository loads path once synchronously, then starts a
// background watch. onReload, if non-nil, is invoked after every reload
// attempt (including failed ones, so the caller can log them) — the
// repository keeps serving the last-good rule set on a failed reload.
func NewFileRuleSetRepository(path string, onReload func(error)) (*FileRuleSetRepository, error) {
	r := &FileRuleSetRepository{path: path, onReload: onReload}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("projectstore: failed to start watcher for %s: %w", path, err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("projectstore: failed to watch %s: %w", path, err)
	}
	r.watcher = watcher
	go r.watch()

	return r, nil
}

// RuleSet returns the most recently loaded rule set.
func (r *FileRuleSetRepository) RuleSet() rules.RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Close stops the background watch goroutine.
func (r *FileRuleSetRepository) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

func (r *FileRuleSetRepository) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("projectstore: failed to read %s: %w", r.path, err)
	}
	rs, err := rules.ParseRuleSet(data)
	if err != nil {
		return fmt.Errorf("projectstore: failed to parse %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.current = rs
	r.mu.Unlock()
	return nil
}

// watch debounces bursts of write events (editors commonly emit several
// in quick succession for a single logical save) before reloading.
func (r *FileRuleSetRepository) watch() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				err := r.reload()
				if r.onReload != nil {
					r.onReload(err)
				}
			})
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// FileTerminologyRepository is TerminologyRepository's file-backed
// counterpart, loading a terminology Bundle JSON document.
type FileTerminologyRepository struct {
	path string

	mu    sync.RWMutex
	store *terminology.Store
}

// NewFileTerminologyRepository loads path once; it does not watch for
// changes (terminology bundles are large and change far less often than
// rule sets — callers needing a live reload can poll Reload on a
// schedule of their own choosing).
func NewFileTerminologyRepository(path string) (*FileTerminologyRepository, error) {
	r := &FileTerminologyRepository{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads path into a fresh Store.
func (r *FileTerminologyRepository) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("projectstore: failed to read %s: %w", r.path, err)
	}
	store := terminology.NewStore()
	if err := store.LoadBundle(data); err != nil {
		return fmt.Errorf("projectstore: failed to load terminology bundle %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.store = store
	r.mu.Unlock()
	return nil
}

// Store returns the most recently loaded terminology store.
func (r *FileTerminologyRepository) Store() *terminology.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store
}

// StaticFeatureFlagRepository is an in-memory FeatureFlagRepository
// backed by a fixed set, used for tests and for deployments that manage
// flags through configuration rather than a dynamic store.
type StaticFeatureFlagRepository map[string]bool

// Enabled reports whether name is present and true in the set.
func (f StaticFeatureFlagRepository) Enabled(name string) bool {
	return f[name]
}
