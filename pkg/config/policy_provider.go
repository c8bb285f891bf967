package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-dlp/pkg/policy/flow"
)

// ReloadFunc receives every reload attempt. On failure store is nil and the
// previously loaded store stays active.
type ReloadFunc func(store *flow.Store, err error)

// ProviderOption configures a PolicyProvider.
type ProviderOption func(*PolicyProvider)

// WithReloadHandler registers fn for reload attempts made by Watch.
func WithReloadHandler(fn ReloadFunc) ProviderOption {
	return func(p *PolicyProvider) {
		p.onReload = fn
	}
}

// WithProviderLogger sets the provider logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *PolicyProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDebounce sets how long Watch waits for writes to settle.
func WithDebounce(d time.Duration) ProviderOption {
	return func(p *PolicyProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// PolicyProvider loads the flows file and, when watched, reloads it on change.
type PolicyProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload ReloadFunc

	mu      sync.RWMutex
	store   *flow.Store
	loadErr error

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPolicyProvider loads path once. A load failure is kept and reported by
// Current rather than returned, so the caller can start in deny-all mode.
func NewPolicyProvider(path string, opts ...ProviderOption) (*PolicyProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &PolicyProvider{
		path:     absPath,
		logger:   slog.Default(),
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}

	store, err := p.read()
	if err != nil {
		p.logger.Error("initial policy load failed", "path", p.path, "error", err)
	}
	p.store, p.loadErr = store, err
	return p, nil
}

// Current returns the active store, or the error from the initial load when
// no store has loaded yet.
func (p *PolicyProvider) Current() (*flow.Store, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store, p.loadErr
}

// Path returns the absolute policy file path.
func (p *PolicyProvider) Path() string {
	return p.path
}

// Watch starts reloading the file on change until ctx is done or Close is called.
func (p *PolicyProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.watcher = watcher
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.watchLoop(ctx)
	p.logger.Info("watching policy file", "path", p.path)
	return nil
}

// Reload reads the file now. On success the new store replaces the old one.
func (p *PolicyProvider) Reload() (*flow.Store, error) {
	store, err := p.read()
	if err == nil {
		p.mu.Lock()
		p.store, p.loadErr = store, nil
		p.mu.Unlock()
	}
	if p.onReload != nil {
		p.onReload(store, err)
	}
	return store, err
}

// Close stops the watcher.
func (p *PolicyProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *PolicyProvider) read() (*flow.Store, error) {
	return flow.LoadFile(p.path, flow.WithLogger(p.logger))
}

func (p *PolicyProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				store, err := p.Reload()
				if err != nil {
					p.logger.Error("policy reload failed, keeping previous rules", "path", p.path, "error", err)
					return
				}
				p.logger.Info("policy reloaded", "path", p.path, "rules", store.Len())
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("policy watcher error", "error", err)
		}
	}
}
