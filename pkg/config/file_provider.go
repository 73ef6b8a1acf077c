package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 100 * time.Millisecond

// FileProvider watches a configuration file and publishes every valid
// revision to its subscribers. Invalid revisions are logged and skipped; the
// last valid configuration stays current.
type FileProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileProvider loads path and starts watching it for changes. The initial
// load must succeed.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:     absPath,
		logger:   logger.With("config", absPath),
		debounce: DefaultDebounce,
		current:  cfg,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.watchLoop(ctx)
	return p, nil
}

// Current returns the last valid configuration.
func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel receiving each new valid configuration. The
// channel holds only the latest pending revision; a slow consumer skips
// intermediate ones.
func (p *FileProvider) Subscribe() <-chan *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Config, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Reload re-reads the file immediately.
func (p *FileProvider) Reload() error {
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = cfg
	for _, ch := range p.subscribers {
		select {
		case ch <- cfg:
		default:
			// Replace the stale pending revision.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
	return nil
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.Reload(); err != nil {
					p.logger.Error("configuration reload rejected", "error", err)
					return
				}
				p.logger.Info("configuration reloaded")
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}
