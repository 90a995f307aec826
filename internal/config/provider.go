package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Provider wraps Load with hot-reload: the config file is watched and a
// callback fires with the freshly parsed config on every write. Used to pick
// up provider schema changes without restarting the daemon.
type Provider struct {
	path    string
	logger  *slog.Logger
	mu      sync.RWMutex
	current *Config
}

// NewProvider creates a file-backed config provider.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{path: path, logger: logger}, nil
}

// Load parses the configuration and caches it as current.
func (p *Provider) Load(ctx context.Context) (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}

	p.current = cfg
	p.logger.Info("config loaded", slog.String("path", p.path))

	return cfg, nil
}

// Current returns the last successfully loaded config.
func (p *Provider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Watch blocks until ctx is done, invoking onChange whenever the config file
// is rewritten and reparses cleanly. A file that fails to parse keeps the
// previous config in effect.
func (p *Provider) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.path); err != nil {
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.logger.Info("watching config file for changes", slog.String("path", p.path))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("config watch stopped")
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}

			p.logger.Info("config file changed, reloading", slog.String("path", event.Name))

			cfg, err := Load(p.path)
			if err != nil {
				p.logger.Error("failed to reload config",
					slog.String("error", err.Error()),
					slog.String("path", p.path))
				continue
			}

			p.mu.Lock()
			p.current = cfg
			p.mu.Unlock()

			onChange(cfg)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("config watch error", slog.String("error", werr.Error()))
		}
	}
}
