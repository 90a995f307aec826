// Package runtime composes the consent gateway's services and owns their
// lifecycle. Every store is constructed here and passed by handle; nothing
// is a package-level singleton, so tests compose the same pieces against
// fresh in-memory stores.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/halcyon-ide/keywarden/internal/config"
	"github.com/halcyon-ide/keywarden/internal/gateway"
	"github.com/halcyon-ide/keywarden/internal/ledger"
	"github.com/halcyon-ide/keywarden/internal/modelcall"
	"github.com/halcyon-ide/keywarden/internal/policy"
	"github.com/halcyon-ide/keywarden/internal/promptq"
	"github.com/halcyon-ide/keywarden/internal/provider"
	"github.com/halcyon-ide/keywarden/internal/registry"
	"github.com/halcyon-ide/keywarden/internal/server"
	"github.com/halcyon-ide/keywarden/internal/vault"
)

// Warden is the composed daemon: stores, gateway, prompt queue, and the
// HTTP server in front of them.
type Warden struct {
	configProvider *config.Provider
	logger         *slog.Logger

	schemas  *provider.Registry
	vault    *vault.Store
	policy   *policy.Store
	registry *registry.Store
	ledger   *ledger.Ledger
	gateway  *gateway.Gateway
	queue    *promptq.Queue
	caller   *modelcall.Client

	httpServer *http.Server

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option is a functional option for configuring a Warden.
type Option func(*Warden) error

// WithConfigFile uses file-based configuration with hot-reload of provider
// schemas.
func WithConfigFile(path string) Option {
	return func(w *Warden) error {
		p, err := config.NewProvider(path, w.logger)
		if err != nil {
			return fmt.Errorf("create config provider: %w", err)
		}
		w.configProvider = p
		return nil
	}
}

// WithLogger sets the structured logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Warden) error {
		w.logger = logger
		return nil
	}
}

// New creates a Warden with the given options.
func New(opts ...Option) (*Warden, error) {
	w := &Warden{
		logger:  slog.Default(),
		schemas: provider.NewRegistry(),
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if w.configProvider == nil {
		return nil, fmt.Errorf("config provider required (use WithConfigFile)")
	}

	return w, nil
}

// Start opens the stores, composes the gateway and queue, and starts the
// HTTP server.
func (w *Warden) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)

	cfg, err := w.configProvider.Load(w.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	w.registerSchemas(cfg)

	w.vault, err = vault.New(vault.Config{
		DSN:     cfg.StoreDSN("vault"),
		KeyPath: cfg.VaultKeyPath(),
	})
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	w.policy, err = policy.New(policy.Config{DSN: cfg.StoreDSN("consent")}, w.logger)
	if err != nil {
		return fmt.Errorf("open policy store: %w", err)
	}

	w.registry, err = registry.New(registry.Config{DSN: cfg.StoreDSN("connections")}, w.vault, w.schemas, w.logger)
	if err != nil {
		return fmt.Errorf("open connection registry: %w", err)
	}

	w.ledger, err = ledger.Open(cfg.LedgerPath(), w.logger)
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}

	w.gateway, err = gateway.New(w.policy, w.ledger, w.registry, w.logger)
	if err != nil {
		return fmt.Errorf("compose gateway: %w", err)
	}

	w.queue, err = promptq.New(w.gateway, w.registry, w.schemas, w.logger)
	if err != nil {
		return fmt.Errorf("compose prompt queue: %w", err)
	}

	w.caller, err = modelcall.New(w.vault, w.gateway, w.logger)
	if err != nil {
		return fmt.Errorf("compose model call client: %w", err)
	}

	srv := server.New(cfg.Server.Port, w.logger)
	handler := server.NewHandler(w.gateway, w.queue, w.vault, w.registry, w.ledger, w.policy)
	handler.RegisterRoutes(srv.Router)

	w.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: srv.Router,
	}

	go func() {
		if err := w.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	go w.watchConfig()

	w.logger.Info("keywarden started",
		slog.Int("port", cfg.Server.Port),
		slog.String("data_dir", cfg.Data.Dir),
		slog.Int("schemas", len(w.schemas.List())))

	return nil
}

// Shutdown stops the HTTP server and closes every store.
func (w *Warden) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.logger.Info("shutting down keywarden")

	if w.cancel != nil {
		w.cancel()
	}

	if w.httpServer != nil {
		if err := w.httpServer.Shutdown(ctx); err != nil {
			w.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	for name, closer := range map[string]interface{ Close() error }{
		"ledger":   w.ledger,
		"registry": w.registry,
		"policy":   w.policy,
		"vault":    w.vault,
	} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			w.logger.Error("failed to close store",
				slog.String("store", name),
				slog.String("error", err.Error()))
		}
	}

	w.logger.Info("keywarden shutdown complete")
	return nil
}

// watchConfig re-registers provider schemas when the config file changes.
func (w *Warden) watchConfig() {
	onChange := func(cfg *config.Config) {
		w.logger.Info("config changed, reloading provider schemas")
		w.registerSchemas(cfg)
	}

	if err := w.configProvider.Watch(w.ctx, onChange); err != nil {
		if err != context.Canceled {
			w.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// registerSchemas adds config-declared provider schemas on top of the
// built-ins.
func (w *Warden) registerSchemas(cfg *config.Config) {
	for _, sc := range cfg.Providers {
		fields := make([]provider.Field, 0, len(sc.Fields))
		for _, f := range sc.Fields {
			fields = append(fields, provider.Field{
				Name:     f.Name,
				Type:     provider.FieldType(f.Type),
				Required: f.Required,
			})
		}
		w.schemas.Register(provider.Schema{
			ProviderID:  sc.ID,
			DisplayName: sc.DisplayName,
			Fields:      fields,
		})
	}
}

// Queue exposes the prompt queue for embedding hosts.
func (w *Warden) Queue() *promptq.Queue {
	return w.queue
}

// Gateway exposes the access gateway for embedding hosts.
func (w *Warden) Gateway() *gateway.Gateway {
	return w.gateway
}

// ModelCaller exposes the provider invocation client. It is the only handle
// in the process that can turn a secret reference back into a value, and it
// does so only at call time.
func (w *Warden) ModelCaller() *modelcall.Client {
	return w.caller
}
