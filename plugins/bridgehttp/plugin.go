// Package bridgehttp exposes the crashship wrapper bridge over HTTP so
// runtimes living in another process can report exceptions, attach files
// and answer consent prompts. It also serves the delivery metrics.
package bridgehttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/crashship"
	"github.com/bft-labs/crashship/pkg/log"
)

// Plugin runs the bridge HTTP server.
type Plugin struct {
	mu sync.Mutex

	// Configuration
	addr              string
	readHeaderTimeout time.Duration

	// Runtime state
	server   *http.Server
	listener net.Listener
	logger   crashship.Logger
	done     chan struct{}
}

// Config holds configuration options for the bridge HTTP plugin.
type Config struct {
	// Addr is the listen address.
	// Default: 127.0.0.1:7865
	Addr string

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 5 seconds
	ReadHeaderTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:7865",
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// New creates a new bridge HTTP plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7865"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	return &Plugin{
		addr:              cfg.Addr,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "bridgehttp"
}

// Addr returns the address the server listens on, once initialized.
func (p *Plugin) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Initialize starts listening.
func (p *Plugin) Initialize(ctx context.Context, cfg crashship.PluginConfig) error {
	if cfg.Crashship == nil {
		return errors.New("bridgehttp: no crashship instance")
	}

	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.addr, err)
	}

	h := NewHandler(hostAdapter{c: cfg.Crashship}, cfg.Gatherer, cfg.Logger)
	srv := &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: p.readHeaderTimeout,
	}

	p.mu.Lock()
	p.logger = cfg.Logger
	p.server = srv
	p.listener = ln
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.Logger.Error("bridge server stopped", log.Err(err))
		}
	}()

	cfg.Logger.Info("bridge HTTP server listening", log.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops the server, letting running requests finish.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv, done := p.server, p.done
	p.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-done
	return err
}

// hostAdapter serves a Crashship instance.
type hostAdapter struct {
	c *crashship.Crashship
}

func (a hostAdapter) TrackModelException(ctx context.Context, exc domain.WrapperException, props map[string]string, atts []domain.ErrorAttachmentLog) (string, error) {
	return a.c.Bridge().TrackModelException(ctx, exc, props, atts)
}

func (a hostAdapter) BuildReport(ctx context.Context, id string) (domain.ErrorReport, error) {
	return a.c.Bridge().BuildReport(ctx, id)
}

func (a hostAdapter) DeleteException(ctx context.Context, id string) error {
	return a.c.Bridge().DeleteException(ctx, id)
}

func (a hostAdapter) UnprocessedReports(ctx context.Context) ([]domain.ErrorReport, error) {
	return a.c.UnprocessedReports(ctx)
}

func (a hostAdapter) Confirm(ctx context.Context, c domain.UserConfirmation) (int, error) {
	return a.c.Confirm(ctx, c)
}

func (a hostAdapter) SendErrorAttachments(ctx context.Context, reportID string, atts []domain.ErrorAttachmentLog) error {
	return a.c.SendErrorAttachments(ctx, reportID, atts)
}

// Ensure Plugin implements crashship.Plugin.
var _ crashship.Plugin = (*Plugin)(nil)
