package crashship

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/crashship/internal/adapters/fs"
	httpAdapter "github.com/bft-labs/crashship/internal/adapters/http"
	"github.com/bft-labs/crashship/internal/adapters/sqlite"
	"github.com/bft-labs/crashship/internal/app"
	"github.com/bft-labs/crashship/internal/bridge"
	"github.com/bft-labs/crashship/internal/delivery"
	"github.com/bft-labs/crashship/internal/ports"
	"github.com/bft-labs/crashship/pkg/log"
	"github.com/bft-labs/crashship/pkg/state"
)

// Crashship is an embeddable crash capture and delivery pipeline.
// Use New() to create an instance, then Start() as early as possible in
// main so crashes of this run are captured.
type Crashship struct {
	config   Config
	opts     options
	pipeline *app.Pipeline
	logger   ports.Logger
	registry *prometheus.Registry

	// Plugin support
	plugins     []Plugin
	initialized []Plugin

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Recoverer records unrecovered panics. Defer its Recover method directly
// at the top of a goroutine:
//
//	defer c.Recoverer().Recover()
type Recoverer interface {
	Recover()
}

// New creates a new Crashship instance with the given configuration.
// The instance is created in StateStopped; call Start() to install the
// crash handlers and deliver pending reports.
func New(cfg Config, opts ...Option) (*Crashship, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateModuleVersions(); err != nil {
		return nil, err
	}

	o := defaultOptions(&http.Client{Timeout: cfg.HTTPTimeout})
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := delivery.NewMetrics(reg)

	store := o.store
	if store == nil {
		var err error
		if store, err = openStore(cfg, logger); err != nil {
			return nil, err
		}
	}

	ingest := httpAdapter.NewIngestion(httpAdapter.Config{
		ServiceURL:      cfg.ServiceURL,
		AuthKey:         cfg.AuthKey,
		InstallID:       cfg.InstallID,
		Hostname:        hostname(),
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
	}, o.httpClient, logger)

	var emitter app.EventEmitter
	if o.eventHandler != nil {
		emitter = &eventEmitterWrapper{handler: o.eventHandler}
	}

	c := app.Collaborators{
		Store:        store,
		Ingestion:    ingest,
		Confirmation: o.confirmation,
		Delegate:     delegateWrapper{Delegate: o.delegate, handler: o.eventHandler},
		Setup:        o.setup,
		Attachments:  o.attachments,
		Metrics:      metrics,
		Emitter:      emitter,
		Logger:       logger,
	}
	if len(o.resourceGates) > 0 {
		c.Resources = resourceGates(o.resourceGates)
	}

	p, err := app.NewPipeline(app.Config{
		Root:                   cfg.StoreDir,
		AutomaticProcessing:    cfg.AutomaticProcessing,
		ErrorLogSetting:        cfg.ErrorLogSetting,
		FatalHandlersEnabled:   cfg.FatalHandlersEnabled,
		MonitorEnabled:         cfg.MonitorEnabled,
		Distribution:           cfg.Distribution,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		MemoryWarningThreshold: cfg.MemoryWarningThreshold,
		Delivery: delivery.Config{
			Workers:          cfg.DeliveryWorkers,
			UploadsPerSecond: cfg.UploadsPerSecond,
			UploadBurst:      cfg.UploadBurst,
		},
	}, c)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Crashship{
		config:   cfg,
		opts:     o,
		pipeline: p,
		logger:   logger,
		registry: reg,
		plugins:  o.plugins,
	}, nil
}

func openStore(cfg Config, logger ports.Logger) (Store, error) {
	switch cfg.StoreBackend {
	case BackendSQLite:
		s, err := sqlite.Open(cfg.StoreDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		s, err := fs.NewStore(cfg.StoreDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	}
}

// Start installs the crash handlers, initializes plugins and starts
// delivering the reports left by earlier runs. It returns once the
// handlers are armed; the startup scan continues in the background.
func (c *Crashship) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline.Status() != app.StateStopped {
		return ErrAlreadyRunning
	}

	// Plugins and the pipeline run until Stop, whatever happens to ctx.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := c.pipeline.Start(runCtx); err != nil {
		cancel()
		return err
	}
	c.cancel = cancel

	pluginCfg := PluginConfig{
		StoreDir:   c.config.StoreDir,
		ServiceURL: c.config.ServiceURL,
		Logger:     c.logger,
		Crashship:  c,
		Gatherer:   c.registry,
	}
	for _, p := range c.plugins {
		cfg := pluginCfg
		cfg.Logger = log.With(c.logger, log.String("plugin", p.Name()))
		if err := p.Initialize(runCtx, cfg); err != nil {
			c.logger.Error("plugin initialization failed",
				ports.String("plugin", p.Name()),
				ports.Err(err))
			c.shutdownPlugins()
			_ = c.pipeline.Stop()
			cancel()
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		c.initialized = append(c.initialized, p)
		c.logger.Info("plugin initialized", ports.String("plugin", p.Name()))
	}
	return nil
}

// Stop shuts down plugins, waits for in-flight uploads and removes the
// crash handlers. Reports still queued stay on disk for the next run.
// Returns nil on graceful shutdown, ErrShutdownTimeout if forced.
func (c *Crashship) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline.Status() != app.StateRunning {
		return ErrNotRunning
	}
	c.shutdownPlugins()
	err := c.pipeline.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// shutdownPlugins shuts down the initialized plugins in reverse order.
func (c *Crashship) shutdownPlugins() {
	shutdownCtx := context.Background()
	for i := len(c.initialized) - 1; i >= 0; i-- {
		p := c.initialized[i]
		if err := p.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("plugin shutdown failed",
				ports.String("plugin", p.Name()),
				ports.Err(err))
		} else {
			c.logger.Info("plugin shutdown complete", ports.String("plugin", p.Name()))
		}
	}
	c.initialized = nil
}

// Status returns the current lifecycle state.
// Safe to call concurrently from any goroutine.
func (c *Crashship) Status() State {
	return convertState(c.pipeline.Status())
}

// UnprocessedReports blocks until the startup scan has finished and returns
// the reports neither sent nor discarded yet.
func (c *Crashship) UnprocessedReports(ctx context.Context) ([]ErrorReport, error) {
	return c.pipeline.UnprocessedReports(ctx)
}

// ResumeFiltered releases the listed held reports for delivery. It reports
// whether the session setting is autoSend.
func (c *Crashship) ResumeFiltered(ctx context.Context, ids []string) (bool, error) {
	return c.pipeline.ResumeFiltered(ctx, ids)
}

// Confirm applies the user's answer to every report awaiting consent and
// returns how many reports it resolved.
func (c *Crashship) Confirm(ctx context.Context, answer UserConfirmation) (int, error) {
	return c.pipeline.Confirm(ctx, answer)
}

// SendErrorAttachments stores attachments for a pending report. They are
// uploaded right after the report.
func (c *Crashship) SendErrorAttachments(ctx context.Context, reportID string, atts []ErrorAttachmentLog) error {
	return c.pipeline.SendErrorAttachments(ctx, reportID, atts)
}

// Purge deletes a report with its attachments and wrapper metadata.
func (c *Crashship) Purge(ctx context.Context, id string) error {
	return c.pipeline.Purge(ctx, id)
}

// HasCrashedInLastSession reports whether the previous run crashed.
func (c *Crashship) HasCrashedInLastSession(ctx context.Context) (bool, error) {
	return c.pipeline.HasCrashedInLastSession(ctx)
}

// HasReceivedMemoryWarningInLastSession reports whether the previous run
// ran under memory pressure.
func (c *Crashship) HasReceivedMemoryWarningInLastSession(ctx context.Context) (bool, error) {
	return c.pipeline.HasReceivedMemoryWarningInLastSession(ctx)
}

// LastSessionCrashReport returns the report of the previous run's crash.
// The boolean is false when the previous run did not crash.
func (c *Crashship) LastSessionCrashReport(ctx context.Context) (ErrorReport, bool, error) {
	return c.pipeline.LastSessionCrashReport(ctx)
}

// LastSessionEnd returns how the previous run ended.
func (c *Crashship) LastSessionEnd(ctx context.Context) (SessionEnd, error) {
	return c.pipeline.LastSessionEnd(ctx)
}

// SetForeground tells the pipeline whether the host is in the foreground.
func (c *Crashship) SetForeground(ctx context.Context, foreground bool) {
	c.pipeline.SetForeground(ctx, foreground)
}

// GenerateTestCrash crashes the process with a nil dereference unless
// Config.Distribution is set, in which case it returns false.
func (c *Crashship) GenerateTestCrash() bool {
	return c.pipeline.GenerateTestCrash()
}

// Bridge returns the wrapper exception bridge.
func (c *Crashship) Bridge() *bridge.Bridge {
	return c.pipeline.Bridge()
}

// Recoverer returns the panic recorder for deferred use.
func (c *Crashship) Recoverer() Recoverer {
	return c.pipeline.Recoverer()
}

// Store returns the report store.
func (c *Crashship) Store() Store {
	return c.pipeline.Store()
}

// Flush blocks until no report is queued or uploading.
func (c *Crashship) Flush(ctx context.Context) error {
	return c.pipeline.Engine().Flush(ctx)
}

// Session returns the id of this run.
func (c *Crashship) Session() string {
	return c.pipeline.Session()
}

// Config returns the configuration in effect.
func (c *Crashship) Config() Config {
	return c.config
}

// hostname returns the current hostname.
func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// validateModuleVersions checks that all module versions are compatible.
func validateModuleVersions() error {
	modules := map[string]struct {
		version    string
		minVersion string
	}{
		"state": {state.Version, state.MinCompatibleVersion},
		"log":   {log.Version, log.MinCompatibleVersion},
	}

	for name, m := range modules {
		if !isVersionCompatible(m.version, m.minVersion) {
			return fmt.Errorf("module %s version %s is below minimum compatible version %s",
				name, m.version, m.minVersion)
		}
	}

	return nil
}

// isVersionCompatible reports whether version >= minVersion.
// Versions are "major.minor.patch".
func isVersionCompatible(version, minVersion string) bool {
	var vMajor, vMinor, vPatch int
	var mMajor, mMinor, mPatch int

	_, _ = fmt.Sscanf(version, "%d.%d.%d", &vMajor, &vMinor, &vPatch)
	_, _ = fmt.Sscanf(minVersion, "%d.%d.%d", &mMajor, &mMinor, &mPatch)

	if vMajor != mMajor {
		return vMajor > mMajor
	}
	if vMinor != mMinor {
		return vMinor > mMinor
	}
	return vPatch >= mPatch
}
