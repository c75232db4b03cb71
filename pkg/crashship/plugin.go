package crashship

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Plugin extends a Crashship instance. Plugins are initialized in
// registration order when Start is called and shut down in reverse order
// by Stop.
type Plugin interface {
	// Name returns a unique identifier for logging.
	Name() string

	// Initialize is called during Start. Returning an error aborts Start.
	Initialize(ctx context.Context, cfg PluginConfig) error

	// Shutdown is called during Stop.
	Shutdown(ctx context.Context) error
}

// PluginConfig is handed to every plugin on Initialize.
type PluginConfig struct {
	StoreDir   string
	ServiceURL string
	Logger     Logger

	// Crashship is the running instance.
	Crashship *Crashship

	// Gatherer exposes the instance metrics.
	Gatherer prometheus.Gatherer
}

// BasePlugin implements Plugin with no-ops. Embed it and override what is
// needed.
type BasePlugin struct{}

func (BasePlugin) Name() string                                   { return "base" }
func (BasePlugin) Initialize(context.Context, PluginConfig) error { return nil }
func (BasePlugin) Shutdown(context.Context) error                 { return nil }
