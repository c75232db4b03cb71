package resourcegating

import "github.com/bft-labs/crashship/pkg/crashship"

// WithResourceGating returns a crashship Option that enables resource gating.
// When enabled, the plugin monitors CPU and network utilization and holds
// back uploads while the host is under heavy load.
//
// Usage:
//
//	c, err := crashship.New(cfg,
//	    resourcegating.WithResourceGating(resourcegating.Config{
//	        CPUThreshold: 0.85,
//	        NetThreshold: 0.70,
//	        Iface:        "eth0",
//	    }),
//	)
func WithResourceGating(cfg Config) crashship.Option {
	plugin := New(cfg)
	return crashship.WithOptions(
		crashship.WithPlugin(plugin),
		crashship.WithResourceGate(plugin),
	)
}

// WithDefaultResourceGating returns a crashship Option that enables resource
// gating with default settings (CPU threshold 0.85, network threshold 0.70).
//
// Usage:
//
//	c, err := crashship.New(cfg, resourcegating.WithDefaultResourceGating())
func WithDefaultResourceGating() crashship.Option {
	return WithResourceGating(DefaultConfig())
}
