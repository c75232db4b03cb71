package storebudget

import "github.com/bft-labs/crashship/pkg/crashship"

// WithStoreBudget returns a crashship Option that bounds the report store.
// When enabled, the plugin periodically measures the store and discards
// the oldest pending reports once it exceeds the high watermark.
//
// Usage:
//
//	c, err := crashship.New(cfg,
//	    storebudget.WithStoreBudget(storebudget.Config{
//	        CheckInterval: 10 * time.Minute,
//	        HighWatermark: 32 << 20, // 32 MiB
//	        LowWatermark:  16 << 20, // 16 MiB
//	    }),
//	)
func WithStoreBudget(cfg Config) crashship.Option {
	return crashship.WithPlugin(New(cfg))
}

// WithDefaultStoreBudget returns a crashship Option that bounds the store
// with default settings (check hourly, high watermark 64MiB, low watermark 48MiB).
//
// Usage:
//
//	c, err := crashship.New(cfg, storebudget.WithDefaultStoreBudget())
func WithDefaultStoreBudget() crashship.Option {
	return WithStoreBudget(DefaultConfig())
}
