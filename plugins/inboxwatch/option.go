package inboxwatch

import "github.com/bft-labs/crashship/pkg/crashship"

// WithInboxWatch returns a crashship Option that enables the inbox watcher.
//
// Usage:
//
//	c, err := crashship.New(cfg,
//	    inboxwatch.WithInboxWatch(inboxwatch.Config{
//	        Dir: "/var/run/myapp/exceptions",
//	    }),
//	)
func WithInboxWatch(cfg Config) crashship.Option {
	return crashship.WithPlugin(New(cfg))
}

// WithDefaultInboxWatch returns a crashship Option that watches
// <StoreDir>/inbox.
func WithDefaultInboxWatch() crashship.Option {
	return WithInboxWatch(DefaultConfig())
}
