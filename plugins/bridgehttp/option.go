package bridgehttp

import "github.com/bft-labs/crashship/pkg/crashship"

// WithBridgeHTTP returns a crashship Option that serves the bridge over HTTP.
//
// Usage:
//
//	c, err := crashship.New(cfg,
//	    bridgehttp.WithBridgeHTTP(bridgehttp.Config{Addr: "127.0.0.1:9000"}),
//	)
func WithBridgeHTTP(cfg Config) crashship.Option {
	return crashship.WithPlugin(New(cfg))
}

// WithDefaultBridgeHTTP returns a crashship Option that listens on
// 127.0.0.1:7865.
func WithDefaultBridgeHTTP() crashship.Option {
	return WithBridgeHTTP(DefaultConfig())
}
