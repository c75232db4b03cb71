package crashship

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/crashship/pkg/log"
)

// Option configures optional behavior of Crashship.
type Option func(*options)

// options holds the optional configuration for a Crashship instance.
type options struct {
	httpClient    HTTPClient
	logger        Logger
	eventHandler  EventHandler
	plugins       []Plugin
	confirmation  ConfirmationHandler
	delegate      Delegate
	setup         SetupDelegate
	attachments   AttachmentProvider
	resourceGates []ResourceGate
	registry      *prometheus.Registry
	store         Store
}

// defaultOptions returns options with sensible defaults.
func defaultOptions(client *http.Client) options {
	return options{
		httpClient: client,
		logger:     log.NewNoopLogger(),
		delegate:   NopDelegate{},
	}
}

// WithHTTPClient sets a custom HTTP client for the ingestion backend.
// If not provided, a default client with the configured timeout is used.
func WithHTTPClient(client HTTPClient) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventHandler sets a handler for lifecycle and delivery events.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when Crashship starts.
// Plugins are initialized in registration order and shutdown in reverse order.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithConfirmationHandler sets the handler asked once per startup about
// reports waiting for consent.
func WithConfirmationHandler(handler ConfirmationHandler) Option {
	return func(o *options) {
		o.confirmation = handler
	}
}

// WithDelegate sets the processing and delivery delegate.
func WithDelegate(d Delegate) Option {
	return func(o *options) {
		if d != nil {
			o.delegate = d
		}
	}
}

// WithSetupDelegate sets the delegate notified around handler installation.
func WithSetupDelegate(d SetupDelegate) Option {
	return func(o *options) {
		o.setup = d
	}
}

// WithAttachmentProvider sets the provider of extra attachments per report.
func WithAttachmentProvider(p AttachmentProvider) Option {
	return func(o *options) {
		o.attachments = p
	}
}

// WithResourceGate adds a gate consulted before every upload. Uploads wait
// until every gate reports OK.
func WithResourceGate(g ResourceGate) Option {
	return func(o *options) {
		o.resourceGates = append(o.resourceGates, g)
	}
}

// WithMetricsRegistry registers the delivery metrics on reg. If not
// provided, a private registry is used.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithStore replaces the store selected by Config.StoreBackend.
func WithStore(s Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithOptions groups several options into one.
func WithOptions(opts ...Option) Option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// resourceGates requires every gate to allow sending.
type resourceGates []ResourceGate

func (g resourceGates) OK() bool {
	for _, gate := range g {
		if !gate.OK() {
			return false
		}
	}
	return true
}
