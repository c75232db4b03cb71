package crashship

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bft-labs/crashship/internal/domain"
)

// StoreBackend selects the report store implementation.
type StoreBackend string

const (
	// BackendFS keeps every report in its own directory of atomically
	// written files.
	BackendFS StoreBackend = "fs"

	// BackendSQLite keeps reports in a single SQLite database.
	BackendSQLite StoreBackend = "sqlite"
)

// Config holds the pipeline configuration. It is read once by New and
// cannot be changed afterwards.
type Config struct {
	// StoreDir holds pending reports, crash slots and the session marker.
	// Default: ~/.crashship/store
	StoreDir string

	// StoreBackend selects the report store. Default: fs
	StoreBackend StoreBackend

	// ServiceURL is the ingestion backend. Required.
	ServiceURL string

	// AuthKey is sent as a bearer token.
	AuthKey string

	// InstallID identifies this installation to the backend.
	InstallID string

	// AutomaticProcessing lets startup gate reports immediately. When false
	// they stay held until ResumeFiltered is called.
	// Default: true
	AutomaticProcessing bool

	// ErrorLogSetting is the consent policy. Default: autoSend
	ErrorLogSetting ErrorLogSetting

	// FatalHandlersEnabled installs the crash capture mechanisms.
	// Default: true
	FatalHandlersEnabled bool

	// MonitorEnabled re-executes the process under a watcher that records
	// crashes the process itself cannot.
	MonitorEnabled bool

	// Distribution disables GenerateTestCrash.
	Distribution bool

	// HeartbeatInterval is how often the session marker is refreshed.
	// Default: 5s
	HeartbeatInterval time.Duration

	// MemoryWarningThreshold is the used memory percentage that flags the
	// session as under memory pressure. Zero disables sampling.
	MemoryWarningThreshold float64

	// DeliveryWorkers is the number of concurrent uploads. Default: 2
	DeliveryWorkers int

	// UploadsPerSecond paces uploads. Zero means unpaced.
	UploadsPerSecond float64

	// UploadBurst is the pacing burst. Default: 1 when paced.
	UploadBurst int

	// HTTPTimeout bounds one HTTP request. Default: 30s
	HTTPTimeout time.Duration

	// RetryMaxElapsed bounds retries of one upload. Default: 2m
	RetryMaxElapsed time.Duration

	// MaxPayloadBytes rejects larger uploads permanently. Default: 10 MiB
	MaxPayloadBytes int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	cfg := Config{
		AutomaticProcessing:  true,
		FatalHandlersEnabled: true,
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero fields with their defaults.
func (c *Config) SetDefaults() {
	if c.StoreDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StoreDir = filepath.Join(home, ".crashship", "store")
		}
	}
	if c.StoreBackend == "" {
		c.StoreBackend = BackendFS
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DeliveryWorkers <= 0 {
		c.DeliveryWorkers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 2 * time.Minute
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 10 << 20
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StoreDir == "" {
		return fmt.Errorf("%w: StoreDir is required", domain.ErrInvalidConfig)
	}
	if c.ServiceURL == "" {
		return fmt.Errorf("%w: ServiceURL is required", domain.ErrInvalidConfig)
	}
	switch c.StoreBackend {
	case BackendFS, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown store backend %q", domain.ErrInvalidConfig, c.StoreBackend)
	}
	switch c.ErrorLogSetting {
	case SettingAutoSend, SettingAlwaysAsk, SettingDisabled:
	default:
		return fmt.Errorf("%w: unknown error log setting %d", domain.ErrInvalidConfig, c.ErrorLogSetting)
	}
	if c.MemoryWarningThreshold < 0 || c.MemoryWarningThreshold > 100 {
		return fmt.Errorf("%w: MemoryWarningThreshold must be a percentage", domain.ErrInvalidConfig)
	}
	if c.UploadsPerSecond < 0 {
		return fmt.Errorf("%w: UploadsPerSecond must not be negative", domain.ErrInvalidConfig)
	}
	return nil
}
