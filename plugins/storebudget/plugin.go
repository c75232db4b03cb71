// Package storebudget bounds the disk used by pending crash reports.
// When enabled, it periodically discards the oldest reports once the
// store grows past a high watermark.
package storebudget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bft-labs/crashship/pkg/crashship"
	"github.com/bft-labs/crashship/pkg/log"
)

// Sizer is implemented by stores that can report their disk usage.
type Sizer interface {
	Usage(ctx context.Context) (int64, error)
}

// Purger deletes a report with everything attached to it.
type Purger interface {
	Purge(ctx context.Context, id string) error
}

// Plugin enforces the store budget.
type Plugin struct {
	mu sync.RWMutex

	// Configuration
	checkInterval  time.Duration
	highWatermark  int64
	lowWatermark   int64
	runImmediately bool

	// Runtime state
	store  crashship.Store
	purger Purger
	logger log.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration options for the store budget plugin.
type Config struct {
	// CheckInterval is how often to measure the store.
	// Default: 1 hour
	CheckInterval time.Duration

	// HighWatermark is the size in bytes above which reports are discarded.
	// Default: 64 MiB
	HighWatermark int64

	// LowWatermark is the target size in bytes after a cleanup.
	// Default: 48 MiB
	LowWatermark int64

	// RunImmediately runs a check as soon as the plugin starts.
	// Default: true
	RunImmediately bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  time.Hour,
		HighWatermark:  64 << 20,
		LowWatermark:   48 << 20,
		RunImmediately: true,
	}
}

// New creates a store budget plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 64 << 20
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 4 * 3
	}

	return &Plugin{
		checkInterval:  cfg.CheckInterval,
		highWatermark:  cfg.HighWatermark,
		lowWatermark:   cfg.LowWatermark,
		runImmediately: cfg.RunImmediately,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "storebudget"
}

// Initialize starts the budget loop.
func (p *Plugin) Initialize(ctx context.Context, cfg crashship.PluginConfig) error {
	if cfg.Crashship == nil {
		return errors.New("storebudget: no crashship instance")
	}
	store := cfg.Crashship.Store()
	if _, ok := store.(Sizer); !ok {
		cfg.Logger.Warn("store budget disabled: store cannot report its size")
		return nil
	}

	p.mu.Lock()
	p.store = store
	p.purger = cfg.Crashship
	p.logger = cfg.Logger
	p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("store budget plugin initialized",
		log.String("high_watermark", formatBytes(p.highWatermark)),
		log.String("low_watermark", formatBytes(p.lowWatermark)))

	p.wg.Add(1)
	go p.loop(loopCtx)

	return nil
}

// Shutdown stops the budget loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Plugin) loop(ctx context.Context) {
	defer p.wg.Done()

	if p.runImmediately {
		p.enforce(ctx)
	}

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.enforce(ctx)
		}
	}
}

// enforce discards the oldest pending reports until the store is below the
// low watermark. It returns how many reports were discarded.
func (p *Plugin) enforce(ctx context.Context) int {
	p.mu.RLock()
	store, purger, logger := p.store, p.purger, p.logger
	p.mu.RUnlock()
	sizer := store.(Sizer)

	size, err := sizer.Usage(ctx)
	if err != nil {
		logger.Error("store budget: size check failed", log.Err(err))
		return 0
	}
	if size <= p.highWatermark {
		return 0
	}

	ids, err := store.ListPending(ctx)
	if err != nil {
		logger.Error("store budget: list reports failed", log.Err(err))
		return 0
	}

	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil || size <= p.lowWatermark {
			break
		}
		if err := purger.Purge(ctx, id); err != nil {
			logger.Warn("store budget: discard failed", log.String("id", id), log.Err(err))
			continue
		}
		removed++
		if size, err = sizer.Usage(ctx); err != nil {
			logger.Error("store budget: size check failed", log.Err(err))
			break
		}
	}

	if removed > 0 {
		logger.Info("store budget enforced",
			log.Int("discarded", removed),
			log.String("size", formatBytes(size)))
	}
	return removed
}

func formatBytes(b int64) string {
	const (
		_          = iota
		KB float64 = 1 << (10 * iota)
		MB
		GB
	)

	fb := float64(b)
	switch {
	case fb >= GB:
		return fmt.Sprintf("%.2fGiB", fb/GB)
	case fb >= MB:
		return fmt.Sprintf("%.2fMiB", fb/MB)
	case fb >= KB:
		return fmt.Sprintf("%.2fKiB", fb/KB)
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// Ensure Plugin implements crashship.Plugin.
var _ crashship.Plugin = (*Plugin)(nil)
