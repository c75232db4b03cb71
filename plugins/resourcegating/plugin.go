// Package resourcegating holds back crash report uploads while the host is
// under heavy CPU or network load.
package resourcegating

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/bft-labs/crashship/pkg/crashship"
	"github.com/bft-labs/crashship/pkg/log"
)

// Plugin samples CPU and network usage in the background and gates
// uploads on the latest sample.
type Plugin struct {
	mu sync.RWMutex

	// Configuration
	cpuThreshold   float64
	netThreshold   float64
	iface          string
	ifaceSpeed     int
	sampleInterval time.Duration

	// Samplers, replaceable in tests
	cpuUsage func() (float64, error)
	netBytes func(iface string) (uint64, error)

	// Runtime state
	cpuLoad  float64
	netLoad  float64
	lastNet  uint64
	lastTime time.Time
	logger   log.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Config holds configuration options for the resource gating plugin.
type Config struct {
	// CPUThreshold is the CPU usage fraction (0.0-1.0) above which uploads wait.
	// Default: 0.85
	CPUThreshold float64

	// NetThreshold is the network usage fraction (0.0-1.0) above which uploads wait.
	// Default: 0.70
	NetThreshold float64

	// Iface is the network interface to monitor. Empty means no network monitoring.
	Iface string

	// IfaceSpeedMbps is the interface speed in Mbps for calculating utilization.
	// Default: 1000
	IfaceSpeedMbps int

	// SampleInterval is how often resources are measured.
	// Default: 5 seconds
	SampleInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CPUThreshold:   0.85,
		NetThreshold:   0.70,
		IfaceSpeedMbps: 1000,
		SampleInterval: 5 * time.Second,
	}
}

// New creates a resource gating plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 0.85
	}
	if cfg.NetThreshold <= 0 {
		cfg.NetThreshold = 0.70
	}
	if cfg.IfaceSpeedMbps <= 0 {
		cfg.IfaceSpeedMbps = 1000
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	return &Plugin{
		cpuThreshold:   cfg.CPUThreshold,
		netThreshold:   cfg.NetThreshold,
		iface:          cfg.Iface,
		ifaceSpeed:     cfg.IfaceSpeedMbps,
		sampleInterval: cfg.SampleInterval,
		cpuUsage:       hostCPU,
		netBytes:       hostNetBytes,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "resourcegating"
}

// Initialize takes a first sample and starts the sampling loop.
func (p *Plugin) Initialize(ctx context.Context, cfg crashship.PluginConfig) error {
	p.mu.Lock()
	p.logger = cfg.Logger
	p.mu.Unlock()

	p.sample(time.Now())

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(loopCtx)

	p.logger.Info("resource gating plugin initialized",
		log.Float64("cpu_threshold", p.cpuThreshold),
		log.String("iface", p.iface))
	return nil
}

// Shutdown stops the sampling loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Plugin) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.sample(now)
		}
	}
}

// sample records the current CPU and network utilization. A failed
// measurement keeps the previous value.
func (p *Plugin) sample(now time.Time) {
	cpuLoad, cpuErr := p.cpuUsage()

	var total uint64
	var netErr error
	if p.iface != "" {
		total, netErr = p.netBytes(p.iface)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cpuErr == nil {
		p.cpuLoad = cpuLoad
	} else if p.logger != nil {
		p.logger.Debug("resource gate: cpu sample failed", log.Err(cpuErr))
	}

	if p.iface == "" {
		return
	}
	if netErr != nil {
		if p.logger != nil {
			p.logger.Debug("resource gate: network sample failed", log.Err(netErr))
		}
		return
	}
	if !p.lastTime.IsZero() && total >= p.lastNet {
		elapsed := now.Sub(p.lastTime).Seconds()
		if elapsed > 0 {
			bitsPerSec := float64(total-p.lastNet) * 8 / elapsed
			p.netLoad = bitsPerSec / (float64(p.ifaceSpeed) * 1e6)
		}
	}
	p.lastNet = total
	p.lastTime = now
}

// OK reports whether the latest sample allows an upload to start.
func (p *Plugin) OK() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cpuLoad > p.cpuThreshold {
		if p.logger != nil {
			p.logger.Debug("resource gate: cpu busy", log.Float64("cpu", p.cpuLoad))
		}
		return false
	}
	if p.iface != "" && p.netLoad > p.netThreshold {
		if p.logger != nil {
			p.logger.Debug("resource gate: network busy", log.Float64("net", p.netLoad))
		}
		return false
	}
	return true
}

// hostCPU returns the CPU usage fraction since the previous call.
func hostCPU() (float64, error) {
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu sample")
	}
	return pct[0] / 100, nil
}

// hostNetBytes returns the bytes sent and received on iface.
func hostNetBytes(iface string) (uint64, error) {
	counters, err := psnet.IOCounters(true)
	if err != nil {
		return 0, err
	}
	for _, c := range counters {
		if c.Name == iface {
			return c.BytesSent + c.BytesRecv, nil
		}
	}
	return 0, errors.New("interface " + iface + " not found")
}

// Ensure Plugin implements crashship.Plugin and crashship.ResourceGate.
var (
	_ crashship.Plugin       = (*Plugin)(nil)
	_ crashship.ResourceGate = (*Plugin)(nil)
)
