package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	StoreDir               string  `toml:"store_dir"`
	StoreBackend           string  `toml:"store_backend"`
	ServiceURL             string  `toml:"service_url"`
	AuthKey                string  `toml:"auth_key"`
	InstallID              string  `toml:"install_id"`
	ErrorLogSetting        string  `toml:"error_log_setting"`
	AutomaticProcessing    *bool   `toml:"automatic_processing"`
	FatalHandlers          *bool   `toml:"fatal_handlers"`
	Monitor                *bool   `toml:"monitor"`
	HeartbeatInterval      string  `toml:"heartbeat_interval"`
	HTTPTimeout            string  `toml:"http_timeout"`
	MemoryWarningThreshold float64 `toml:"memory_warning_threshold"`
	DeliveryWorkers        int     `toml:"delivery_workers"`
	UploadsPerSecond       float64 `toml:"uploads_per_second"`
	BridgeAddr             string  `toml:"bridge_addr"`
	InboxDir               string  `toml:"inbox_dir"`
	CPUThreshold           float64 `toml:"cpu_threshold"`
	Iface                  string  `toml:"iface"`
	IfaceSpeedMbps         int     `toml:"iface_speed_mbps"`
	StoreBudgetMB          int     `toml:"store_budget_mb"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.crashship/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".crashship", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("store-dir", fc.StoreDir, &cfg.StoreDir)
	s.setString("store-backend", fc.StoreBackend, &cfg.StoreBackend)
	s.setString("service-url", fc.ServiceURL, &cfg.ServiceURL)
	s.setString("auth-key", fc.AuthKey, &cfg.AuthKey)
	s.setString("install-id", fc.InstallID, &cfg.InstallID)
	s.setString("error-log-setting", fc.ErrorLogSetting, &cfg.ErrorLogSetting)
	s.setString("bridge-addr", fc.BridgeAddr, &cfg.BridgeAddr)
	s.setString("inbox-dir", fc.InboxDir, &cfg.InboxDir)
	s.setString("iface", fc.Iface, &cfg.Iface)

	if err := s.setDuration("heartbeat", fc.HeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("timeout", fc.HTTPTimeout, &cfg.HTTPTimeout); err != nil {
		return err
	}

	s.setFloat("memory-warning", fc.MemoryWarningThreshold, &cfg.MemoryWarningThreshold)
	s.setFloat("uploads-per-second", fc.UploadsPerSecond, &cfg.UploadsPerSecond)
	s.setFloat("cpu-threshold", fc.CPUThreshold, &cfg.CPUThreshold)

	s.setInt("workers", fc.DeliveryWorkers, &cfg.DeliveryWorkers)
	s.setInt("iface-speed", fc.IfaceSpeedMbps, &cfg.IfaceSpeedMbps)
	s.setInt("store-budget-mb", fc.StoreBudgetMB, &cfg.StoreBudgetMB)

	s.setBool("auto-process", fc.AutomaticProcessing, &cfg.AutomaticProcessing)
	s.setBool("fatal-handlers", fc.FatalHandlers, &cfg.FatalHandlers)
	s.setBool("monitor", fc.Monitor, &cfg.Monitor)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
