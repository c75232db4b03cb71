package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (CRASHSHIP_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("store-dir", os.Getenv("CRASHSHIP_STORE_DIR"), &cfg.StoreDir)
	s.setString("store-backend", os.Getenv("CRASHSHIP_STORE_BACKEND"), &cfg.StoreBackend)
	s.setString("service-url", os.Getenv("CRASHSHIP_SERVICE_URL"), &cfg.ServiceURL)
	s.setString("auth-key", os.Getenv("CRASHSHIP_AUTH_KEY"), &cfg.AuthKey)
	s.setString("install-id", os.Getenv("CRASHSHIP_INSTALL_ID"), &cfg.InstallID)
	s.setString("error-log-setting", os.Getenv("CRASHSHIP_ERROR_LOG_SETTING"), &cfg.ErrorLogSetting)
	s.setString("bridge-addr", os.Getenv("CRASHSHIP_BRIDGE_ADDR"), &cfg.BridgeAddr)
	s.setString("inbox-dir", os.Getenv("CRASHSHIP_INBOX_DIR"), &cfg.InboxDir)
	s.setString("iface", os.Getenv("CRASHSHIP_IFACE"), &cfg.Iface)

	if err := s.setDuration("heartbeat", os.Getenv("CRASHSHIP_HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("timeout", os.Getenv("CRASHSHIP_HTTP_TIMEOUT"), &cfg.HTTPTimeout); err != nil {
		return err
	}

	if err := s.setFloatFromString("memory-warning", os.Getenv("CRASHSHIP_MEMORY_WARNING_THRESHOLD"), &cfg.MemoryWarningThreshold); err != nil {
		return err
	}
	if err := s.setFloatFromString("uploads-per-second", os.Getenv("CRASHSHIP_UPLOADS_PER_SECOND"), &cfg.UploadsPerSecond); err != nil {
		return err
	}
	if err := s.setFloatFromString("cpu-threshold", os.Getenv("CRASHSHIP_CPU_THRESHOLD"), &cfg.CPUThreshold); err != nil {
		return err
	}

	if err := s.setIntFromString("workers", os.Getenv("CRASHSHIP_DELIVERY_WORKERS"), &cfg.DeliveryWorkers); err != nil {
		return err
	}
	if err := s.setIntFromString("iface-speed", os.Getenv("CRASHSHIP_IFACE_SPEED_MBPS"), &cfg.IfaceSpeedMbps); err != nil {
		return err
	}
	if err := s.setIntFromString("store-budget-mb", os.Getenv("CRASHSHIP_STORE_BUDGET_MB"), &cfg.StoreBudgetMB); err != nil {
		return err
	}

	s.setBoolFromString("auto-process", os.Getenv("CRASHSHIP_AUTOMATIC_PROCESSING"), &cfg.AutomaticProcessing)
	s.setBoolFromString("fatal-handlers", os.Getenv("CRASHSHIP_FATAL_HANDLERS"), &cfg.FatalHandlers)
	s.setBoolFromString("monitor", os.Getenv("CRASHSHIP_MONITOR"), &cfg.Monitor)

	return nil
}
