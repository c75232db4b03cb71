package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/crashship/pkg/crashship"
)

// DefaultServiceURL is the default ingestion endpoint.
const DefaultServiceURL = "https://in.crashship.dev"

// DefaultBridgeAddr is where the run command serves the wrapper bridge.
const DefaultBridgeAddr = "127.0.0.1:7865"

// Config holds CLI configuration for crashship.
type Config struct {
	StoreDir     string
	StoreBackend string

	ServiceURL string
	AuthKey    string
	InstallID  string

	ErrorLogSetting     string
	AutomaticProcessing bool
	FatalHandlers       bool
	Monitor             bool

	HeartbeatInterval      time.Duration
	HTTPTimeout            time.Duration
	MemoryWarningThreshold float64
	DeliveryWorkers        int
	UploadsPerSecond       float64

	BridgeAddr     string
	InboxDir       string
	CPUThreshold   float64
	Iface          string
	IfaceSpeedMbps int
	StoreBudgetMB  int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		StoreBackend:        string(crashship.BackendFS),
		ServiceURL:          DefaultServiceURL,
		ErrorLogSetting:     "auto_send",
		AutomaticProcessing: true,
		FatalHandlers:       true,
		HeartbeatInterval:   5 * time.Second,
		HTTPTimeout:         30 * time.Second,
		DeliveryWorkers:     2,
		BridgeAddr:          DefaultBridgeAddr,
		CPUThreshold:        0.85,
		IfaceSpeedMbps:      1000,
		StoreBudgetMB:       64,
		AuthKey:             os.Getenv("CRASHSHIP_AUTH_KEY"),
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.StoreDir == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("store-dir is required")
		}
		c.StoreDir = filepath.Join(h, ".crashship", "store")
	}
	if c.InboxDir == "" {
		c.InboxDir = filepath.Join(c.StoreDir, "inbox")
	}

	if c.ServiceURL == "" {
		c.ServiceURL = DefaultServiceURL
	}
	c.ServiceURL = strings.TrimRight(c.ServiceURL, "/")

	switch crashship.StoreBackend(c.StoreBackend) {
	case crashship.BackendFS, crashship.BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if _, err := crashship.ParseErrorLogSetting(c.ErrorLogSetting); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	return nil
}

// Library converts the CLI configuration to the library configuration.
// Validate must have succeeded.
func (c Config) Library() crashship.Config {
	setting, _ := crashship.ParseErrorLogSetting(c.ErrorLogSetting)
	return crashship.Config{
		StoreDir:               c.StoreDir,
		StoreBackend:           crashship.StoreBackend(c.StoreBackend),
		ServiceURL:             c.ServiceURL,
		AuthKey:                c.AuthKey,
		InstallID:              c.InstallID,
		AutomaticProcessing:    c.AutomaticProcessing,
		ErrorLogSetting:        setting,
		FatalHandlersEnabled:   c.FatalHandlers,
		MonitorEnabled:         c.Monitor,
		HeartbeatInterval:      c.HeartbeatInterval,
		MemoryWarningThreshold: c.MemoryWarningThreshold,
		DeliveryWorkers:        c.DeliveryWorkers,
		UploadsPerSecond:       c.UploadsPerSecond,
		HTTPTimeout:            c.HTTPTimeout,
	}
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float64 value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination if valid.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
