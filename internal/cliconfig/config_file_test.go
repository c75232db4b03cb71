package cliconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyFileConfig(t *testing.T) {
	trueVal := true
	falseVal := false

	tests := []struct {
		name       string
		fileConfig FileConfig
		changed    map[string]bool
		initial    Config
		expected   Config
		wantErr    bool
	}{
		{
			name: "applies all valid config values",
			fileConfig: FileConfig{
				StoreDir:          "/file/store",
				StoreBackend:      "sqlite",
				HeartbeatInterval: "1m",
				CPUThreshold:      0.8,
				StoreBudgetMB:     32,
				Monitor:           &trueVal,
			},
			changed: map[string]bool{},
			expected: Config{
				StoreDir:          "/file/store",
				StoreBackend:      "sqlite",
				HeartbeatInterval: time.Minute,
				CPUThreshold:      0.8,
				StoreBudgetMB:     32,
				Monitor:           true,
			},
		},
		{
			name: "respects changed flags",
			fileConfig: FileConfig{
				StoreDir:   "/file/store",
				ServiceURL: "http://file",
			},
			changed: map[string]bool{"store-dir": true},
			initial: Config{StoreDir: "/flag/store"},
			expected: Config{
				StoreDir:   "/flag/store", // unchanged because flag was set
				ServiceURL: "http://file",
			},
		},
		{
			name:       "explicit false overrides default",
			fileConfig: FileConfig{AutomaticProcessing: &falseVal},
			changed:    map[string]bool{},
			initial:    Config{AutomaticProcessing: true},
			expected:   Config{AutomaticProcessing: false},
		},
		{
			name:       "returns error for invalid duration",
			fileConfig: FileConfig{HTTPTimeout: "soon"},
			changed:    map[string]bool{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			err := ApplyFileConfig(&cfg, tt.fileConfig, tt.changed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyFileConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg != tt.expected {
				t.Errorf("ApplyFileConfig() = %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestLoadFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.TrimSpace(`
store_dir = "/var/lib/crashship"
store_backend = "sqlite"
service_url = "https://ingest.example.com"
error_log_setting = "always_ask"
automatic_processing = false
heartbeat_interval = "15s"
delivery_workers = 3
cpu_threshold = 0.5
`)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig() error = %v", err)
	}
	if fc.StoreDir != "/var/lib/crashship" || fc.StoreBackend != "sqlite" {
		t.Errorf("store = %v/%v", fc.StoreDir, fc.StoreBackend)
	}
	if fc.AutomaticProcessing == nil || *fc.AutomaticProcessing {
		t.Errorf("AutomaticProcessing = %v, want false", fc.AutomaticProcessing)
	}
	if fc.HeartbeatInterval != "15s" || fc.DeliveryWorkers != 3 || fc.CPUThreshold != 0.5 {
		t.Errorf("unexpected values: %+v", fc)
	}

	cfg := DefaultConfig()
	if err := ApplyFileConfig(&cfg, fc, map[string]bool{}); err != nil {
		t.Fatalf("ApplyFileConfig() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.HeartbeatInterval != 15*time.Second || cfg.AutomaticProcessing {
		t.Errorf("applied config = %+v", cfg)
	}
}

func TestLoadFileConfig_Errors(t *testing.T) {
	if _, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("store_dir = [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFileConfig(path); err == nil {
		t.Error("malformed file should fail")
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	if !FileExists(dir) {
		t.Error("FileExists(dir) = false")
	}
	if FileExists(filepath.Join(dir, "nope")) {
		t.Error("FileExists(missing) = true")
	}
}
