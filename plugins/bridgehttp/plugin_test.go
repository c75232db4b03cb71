package bridgehttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/crashship/pkg/crashship"
	"github.com/bft-labs/crashship/plugins/bridgehttp"
)

func TestPlugin_ServesRunningInstance(t *testing.T) {
	plugin := bridgehttp.New(bridgehttp.Config{Addr: "127.0.0.1:0"})
	c, err := crashship.New(crashship.Config{
		StoreDir:            t.TempDir(),
		ServiceURL:          "http://127.0.0.1:1",
		AutomaticProcessing: false,
		HeartbeatInterval:   time.Hour,
	}, crashship.WithPlugin(plugin))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	base := "http://" + plugin.Addr()
	resp, err := http.Post(base+"/v1/exceptions", "application/json",
		strings.NewReader(`{"exception":{"type":"System.Exception","message":"boom"}}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	var created map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created["id"] == "" {
		t.Fatalf("track status = %d, id %q", resp.StatusCode, created["id"])
	}

	resp, err = http.Get(base + "/v1/exceptions/" + created["id"] + "/report")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var report crashship.ErrorReport
	_ = json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if report.Exception.Type != "System.Exception" || !report.Handled {
		t.Errorf("report = %+v", report)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
