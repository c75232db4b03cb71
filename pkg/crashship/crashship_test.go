package crashship_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/crashship/pkg/crashship"
)

// testLogger implements crashship.Logger for capturing log output in tests.
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, fields ...crashship.LogField) { l.log("DEBUG", msg) }
func (l *testLogger) Info(msg string, fields ...crashship.LogField)  { l.log("INFO", msg) }
func (l *testLogger) Warn(msg string, fields ...crashship.LogField)  { l.log("WARN", msg) }
func (l *testLogger) Error(msg string, fields ...crashship.LogField) { l.log("ERROR", msg) }

func (l *testLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("[%s] %s", level, msg))
}

// trackingPlugin tracks initialization and shutdown calls for testing.
type trackingPlugin struct {
	name        string
	order       *[]string
	initError   error
	mu          sync.Mutex
	sawInstance bool
}

func (p *trackingPlugin) Name() string { return p.name }

func (p *trackingPlugin) Initialize(ctx context.Context, cfg crashship.PluginConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initError != nil {
		return p.initError
	}
	*p.order = append(*p.order, "init:"+p.name)
	p.sawInstance = cfg.Crashship != nil && cfg.Gatherer != nil
	return nil
}

func (p *trackingPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.order = append(*p.order, "shutdown:"+p.name)
	return nil
}

// eventTracker records state changes and deliveries.
type eventTracker struct {
	crashship.BaseEventHandler
	mu        sync.Mutex
	states    []crashship.StateChangeEvent
	delivered []string
}

func (e *eventTracker) OnStateChange(event crashship.StateChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, event)
}

func (e *eventTracker) OnDelivered(event crashship.DeliveryEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delivered = append(e.delivered, event.Report.ID)
}

// ingestServer records the report ids posted to the errors endpoint.
type ingestServer struct {
	*httptest.Server
	mu  sync.Mutex
	ids []string
}

func newIngestServer(t *testing.T) *ingestServer {
	t.Helper()
	s := &ingestServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ingest/errors" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		var body struct {
			Report crashship.ErrorReport `json:"report"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.ids = append(s.ids, body.Report.ID)
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *ingestServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func createTestConfig(t *testing.T, serviceURL string) crashship.Config {
	t.Helper()
	return crashship.Config{
		StoreDir:            t.TempDir(),
		ServiceURL:          serviceURL,
		AuthKey:             "test-key",
		AutomaticProcessing: true,
		ErrorLogSetting:     crashship.SettingAutoSend,
		HeartbeatInterval:   time.Hour,
		RetryMaxElapsed:     time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*crashship.Config)
		ok     bool
	}{
		{"valid", func(*crashship.Config) {}, true},
		{"no service url", func(c *crashship.Config) { c.ServiceURL = "" }, false},
		{"unknown backend", func(c *crashship.Config) { c.StoreBackend = "mongo" }, false},
		{"bad setting", func(c *crashship.Config) { c.ErrorLogSetting = 9 }, false},
		{"bad threshold", func(c *crashship.Config) { c.MemoryWarningThreshold = 120 }, false},
		{"sqlite", func(c *crashship.Config) { c.StoreBackend = crashship.BackendSQLite }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t, "http://localhost:9999")
			cfg.SetDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, crashship.ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestPlugin_InitializationAndShutdownOrder(t *testing.T) {
	var order []string
	p1 := &trackingPlugin{name: "p1", order: &order}
	p2 := &trackingPlugin{name: "p2", order: &order}

	c, err := crashship.New(createTestConfig(t, "http://localhost:9999"),
		crashship.WithLogger(&testLogger{}),
		crashship.WithPlugin(p1),
		crashship.WithPlugin(p2),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	want := []string{"init:p1", "init:p2", "shutdown:p2", "shutdown:p1"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if !p1.sawInstance {
		t.Error("plugin config must carry the instance and metrics")
	}
}

func TestPlugin_InitFailureAbortsStart(t *testing.T) {
	var order []string
	good := &trackingPlugin{name: "good", order: &order}
	bad := &trackingPlugin{name: "bad", order: &order, initError: errors.New("boom")}

	c, err := crashship.New(createTestConfig(t, "http://localhost:9999"),
		crashship.WithPlugin(good),
		crashship.WithPlugin(bad),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() must fail when a plugin fails")
	}

	want := []string{"init:good", "shutdown:good"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if got := c.Status(); got == crashship.StateRunning {
		t.Errorf("Status() = %v after failed start", got)
	}
}

func TestCrashship_StartTwice(t *testing.T) {
	c, err := crashship.New(createTestConfig(t, "http://localhost:9999"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); !errors.Is(err, crashship.ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}
}

func TestCrashship_StopWhenStopped(t *testing.T) {
	c, err := crashship.New(createTestConfig(t, "http://localhost:9999"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Stop(); !errors.Is(err, crashship.ErrNotRunning) {
		t.Errorf("Stop() = %v, want ErrNotRunning", err)
	}
}

func TestCrashship_HandledExceptionReachesBackend(t *testing.T) {
	for _, backend := range []crashship.StoreBackend{crashship.BackendFS, crashship.BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			srv := newIngestServer(t)
			events := &eventTracker{}
			cfg := createTestConfig(t, srv.URL)
			cfg.StoreBackend = backend

			c, err := crashship.New(cfg, crashship.WithEventHandler(events))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Start(ctx); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			id, err := c.Bridge().TrackModelException(ctx, crashship.WrapperException{
				Type:    "System.InvalidOperationException",
				Message: "bad state",
			}, map[string]string{"screen": "checkout"}, nil)
			if err != nil {
				t.Fatalf("TrackModelException() error = %v", err)
			}
			if err := c.Flush(ctx); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}
			if err := c.Stop(); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}

			if got := srv.received(); len(got) != 1 || got[0] != id {
				t.Errorf("backend received %v, want [%s]", got, id)
			}
			events.mu.Lock()
			defer events.mu.Unlock()
			if len(events.delivered) != 1 {
				t.Errorf("delivered events = %v", events.delivered)
			}
			last := events.states[len(events.states)-1]
			if last.Current != crashship.StateStopped {
				t.Errorf("last state = %v, want Stopped", last.Current)
			}
		})
	}
}
