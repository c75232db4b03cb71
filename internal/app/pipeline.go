package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/crashship/internal/bridge"
	"github.com/bft-labs/crashship/internal/builder"
	"github.com/bft-labs/crashship/internal/capture"
	"github.com/bft-labs/crashship/internal/delivery"
	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/gate"
	"github.com/bft-labs/crashship/internal/ports"
	"github.com/bft-labs/crashship/pkg/state"
)

// SlotsDir is the directory under the store root holding crash slots and
// staged wrapper exceptions.
const SlotsDir = "slots"

// staleAfter is how many heartbeat intervals a marker stays fresh.
const staleAfter = 3

// Config is the pipeline configuration. It is read once by NewPipeline.
type Config struct {
	Root string

	AutomaticProcessing  bool
	ErrorLogSetting      domain.ErrorLogSetting
	FatalHandlersEnabled bool
	MonitorEnabled       bool
	Distribution         bool

	HeartbeatInterval time.Duration

	// MemoryWarningThreshold is the used memory percentage that flags the
	// session as under memory pressure. Zero disables sampling.
	MemoryWarningThreshold float64

	Delivery delivery.Config
}

// Collaborators are the pipeline's replaceable parts. Store and Ingestion
// are required.
type Collaborators struct {
	Store        ports.Store
	Ingestion    ports.Ingestion
	Confirmation ports.ConfirmationHandler
	Delegate     ports.Delegate
	Setup        ports.SetupDelegate
	Attachments  ports.AttachmentProvider
	Resources    ports.ResourceGate
	Metrics      *delivery.Metrics
	Emitter      EventEmitter
	Logger       ports.Logger

	// Mechanisms replaces the default capture mechanisms.
	Mechanisms []capture.Mechanism

	// MemoryUsage returns the used memory percentage.
	MemoryUsage func() (float64, error)
}

// Pipeline owns capture, persistence, gating and delivery for one process
// run.
type Pipeline struct {
	cfg       Config
	logger    ports.Logger
	lifecycle *Lifecycle

	store     ports.Store
	states    state.Repository
	builder   *builder.Builder
	gate      *gate.Gate
	engine    *delivery.Engine
	bridge    *bridge.Bridge
	installer *capture.Installer
	recoverer *capture.PanicRecover
	memUsage  func() (float64, error)
	alive     func(pid int) bool

	session  uuid.UUID
	appStart time.Time
	buildID  uint64
	ready    chan struct{}

	startMu sync.Mutex
	used    bool

	mu        sync.Mutex
	current   state.State
	handler   *capture.Handler
	previous  state.State
	lastEnd   domain.SessionEnd
	lastCrash *domain.ErrorReport
}

// NewPipeline wires a stopped pipeline.
func NewPipeline(cfg Config, c Collaborators) (*Pipeline, error) {
	if c.Store == nil || c.Ingestion == nil {
		return nil, fmt.Errorf("%w: store and ingestion are required", domain.ErrInvalidConfig)
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: root directory is required", domain.ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if c.Delegate == nil {
		c.Delegate = ports.NopDelegate{}
	}
	if c.MemoryUsage == nil {
		c.MemoryUsage = UsedMemoryPercent
	}

	p := &Pipeline{
		cfg:       cfg,
		logger:    c.Logger,
		lifecycle: NewLifecycle(c.Logger, c.Emitter),
		store:     c.Store,
		states:    state.NewFileRepository(cfg.Root),
		memUsage:  c.MemoryUsage,
		alive:     builder.ProcessAlive,
		session:   sessionID(),
		appStart:  time.Now(),
		buildID:   capture.BuildID(),
		ready:     make(chan struct{}),
	}
	p.builder = builder.New(c.Logger, builder.WithBinary(p.buildID, capture.PositionIndependent()))

	var opts []delivery.Option
	if c.Attachments != nil {
		opts = append(opts, delivery.WithAttachmentProvider(c.Attachments))
	}
	if c.Resources != nil {
		opts = append(opts, delivery.WithResourceGate(c.Resources))
	}
	if c.Metrics != nil {
		opts = append(opts, delivery.WithMetrics(c.Metrics))
	}
	p.engine = delivery.New(cfg.Delivery, c.Ingestion, c.Store, c.Delegate, c.Logger, opts...)

	p.gate = gate.New(gate.Config{
		AutomaticProcessing: cfg.AutomaticProcessing,
		Setting:             cfg.ErrorLogSetting,
	}, c.Store, p.engine, c.Confirmation, c.Delegate, c.Logger)

	p.bridge = bridge.New(bridge.Config{
		StageDir: p.slotsDir(),
		Session:  p.session.String(),
		AppStart: p.appStart,
	}, c.Store, p.builder, p.gate, c.Logger)

	mechs := c.Mechanisms
	if mechs == nil {
		mechs = p.defaultMechanisms()
	}
	for _, m := range mechs {
		if r, ok := m.(*capture.PanicRecover); ok {
			p.recoverer = r
		}
	}
	if p.recoverer == nil {
		// Recover stays callable even when panics are not captured.
		p.recoverer = capture.NewPanicRecover()
	}
	if cfg.FatalHandlersEnabled {
		p.installer = capture.NewInstaller(c.Logger, c.Setup, mechs...)
	}
	return p, nil
}

// sessionID reuses the session exported by a monitoring parent so both
// processes write slots for the same run.
func sessionID() uuid.UUID {
	if id, err := uuid.Parse(os.Getenv(capture.SessionEnv)); err == nil {
		return id
	}
	return uuid.New()
}

func (p *Pipeline) slotsDir() string {
	return filepath.Join(p.cfg.Root, SlotsDir)
}

func (p *Pipeline) defaultMechanisms() []capture.Mechanism {
	var mechs []capture.Mechanism
	if p.cfg.MonitorEnabled {
		mechs = append(mechs, capture.NewMonitor(p.slotsDir(), p.session, p.buildID, p.appStart))
	}
	return append(mechs,
		capture.NewCrashOutput(),
		capture.NewSignals(),
		capture.NewPanicRecover(),
	)
}

// Start installs the crash handlers, then records the new session, scans
// the store and begins delivery. The scan runs in the background;
// UnprocessedReports waits for it.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if !p.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if p.used {
		return fmt.Errorf("%w: a stopped pipeline cannot be restarted", domain.ErrNotRunning)
	}
	p.used = true
	if err := p.lifecycle.TransitionTo(StateStarting, "Start() called"); err != nil {
		return err
	}

	// Handlers go in before anything else runs.
	if p.installer != nil {
		h, err := p.installer.Install(func() (*capture.Slot, error) {
			return capture.OpenSlot(p.slotsDir(), p.session, os.Getpid(), p.buildID, p.appStart)
		})
		if err != nil {
			p.logger.Error("crash capture unavailable", ports.Err(err))
		} else {
			p.mu.Lock()
			p.handler = h
			p.mu.Unlock()
		}
	}

	prev, err := p.states.Load(ctx)
	if err != nil {
		p.logger.Warn("failed to load previous session", ports.Err(err))
	}
	cur := state.Begin(p.session.String(), os.Getpid(), p.appStart)
	p.mu.Lock()
	p.previous = prev
	p.current = cur
	p.mu.Unlock()
	if err := p.states.Save(ctx, cur); err != nil {
		p.logger.Warn("failed to write session marker", ports.Err(err))
	}

	// Background work lives until Stop, not until the caller's ctx ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.lifecycle.SetCancel(cancel)

	if err := p.engine.Start(runCtx); err != nil {
		cancel()
		_ = p.lifecycle.TransitionTo(StateCrashed, "delivery start failed")
		return err
	}

	p.lifecycle.Go(func() { p.startup(runCtx) })
	p.lifecycle.Go(func() { p.heartbeat(runCtx) })

	return p.lifecycle.TransitionTo(StateRunning, "pipeline started")
}

// startup ingests the slots of previous runs, builds every pending report
// and gates them. It closes the readiness channel when done.
func (p *Pipeline) startup(ctx context.Context) {
	defer close(p.ready)

	p.mu.Lock()
	prev := p.previous
	p.mu.Unlock()

	crashIDs := p.ingestSlots(ctx)
	p.bridge.DropStaged()

	reports := p.buildPending(ctx)

	lastID, hasRecord := crashIDs[prev.SessionID]
	end := builder.Classify(prev, hasRecord, builder.Launch{
		Now:    time.Now(),
		Window: staleAfter * p.cfg.HeartbeatInterval,
		Alive:  p.alive,
	})

	p.mu.Lock()
	p.lastEnd = end
	for i := range reports {
		if hasRecord && reports[i].ID == lastID {
			r := reports[i]
			p.lastCrash = &r
		}
	}
	p.mu.Unlock()

	p.logger.Info("startup scan complete",
		ports.Int("pending", len(reports)),
		ports.String("last_session", end.String()))

	p.gate.Process(ctx, reports)
}

// ingestSlots turns crashed slots of earlier sessions into raw records in
// the store and returns the report id created per session.
func (p *Pipeline) ingestSlots(ctx context.Context) map[string]string {
	paths, err := capture.ListSlots(p.slotsDir(), p.session)
	if err != nil {
		p.logger.Warn("failed to list crash slots", ports.Err(err))
		return nil
	}

	type found struct {
		path     string
		contents capture.SlotContents
	}
	bySession := make(map[string][]found)
	var order []string
	for _, path := range paths {
		c, err := capture.ReadSlot(path)
		if err != nil {
			p.logger.Info("discarding unreadable crash slot", ports.String("path", path), ports.Err(err))
			_ = os.Remove(path)
			continue
		}
		if !c.Crashed() {
			_ = os.Remove(path)
			continue
		}
		key := c.Session.String()
		if _, ok := bySession[key]; !ok {
			order = append(order, key)
		}
		// The process's own slot is preferred over the monitor's.
		f := found{path: path, contents: c}
		if capture.IsMonitorSlot(path) {
			bySession[key] = append(bySession[key], f)
		} else {
			bySession[key] = append([]found{f}, bySession[key]...)
		}
	}

	ids := make(map[string]string)
	for _, session := range order {
		slots := bySession[session]
		raw := slots[0].contents.Raw()
		data, err := raw.MarshalBinary()
		if err != nil {
			p.logger.Warn("failed to encode crash record", ports.String("session", session), ports.Err(err))
			continue
		}
		id := uuid.NewString()
		if err := p.store.PutRaw(ctx, id, data); err != nil {
			p.logger.Warn("failed to store crash record", ports.String("session", session), ports.Err(err))
			continue
		}
		if _, err := p.bridge.Adopt(ctx, session, id); err != nil {
			p.logger.Warn("failed to attach staged exception", ports.String("id", id), ports.Err(err))
		}
		for _, s := range slots {
			_ = os.Remove(s.path)
		}
		ids[session] = id
		p.logger.Info("crash record recovered",
			ports.String("id", id), ports.String("session", session))
	}
	return ids
}

// buildPending returns every pending report, building the ones that only
// hold a raw record.
func (p *Pipeline) buildPending(ctx context.Context) []domain.ErrorReport {
	ids, err := p.store.ListPending(ctx)
	if err != nil {
		p.logger.Error("store scan failed", ports.Err(err))
		return nil
	}

	reports := make([]domain.ErrorReport, 0, len(ids))
	for _, id := range ids {
		if _, err := p.store.Get(ctx, id); errors.Is(err, domain.ErrNotFound) {
			if _, err := p.build(ctx, id); err != nil {
				p.logger.Info("discarding unusable report", ports.String("id", id), ports.Err(err))
				_ = p.store.DeleteCascade(ctx, id)
				continue
			}
		}
		r, err := p.bridge.BuildReport(ctx, id)
		if err != nil {
			p.logger.Warn("failed to read report", ports.String("id", id), ports.Err(err))
			continue
		}
		reports = append(reports, r)
	}
	return reports
}

func (p *Pipeline) build(ctx context.Context, id string) (domain.ErrorReport, error) {
	data, err := p.store.Raw(ctx, id)
	if err != nil {
		return domain.ErrorReport{}, err
	}
	raw, err := domain.UnmarshalRawRecord(data)
	if err != nil {
		return domain.ErrorReport{}, err
	}
	r, err := p.builder.Build(id, raw)
	if err != nil {
		return domain.ErrorReport{}, err
	}
	if err := p.store.Put(ctx, r); err != nil {
		return domain.ErrorReport{}, err
	}
	return r, nil
}

// heartbeat refreshes the session marker and samples memory pressure.
func (p *Pipeline) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.beat(ctx, now)
		}
	}
}

func (p *Pipeline) beat(ctx context.Context, now time.Time) {
	if p.cfg.MemoryWarningThreshold > 0 {
		if used, err := p.memUsage(); err == nil && used >= p.cfg.MemoryWarningThreshold {
			p.mu.Lock()
			warned := p.current.WarnMemory(now)
			p.mu.Unlock()
			if warned {
				p.logger.Warn("memory warning", ports.Float64("used_percent", used))
			}
		}
	}

	p.mu.Lock()
	p.current.Beat(now)
	cur := p.current
	h := p.handler
	p.mu.Unlock()

	if h != nil {
		h.SetForeground(cur.ForegroundDuration)
	}
	if err := p.states.Save(ctx, cur); err != nil {
		p.logger.Warn("failed to refresh session marker", ports.Err(err))
	}
}

// Stop shuts down delivery, writes the clean-stop marker and removes the
// crash handlers.
func (p *Pipeline) Stop() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if !p.lifecycle.CanStop() {
		return domain.ErrNotRunning
	}
	if err := p.lifecycle.TransitionTo(StateStopping, "Stop() called"); err != nil {
		return err
	}

	p.lifecycle.Cancel()
	engineErr := p.engine.Close(ShutdownTimeout)
	err := p.lifecycle.WaitWithTimeout(ShutdownTimeout)

	p.mu.Lock()
	p.current.Stop(time.Now())
	cur := p.current
	h := p.handler
	p.handler = nil
	p.mu.Unlock()
	if serr := p.states.Save(context.Background(), cur); serr != nil {
		p.logger.Warn("failed to write clean stop", ports.Err(serr))
	}

	if p.installer != nil {
		if uerr := p.installer.Uninstall(); uerr != nil {
			p.logger.Warn("failed to remove crash handlers", ports.Err(uerr))
		}
	}
	if h != nil {
		if rerr := h.Slot().Release(); rerr != nil {
			p.logger.Warn("failed to release crash slot", ports.Err(rerr))
		}
	}
	if cerr := p.store.Close(); cerr != nil {
		p.logger.Warn("failed to close store", ports.Err(cerr))
	}

	if err == nil {
		err = engineErr
	}
	if err != nil {
		_ = p.lifecycle.TransitionTo(StateCrashed, "shutdown timeout")
		return err
	}
	return p.lifecycle.TransitionTo(StateStopped, "graceful shutdown")
}

// Status returns the lifecycle state.
func (p *Pipeline) Status() State {
	return p.lifecycle.State()
}

// Ready is closed when the startup scan has finished.
func (p *Pipeline) Ready() <-chan struct{} {
	return p.ready
}

func (p *Pipeline) waitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnprocessedReports blocks until the startup scan has finished and
// returns the reports that are neither sent nor discarded.
func (p *Pipeline) UnprocessedReports(ctx context.Context) ([]domain.ErrorReport, error) {
	if err := p.waitReady(ctx); err != nil {
		return nil, err
	}
	return p.gate.Pending(), nil
}

// ResumeFiltered releases the listed held reports for delivery and reports
// whether the session sends automatically.
func (p *Pipeline) ResumeFiltered(ctx context.Context, ids []string) (bool, error) {
	if err := p.waitReady(ctx); err != nil {
		return false, err
	}
	return p.gate.ResumeFiltered(ctx, ids)
}

// Confirm resolves the reports awaiting consent.
func (p *Pipeline) Confirm(ctx context.Context, c domain.UserConfirmation) (int, error) {
	if err := p.waitReady(ctx); err != nil {
		return 0, err
	}
	return p.gate.Confirm(ctx, c)
}

// Purge deletes a report and everything attached to it, whether it is
// held, queued or not yet gated.
func (p *Pipeline) Purge(ctx context.Context, id string) error {
	if err := p.waitReady(ctx); err != nil {
		return err
	}
	return p.gate.Discard(ctx, id)
}

// SendErrorAttachments stores attachments for a pending report. They are
// uploaded after the report itself. A report already uploading is deleted
// once acked, so the call fails with domain.ErrReportInFlight.
func (p *Pipeline) SendErrorAttachments(ctx context.Context, reportID string, atts []domain.ErrorAttachmentLog) error {
	if p.engine.InFlight(reportID) {
		return fmt.Errorf("attachments for %s: %w", reportID, domain.ErrReportInFlight)
	}
	var errs []error
	for _, att := range atts {
		att = att.ForReport(reportID)
		if err := p.store.PutAttachment(ctx, att); err != nil {
			errs = append(errs, fmt.Errorf("attachment %s: %w", att.Filename, err))
		}
	}
	return errors.Join(errs...)
}

// HasCrashedInLastSession reports whether the previous run ended
// uncleanly and left a crash record.
func (p *Pipeline) HasCrashedInLastSession(ctx context.Context) (bool, error) {
	if err := p.waitReady(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEnd == domain.SessionCrashed, nil
}

// HasReceivedMemoryWarningInLastSession reports whether the previous run
// saw memory pressure.
func (p *Pipeline) HasReceivedMemoryWarningInLastSession(ctx context.Context) (bool, error) {
	if err := p.waitReady(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.previous.MemoryWarning, nil
}

// LastSessionEnd returns how the previous run ended.
func (p *Pipeline) LastSessionEnd(ctx context.Context) (domain.SessionEnd, error) {
	if err := p.waitReady(ctx); err != nil {
		return domain.SessionUnknown, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEnd, nil
}

// LastSessionCrashReport returns the report of the previous run's crash.
func (p *Pipeline) LastSessionCrashReport(ctx context.Context) (domain.ErrorReport, bool, error) {
	if err := p.waitReady(ctx); err != nil {
		return domain.ErrorReport{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastCrash == nil {
		return domain.ErrorReport{}, false, nil
	}
	return *p.lastCrash, true, nil
}

// SetForeground records whether the host is in the foreground. Only
// foreground time counts toward the crash report.
func (p *Pipeline) SetForeground(ctx context.Context, foreground bool) {
	p.mu.Lock()
	p.current.SetForeground(foreground, time.Now())
	cur := p.current
	h := p.handler
	p.mu.Unlock()

	if h != nil {
		h.SetForeground(cur.ForegroundDuration)
	}
	if err := p.states.Save(ctx, cur); err != nil {
		p.logger.Warn("failed to write session marker", ports.Err(err))
	}
}

// GenerateTestCrash crashes the process on purpose unless this is a
// distribution build.
func (p *Pipeline) GenerateTestCrash() bool {
	return capture.TriggerTestFault(p.cfg.Distribution)
}

// Bridge returns the wrapper exception bridge.
func (p *Pipeline) Bridge() *bridge.Bridge { return p.bridge }

// Recoverer returns the panic mechanism for deferred use at goroutine tops.
func (p *Pipeline) Recoverer() *capture.PanicRecover { return p.recoverer }

// Gate returns the confirmation gate.
func (p *Pipeline) Gate() *gate.Gate { return p.gate }

// Engine returns the delivery engine.
func (p *Pipeline) Engine() *delivery.Engine { return p.engine }

// Store returns the report store.
func (p *Pipeline) Store() ports.Store { return p.store }

// Session returns the id of this run.
func (p *Pipeline) Session() string { return p.session.String() }
