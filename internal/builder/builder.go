package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
	"github.com/bft-labs/crashship/pkg/state"
)

// Builder turns raw crash records into reports. It runs in a normal
// process context, never inside the crash handler.
type Builder struct {
	device  func() domain.Device
	app     domain.App
	buildID uint64
	pie     bool
	logger  ports.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithDevice replaces the host metadata collector.
func WithDevice(fn func() domain.Device) Option {
	return func(b *Builder) { b.device = sync.OnceValue(fn) }
}

// WithApp replaces the binary metadata.
func WithApp(app domain.App) Option {
	return func(b *Builder) { b.app = app }
}

// WithBinary sets the fingerprint of the running binary and whether it is
// position independent.
func WithBinary(buildID uint64, pie bool) Option {
	return func(b *Builder) {
		b.buildID = buildID
		b.pie = pie
	}
}

// New creates a Builder. Device metadata is collected lazily, once.
func New(logger ports.Logger, opts ...Option) *Builder {
	b := &Builder{
		device: sync.OnceValue(CollectDevice),
		app:    CollectApp(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the report for one raw record.
func (b *Builder) Build(id string, raw domain.RawRecord) (domain.ErrorReport, error) {
	if id == "" {
		return domain.ErrorReport{}, fmt.Errorf("%w: empty report id", domain.ErrCorruptRecord)
	}
	if raw.Kind == domain.RawUnknown && len(raw.Text) == 0 {
		return domain.ErrorReport{}, fmt.Errorf("%w: record carries no crash", domain.ErrCorruptRecord)
	}

	sameBinary := b.buildID != 0 && raw.BuildID == b.buildID
	app := b.app
	if !sameBinary {
		// Only the identity of the binary that crashed is known.
		app = domain.App{Module: b.app.Module, Executable: b.app.Executable}
	}
	app.PID = int(raw.PID)

	r := domain.ErrorReport{
		ID:                 id,
		Kind:               raw.Kind.ReportKind(),
		AppStartTime:       raw.AppStart,
		AppErrorTime:       raw.CrashTime,
		ForegroundDuration: raw.Foreground,
		Device:             b.device(),
		App:                app,
	}
	if raw.SessionID != ([16]byte{}) {
		r.SessionID = uuid.UUID(raw.SessionID).String()
	}

	parsed := parseCrashText(string(raw.Text))
	r.Threads = parsed.threads
	r.Registers = parsed.registers
	r.Signal = parsed.signal
	if parsed.exception != nil {
		r.Exception = *parsed.exception
	}

	if raw.Signal != 0 && r.Signal == nil {
		r.Signal = &domain.SignalInfo{
			Name:    signalName(raw.Signal),
			Number:  int(raw.Signal),
			Code:    int(raw.Code),
			Address: raw.FaultAddr,
		}
	}
	if r.Exception.Type == "" {
		r.Exception.Type = string(r.Kind)
		if r.Signal != nil {
			r.Exception.Type = r.Signal.Name
		}
	}

	// Without crash text the recorded PCs are the only backtrace.
	if len(r.Exception.Frames) == 0 && len(raw.PCs) > 0 {
		r.Exception.Frames = b.frames(raw.PCs, sameBinary && !b.pie)
		r.Threads = append(r.Threads, domain.Thread{
			Name:    "handler",
			Crashed: len(r.Threads) == 0,
			Frames:  r.Exception.Frames,
		})
	}

	r.Fingerprint = Fingerprint(r)
	return r, nil
}

// BuildHandled produces a handled-error report from wrapper metadata.
func (b *Builder) BuildHandled(id string, exc domain.WrapperException, props map[string]string, appStart time.Time, session string) domain.ErrorReport {
	now := time.Now().UTC()
	r := domain.ErrorReport{
		ID:           id,
		Kind:         domain.KindHandled,
		Handled:      true,
		SessionID:    session,
		AppStartTime: appStart,
		AppErrorTime: now,
		Device:       b.device(),
		App:          b.app,
		Properties:   copyProps(props),
	}
	r = r.WithException(exc)
	r.Fingerprint = Fingerprint(r)
	return r
}

func (b *Builder) frames(pcs []uint64, resolve bool) []domain.Frame {
	out := make([]domain.Frame, 0, len(pcs))
	for _, pc := range pcs {
		f := domain.Frame{Address: pc}
		if resolve {
			if fn := runtime.FuncForPC(uintptr(pc)); fn != nil {
				f.Function = fn.Name()
				f.Package = packageOf(f.Function)
				f.File, f.Line = fn.FileLine(uintptr(pc))
				f.Offset = pc - uint64(fn.Entry())
				f.Symbolicated = true
			}
		}
		out = append(out, f)
	}
	return out
}

func copyProps(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Fingerprint groups similar reports: exception type plus the first three
// function names, ignoring addresses, lines and messages.
func Fingerprint(r domain.ErrorReport) string {
	parts := []string{string(r.Kind), r.Exception.Type}
	n := 0
	for _, f := range r.Exception.Frames {
		if f.Function == "" || strings.HasPrefix(f.Function, "runtime.") {
			continue
		}
		parts = append(parts, f.Function)
		n++
		if n == 3 {
			break
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

// Launch is the moment the previous run's marker is judged.
type Launch struct {
	Now time.Time

	// Window is how long a marker stays fresh after its last heartbeat.
	// Zero disables the staleness checks.
	Window time.Duration

	// Alive reports whether the run that wrote the marker still runs.
	// Nil means it is assumed gone.
	Alive func(pid int) bool
}

func (l Launch) fresh(beat time.Time) bool {
	return l.Window > 0 && l.Now.Sub(beat) < l.Window
}

// Classify decides how the previous run ended. hasRecord reports whether a
// crash record of that run was found.
//
// A marker still fresh at launch whose process is alive belongs to a run
// that has not ended. A memory warning only explains the end of a run when
// the last heartbeat came within one window of it.
func Classify(prev state.State, hasRecord bool, at Launch) domain.SessionEnd {
	switch {
	case prev.IsEmpty():
		if hasRecord {
			return domain.SessionCrashed
		}
		return domain.SessionUnknown
	case prev.CleanStop:
		return domain.SessionClean
	case hasRecord:
		return domain.SessionCrashed
	case at.fresh(prev.LastBeatAt) && at.Alive != nil && at.Alive(prev.PID):
		return domain.SessionUnknown
	case prev.MemoryWarning && prev.Foreground && underPressure(prev, at.Window):
		return domain.SessionMemoryTerminated
	default:
		return domain.SessionUnclean
	}
}

func underPressure(prev state.State, window time.Duration) bool {
	if window <= 0 || prev.MemoryWarningAt.IsZero() {
		return true
	}
	return prev.LastBeatAt.Sub(prev.MemoryWarningAt) < window
}
