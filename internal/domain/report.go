package domain

import (
	"time"
)

// ReportKind identifies what produced a report.
type ReportKind string

const (
	KindSignal       ReportKind = "signal"
	KindPanic        ReportKind = "panic"
	KindRuntimeFatal ReportKind = "runtime_fatal"
	KindMonitor      ReportKind = "monitor"
	KindHandled      ReportKind = "handled"
)

// Frame is one entry of a backtrace.
type Frame struct {
	Address      uint64 `json:"address,omitempty"`
	Function     string `json:"function,omitempty"`
	Package      string `json:"package,omitempty"`
	File         string `json:"file,omitempty"`
	Line         int    `json:"line,omitempty"`
	Offset       uint64 `json:"offset,omitempty"`
	Symbolicated bool   `json:"symbolicated"`
}

// Thread is a goroutine or OS thread captured in a report.
type Thread struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name,omitempty"`
	State   string  `json:"state,omitempty"`
	Crashed bool    `json:"crashed"`
	Frames  []Frame `json:"frames"`
}

// SignalInfo describes the signal that terminated the process.
type SignalInfo struct {
	Name    string `json:"name,omitempty"`
	Number  int    `json:"number,omitempty"`
	Code    int    `json:"code,omitempty"`
	Address uint64 `json:"address,omitempty"`
}

// Exception is the error type and message with its stack.
type Exception struct {
	Type    string  `json:"type"`
	Message string  `json:"message,omitempty"`
	Frames  []Frame `json:"frames,omitempty"`
}

// Device holds host metadata attached to every report.
type Device struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	Arch            string `json:"arch"`
	CPUs            int    `json:"cpus,omitempty"`
	MemoryTotal     uint64 `json:"memory_total,omitempty"`
	MemoryAvailable uint64 `json:"memory_available,omitempty"`
}

// App holds metadata about the crashed binary.
type App struct {
	Module     string `json:"module,omitempty"`
	Version    string `json:"version,omitempty"`
	Revision   string `json:"revision,omitempty"`
	GoVersion  string `json:"go_version,omitempty"`
	Executable string `json:"executable,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// ErrorReport is the structured representation of one crash or handled
// error. A report is never modified after it has been built; callers that
// need a variant copy it.
type ErrorReport struct {
	ID                 string            `json:"id"`
	Kind               ReportKind        `json:"kind"`
	Handled            bool              `json:"handled"`
	SessionID          string            `json:"session_id,omitempty"`
	Signal             *SignalInfo       `json:"signal,omitempty"`
	Exception          Exception         `json:"exception"`
	Threads            []Thread          `json:"threads,omitempty"`
	Registers          map[string]uint64 `json:"registers,omitempty"`
	AppStartTime       time.Time         `json:"app_start_time"`
	AppErrorTime       time.Time         `json:"app_error_time"`
	ForegroundDuration time.Duration     `json:"foreground_duration"`
	Device             Device            `json:"device"`
	App                App               `json:"app"`
	Fingerprint        string            `json:"fingerprint,omitempty"`
	Properties         map[string]string `json:"properties,omitempty"`
	WrapperSDKName     string            `json:"wrapper_sdk_name,omitempty"`
}

// Validate checks the fields every persisted report must carry.
func (r ErrorReport) Validate() error {
	if r.ID == "" {
		return ErrCorruptRecord
	}
	if r.Kind == "" {
		return ErrCorruptRecord
	}
	return nil
}

// CrashedThread returns the thread flagged as crashed, if any.
func (r ErrorReport) CrashedThread() (Thread, bool) {
	for _, t := range r.Threads {
		if t.Crashed {
			return t, true
		}
	}
	return Thread{}, false
}

// WithException returns a copy of the report carrying the given wrapper
// exception in place of the native one.
func (r ErrorReport) WithException(w WrapperException) ErrorReport {
	out := r
	out.Exception = Exception{
		Type:    w.Type,
		Message: w.Message,
		Frames:  append([]Frame(nil), w.Frames...),
	}
	out.WrapperSDKName = w.WrapperSDKName
	return out
}
