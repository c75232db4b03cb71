package domain

import (
	"fmt"
	"strings"
)

// ErrorLogSetting selects how pending reports are handled at startup.
type ErrorLogSetting int

const (
	// SettingAutoSend approves every pending report without asking.
	SettingAutoSend ErrorLogSetting = iota
	// SettingAlwaysAsk defers to the confirmation handler and the user.
	SettingAlwaysAsk
	// SettingDisabled discards every pending report.
	SettingDisabled
)

func (s ErrorLogSetting) String() string {
	switch s {
	case SettingAutoSend:
		return "auto_send"
	case SettingAlwaysAsk:
		return "always_ask"
	case SettingDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("ErrorLogSetting(%d)", int(s))
	}
}

// ParseErrorLogSetting accepts the String form plus a few spellings used
// in config files and environment variables.
func ParseErrorLogSetting(v string) (ErrorLogSetting, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(v, "-", "_"))) {
	case "auto_send", "autosend", "auto", "always_send":
		return SettingAutoSend, nil
	case "always_ask", "alwaysask", "ask":
		return SettingAlwaysAsk, nil
	case "disabled", "off", "never":
		return SettingDisabled, nil
	}
	return 0, fmt.Errorf("%w: unknown error log setting %q", ErrInvalidConfig, v)
}

// MarshalText implements encoding.TextMarshaler.
func (s ErrorLogSetting) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ErrorLogSetting) UnmarshalText(b []byte) error {
	v, err := ParseErrorLogSetting(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UserConfirmation is the user's answer to a pending batch.
type UserConfirmation int

const (
	ConfirmDontSend UserConfirmation = iota
	ConfirmSend
	ConfirmAlways
)

func (c UserConfirmation) String() string {
	switch c {
	case ConfirmDontSend:
		return "dont_send"
	case ConfirmSend:
		return "send"
	case ConfirmAlways:
		return "always"
	default:
		return fmt.Sprintf("UserConfirmation(%d)", int(c))
	}
}

// ParseUserConfirmation parses "send", "dont-send" or "always".
func ParseUserConfirmation(v string) (UserConfirmation, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(v, "-", "_"))) {
	case "dont_send", "dontsend", "no", "discard":
		return ConfirmDontSend, nil
	case "send", "yes":
		return ConfirmSend, nil
	case "always", "always_send":
		return ConfirmAlways, nil
	}
	return 0, fmt.Errorf("unknown confirmation %q", v)
}

// Decision is the outcome applied to a report by the gate.
type Decision int

const (
	DecisionDiscard Decision = iota
	DecisionSend
	DecisionAlwaysSend
)

// Decision maps a confirmation to a processing decision.
func (c UserConfirmation) Decision() Decision {
	switch c {
	case ConfirmSend:
		return DecisionSend
	case ConfirmAlways:
		return DecisionAlwaysSend
	default:
		return DecisionDiscard
	}
}

// Disposition is the gate state of one pending report.
type Disposition int

const (
	DispositionNew Disposition = iota
	DispositionAwaitingConfirmation
	DispositionApproved
	DispositionDiscarded
)

func (d Disposition) String() string {
	switch d {
	case DispositionNew:
		return "New"
	case DispositionAwaitingConfirmation:
		return "AwaitingConfirmation"
	case DispositionApproved:
		return "Approved"
	case DispositionDiscarded:
		return "Discarded"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (d Disposition) Terminal() bool {
	return d == DispositionApproved || d == DispositionDiscarded
}

// SessionEnd classifies how the previous process run ended.
type SessionEnd int

const (
	SessionUnknown SessionEnd = iota
	SessionClean
	SessionCrashed
	SessionMemoryTerminated
	SessionUnclean
)

func (e SessionEnd) String() string {
	switch e {
	case SessionClean:
		return "clean"
	case SessionCrashed:
		return "crashed"
	case SessionMemoryTerminated:
		return "memory_terminated"
	case SessionUnclean:
		return "unclean"
	default:
		return "unknown"
	}
}
