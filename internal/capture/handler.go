package capture

import (
	"hash/fnv"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bft-labs/crashship/internal/domain"
)

// Handler owns the preallocated slot and performs the in-crash write.
// Trigger is safe to call from any goroutine and fires at most once.
type Handler struct {
	slot  *Slot
	pcs   [MaxFrames]uintptr
	fired atomic.Bool

	// foreground holds the accumulated foreground time in nanoseconds.
	foreground atomic.Int64
}

// NewHandler wraps an open slot.
func NewHandler(slot *Slot) *Handler {
	return &Handler{slot: slot}
}

// Slot returns the handler's slot.
func (h *Handler) Slot() *Slot { return h.slot }

// SetForeground records the accumulated foreground duration written with
// the next crash record.
func (h *Handler) SetForeground(d time.Duration) {
	h.foreground.Store(int64(d))
}

// Fired reports whether a trigger already ran.
func (h *Handler) Fired() bool { return h.fired.Load() }

// Trigger writes the crash header. It returns false when a previous
// trigger already ran, in which case the caller must go straight to
// termination. No allocation, formatting or locking happens here.
func (h *Handler) Trigger(kind domain.RawKind, sig, code int32, skip int) bool {
	if !h.fired.CompareAndSwap(false, true) {
		return false
	}
	n := runtime.Callers(skip+2, h.pcs[:])
	h.slot.record(kind, sig, code, 0, time.Now().UnixNano(), h.foreground.Load(), h.pcs[:n])
	return true
}

// BuildID fingerprints the running binary. Records carrying a different
// fingerprint are not symbolized against this process.
func BuildID() uint64 {
	h := fnv.New64a()
	if info, ok := debug.ReadBuildInfo(); ok {
		h.Write([]byte(info.GoVersion))
		h.Write([]byte(info.Main.Path))
		h.Write([]byte(info.Main.Version))
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.time", "vcs.modified", "-buildmode":
				h.Write([]byte(s.Key + "=" + s.Value))
			}
		}
	}
	if exe, err := os.Executable(); err == nil {
		if fi, err := os.Stat(exe); err == nil {
			h.Write([]byte(exe))
			h.Write([]byte(strconv.FormatInt(fi.Size(), 10)))
			h.Write([]byte(strconv.FormatInt(fi.ModTime().UnixNano(), 10)))
		}
	}
	return h.Sum64()
}

// PositionIndependent reports whether the binary was built as PIE, in
// which case recorded PCs cannot be resolved in a later process.
func PositionIndependent() bool {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return false
	}
	for _, s := range info.Settings {
		if s.Key == "-buildmode" {
			return s.Value == "pie"
		}
	}
	return false
}
