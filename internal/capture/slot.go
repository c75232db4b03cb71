package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/crashship/internal/domain"
)

// Slot file layout. The header region is written in place with WriteAt;
// the runtime appends crash text after it through the duplicated
// descriptor handed to debug.SetCrashOutput.
//
//	0   magic "CSSL"
//	4   version   u16
//	6   kind      u16 (0 while armed)
//	8   signal    i32
//	12  code      i32
//	16  pid       i32
//	20  npcs      u32
//	24  faultaddr u64
//	32  buildid   u64
//	40  appstart  i64 unix nanos
//	48  crashtime i64 unix nanos
//	56  foreground i64 nanos
//	64  session   [16]byte
//	88  pcs       [MaxFrames]u64
const (
	HeaderSize = 4096
	MaxFrames  = 64

	slotMagic   = "CSSL"
	slotVersion = 1
	pcsOffset   = 88
	slotExt     = ".slot"
)

// Slot is the preallocated crash record for one process run.
type Slot struct {
	path    string
	f       *os.File
	session uuid.UUID
	hdr     [HeaderSize]byte
}

// SlotPath returns the slot file for a session inside dir.
func SlotPath(dir string, session uuid.UUID) string {
	return filepath.Join(dir, session.String()+slotExt)
}

// OpenSlot creates the slot file for the session and writes the static part
// of the header. Nothing in the slot marks a crash until a trigger fires
// or the runtime writes crash text.
func OpenSlot(dir string, session uuid.UUID, pid int, buildID uint64, appStart time.Time) (*Slot, error) {
	return openSlotFile(dir, session.String()+slotExt, session, pid, buildID, appStart)
}

func openSlotFile(dir, name string, session uuid.UUID, pid int, buildID uint64, appStart time.Time) (*Slot, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create slot dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open slot: %w", err)
	}

	s := &Slot{path: path, f: f, session: session}
	le := binary.LittleEndian
	copy(s.hdr[0:4], slotMagic)
	le.PutUint16(s.hdr[4:], slotVersion)
	le.PutUint32(s.hdr[16:], uint32(pid))
	le.PutUint64(s.hdr[32:], buildID)
	le.PutUint64(s.hdr[40:], uint64(appStart.UnixNano()))
	copy(s.hdr[64:80], session[:])

	if _, err := f.WriteAt(s.hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write slot header: %w", err)
	}
	// Crash text lands after the header.
	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek slot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync slot: %w", err)
	}
	return s, nil
}

// File returns the slot's descriptor for the runtime crash output.
func (s *Slot) File() *os.File { return s.f }

// Path returns the slot file path.
func (s *Slot) Path() string { return s.path }

// Session returns the session the slot belongs to.
func (s *Slot) Session() uuid.UUID { return s.session }

// record fills the dynamic header fields from the preallocated buffer and
// writes them in place. It performs no allocation and takes no locks.
func (s *Slot) record(kind domain.RawKind, sig, code int32, faultAddr uint64, crashNanos, fgNanos int64, pcs []uintptr) {
	le := binary.LittleEndian
	le.PutUint16(s.hdr[6:], uint16(kind))
	le.PutUint32(s.hdr[8:], uint32(sig))
	le.PutUint32(s.hdr[12:], uint32(code))
	le.PutUint32(s.hdr[20:], uint32(len(pcs)))
	le.PutUint64(s.hdr[24:], faultAddr)
	le.PutUint64(s.hdr[48:], uint64(crashNanos))
	le.PutUint64(s.hdr[56:], uint64(fgNanos))
	off := pcsOffset
	for _, pc := range pcs {
		le.PutUint64(s.hdr[off:], uint64(pc))
		off += 8
	}
	// Errors are ignored: the process is going down either way.
	_, _ = s.f.WriteAt(s.hdr[:], 0)
	_ = s.f.Sync()
}

// Release closes the slot and removes it after a clean stop.
func (s *Slot) Release() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close closes the slot file and leaves it on disk.
func (s *Slot) Close() error {
	return s.f.Close()
}

// SlotContents is a decoded slot file.
type SlotContents struct {
	Session    uuid.UUID
	Kind       domain.RawKind
	Signal     int32
	Code       int32
	PID        int32
	FaultAddr  uint64
	BuildID    uint64
	AppStart   time.Time
	CrashTime  time.Time
	Foreground time.Duration
	PCs        []uint64
	Text       []byte
}

// Crashed reports whether the slot recorded anything at all.
func (c SlotContents) Crashed() bool {
	return c.Kind != 0 || len(c.Text) > 0
}

// Raw converts the slot into the canonical raw record. A slot that only
// holds runtime text is a runtime fatal error.
func (c SlotContents) Raw() domain.RawRecord {
	kind := c.Kind
	if kind == domain.RawUnknown {
		kind = domain.RawRuntimeFatal
	}
	r := domain.RawRecord{
		Kind:       kind,
		Signal:     c.Signal,
		Code:       c.Code,
		PID:        c.PID,
		FaultAddr:  c.FaultAddr,
		BuildID:    c.BuildID,
		AppStart:   c.AppStart,
		CrashTime:  c.CrashTime,
		Foreground: c.Foreground,
		PCs:        c.PCs,
		Text:       c.Text,
	}
	copy(r.SessionID[:], c.Session[:])
	return r
}

// ErrBadSlot is returned when a slot file cannot be decoded.
var ErrBadSlot = errors.New("capture: bad slot file")

// DecodeSlot parses a slot file read from disk.
func DecodeSlot(b []byte) (SlotContents, error) {
	if len(b) < HeaderSize || string(b[0:4]) != slotMagic {
		return SlotContents{}, ErrBadSlot
	}
	le := binary.LittleEndian
	if le.Uint16(b[4:]) != slotVersion {
		return SlotContents{}, ErrBadSlot
	}
	n := int(le.Uint32(b[20:]))
	if n > MaxFrames {
		return SlotContents{}, ErrBadSlot
	}

	c := SlotContents{
		Kind:       domain.RawKind(le.Uint16(b[6:])),
		Signal:     int32(le.Uint32(b[8:])),
		Code:       int32(le.Uint32(b[12:])),
		PID:        int32(le.Uint32(b[16:])),
		FaultAddr:  le.Uint64(b[24:]),
		BuildID:    le.Uint64(b[32:]),
		AppStart:   nanosTime(int64(le.Uint64(b[40:]))),
		CrashTime:  nanosTime(int64(le.Uint64(b[48:]))),
		Foreground: time.Duration(le.Uint64(b[56:])),
	}
	copy(c.Session[:], b[64:80])
	if n > 0 {
		c.PCs = make([]uint64, n)
		for i := range c.PCs {
			c.PCs[i] = le.Uint64(b[pcsOffset+8*i:])
		}
	}
	if len(b) > HeaderSize {
		c.Text = append([]byte(nil), b[HeaderSize:]...)
	}
	return c, nil
}

// ListSlots returns the slot files in dir, excluding the given session.
func ListSlots(dir string, exclude uuid.UUID) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != slotExt {
			continue
		}
		if name == exclude.String()+slotExt {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func nanosTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ReadSlot reads and decodes a slot file. A missing crash time is taken
// from the file's modification time.
func ReadSlot(path string) (SlotContents, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return SlotContents{}, err
	}
	c, err := DecodeSlot(b)
	if err != nil {
		return SlotContents{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if c.CrashTime.IsZero() && c.Crashed() {
		if fi, err := os.Stat(path); err == nil {
			c.CrashTime = fi.ModTime()
		}
	}
	return c, nil
}

// IsMonitorSlot reports whether path was written by the monitor process.
func IsMonitorSlot(path string) bool {
	return strings.HasSuffix(filepath.Base(path), ".monitor"+slotExt)
}
