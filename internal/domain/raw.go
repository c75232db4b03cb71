package domain

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// RawKind is the kind of event found in a crash slot.
type RawKind uint16

const (
	RawUnknown RawKind = iota
	RawSignal
	RawPanic
	RawRuntimeFatal
	RawMonitor
)

// ReportKind maps the raw kind to the report kind.
func (k RawKind) ReportKind() ReportKind {
	switch k {
	case RawSignal:
		return KindSignal
	case RawPanic:
		return KindPanic
	case RawMonitor:
		return KindMonitor
	default:
		return KindRuntimeFatal
	}
}

// RawRecord is the minimal crash record captured while the process was
// dying. The text holds whatever the runtime wrote to the crash output.
type RawRecord struct {
	Kind       RawKind
	Signal     int32
	Code       int32
	PID        int32
	FaultAddr  uint64
	BuildID    uint64
	AppStart   time.Time
	CrashTime  time.Time
	Foreground time.Duration
	SessionID  [16]byte
	PCs        []uint64
	Text       []byte
}

const (
	rawMagic     = "CSRR"
	rawVersion   = 1
	rawFixedSize = 88
	rawMaxPCs    = 1 << 12
	rawMaxText   = 64 << 20
)

// MarshalBinary encodes the record with a trailing CRC32 so truncation
// can be detected on load.
func (r RawRecord) MarshalBinary() ([]byte, error) {
	if len(r.PCs) > rawMaxPCs || len(r.Text) > rawMaxText {
		return nil, fmt.Errorf("raw record too large: %d pcs, %d bytes", len(r.PCs), len(r.Text))
	}
	size := rawFixedSize + 8*len(r.PCs) + len(r.Text) + 4
	b := make([]byte, size)
	le := binary.LittleEndian

	copy(b[0:4], rawMagic)
	le.PutUint16(b[4:], rawVersion)
	le.PutUint16(b[6:], uint16(r.Kind))
	le.PutUint32(b[8:], uint32(r.Signal))
	le.PutUint32(b[12:], uint32(r.Code))
	le.PutUint32(b[16:], uint32(r.PID))
	// b[20:24] reserved
	le.PutUint64(b[24:], r.FaultAddr)
	le.PutUint64(b[32:], r.BuildID)
	le.PutUint64(b[40:], uint64(unixNano(r.AppStart)))
	le.PutUint64(b[48:], uint64(unixNano(r.CrashTime)))
	le.PutUint64(b[56:], uint64(r.Foreground))
	copy(b[64:80], r.SessionID[:])
	le.PutUint32(b[80:], uint32(len(r.PCs)))
	le.PutUint32(b[84:], uint32(len(r.Text)))

	off := rawFixedSize
	for _, pc := range r.PCs {
		le.PutUint64(b[off:], pc)
		off += 8
	}
	off += copy(b[off:], r.Text)
	le.PutUint32(b[off:], crc32.ChecksumIEEE(b[:off]))
	return b, nil
}

// UnmarshalRawRecord decodes a record produced by MarshalBinary.
// Any truncation, bad magic or checksum mismatch yields ErrCorruptRecord.
func UnmarshalRawRecord(b []byte) (RawRecord, error) {
	le := binary.LittleEndian
	if len(b) < rawFixedSize+4 || string(b[0:4]) != rawMagic {
		return RawRecord{}, fmt.Errorf("%w: bad header", ErrCorruptRecord)
	}
	if v := le.Uint16(b[4:]); v != rawVersion {
		return RawRecord{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, v)
	}
	nPCs := int(le.Uint32(b[80:]))
	textLen := int(le.Uint32(b[84:]))
	if nPCs > rawMaxPCs || textLen > rawMaxText {
		return RawRecord{}, fmt.Errorf("%w: implausible lengths", ErrCorruptRecord)
	}
	want := rawFixedSize + 8*nPCs + textLen + 4
	if len(b) != want {
		return RawRecord{}, fmt.Errorf("%w: length %d, want %d", ErrCorruptRecord, len(b), want)
	}
	body := want - 4
	if crc32.ChecksumIEEE(b[:body]) != le.Uint32(b[body:]) {
		return RawRecord{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	r := RawRecord{
		Kind:       RawKind(le.Uint16(b[6:])),
		Signal:     int32(le.Uint32(b[8:])),
		Code:       int32(le.Uint32(b[12:])),
		PID:        int32(le.Uint32(b[16:])),
		FaultAddr:  le.Uint64(b[24:]),
		BuildID:    le.Uint64(b[32:]),
		AppStart:   fromUnixNano(int64(le.Uint64(b[40:]))),
		CrashTime:  fromUnixNano(int64(le.Uint64(b[48:]))),
		Foreground: time.Duration(le.Uint64(b[56:])),
	}
	copy(r.SessionID[:], b[64:80])

	off := rawFixedSize
	if nPCs > 0 {
		r.PCs = make([]uint64, nPCs)
		for i := range r.PCs {
			r.PCs[i] = le.Uint64(b[off:])
			off += 8
		}
	}
	if textLen > 0 {
		r.Text = append([]byte(nil), b[off:off+textLen]...)
	}
	return r, nil
}

// ValidRawRecord reports whether b decodes as a complete raw record.
func ValidRawRecord(b []byte) bool {
	_, err := UnmarshalRawRecord(b)
	return err == nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
