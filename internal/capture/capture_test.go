package capture

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/log"
)

func openTestSlot(t *testing.T, dir string) *Slot {
	t.Helper()
	s, err := OpenSlot(dir, uuid.New(), 1234, 42, time.Unix(1700000000, 0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSlot_ArmedSlotIsNotACrash(t *testing.T) {
	dir := t.TempDir()
	s := openTestSlot(t, dir)

	c, err := ReadSlot(s.Path())
	require.NoError(t, err)
	assert.False(t, c.Crashed())
	assert.Equal(t, s.Session(), c.Session)
	assert.Equal(t, int32(1234), c.PID)
	assert.Equal(t, uint64(42), c.BuildID)
}

func TestHandler_TriggerWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	s := openTestSlot(t, dir)
	h := NewHandler(s)
	h.SetForeground(3 * time.Second)

	require.True(t, h.Trigger(domain.RawSignal, 6, 0, 0))
	assert.False(t, h.Trigger(domain.RawPanic, 11, 0, 0), "second trigger must be refused")

	c, err := ReadSlot(s.Path())
	require.NoError(t, err)
	assert.True(t, c.Crashed())
	assert.Equal(t, domain.RawSignal, c.Kind)
	assert.Equal(t, int32(6), c.Signal)
	assert.Equal(t, 3*time.Second, c.Foreground)
	assert.NotEmpty(t, c.PCs)
	assert.False(t, c.CrashTime.IsZero())
}

func TestSlot_RuntimeTextOnly(t *testing.T) {
	dir := t.TempDir()
	s := openTestSlot(t, dir)

	// The runtime writes through the descriptor at the current offset.
	_, err := s.File().WriteString("fatal error: all goroutines are asleep - deadlock!\n")
	require.NoError(t, err)

	c, err := ReadSlot(s.Path())
	require.NoError(t, err)
	assert.True(t, c.Crashed())

	raw := c.Raw()
	assert.Equal(t, domain.RawRuntimeFatal, raw.Kind)
	assert.Contains(t, string(raw.Text), "deadlock")
	assert.Equal(t, c.Session[:], raw.SessionID[:])
}

func TestDecodeSlot_Rejects(t *testing.T) {
	_, err := DecodeSlot([]byte("short"))
	assert.ErrorIs(t, err, ErrBadSlot)

	b := make([]byte, HeaderSize)
	copy(b, "NOPE")
	_, err = DecodeSlot(b)
	assert.ErrorIs(t, err, ErrBadSlot)
}

func TestListSlots_ExcludesCurrent(t *testing.T) {
	dir := t.TempDir()
	current := openTestSlot(t, dir)
	old := openTestSlot(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	paths, err := ListSlots(dir, current.Session())
	require.NoError(t, err)
	assert.Equal(t, []string{old.Path()}, paths)
}

func TestSlot_ReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSlot(dir, uuid.New(), 1, 1, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.Release())
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestPanicRecover_RecordsAndRepanics(t *testing.T) {
	s := openTestSlot(t, t.TempDir())
	h := NewHandler(s)
	rec := NewPanicRecover()
	require.NoError(t, rec.Install(h))

	var got interface{}
	func() {
		defer func() { got = recover() }()
		func() {
			defer rec.Recover()
			panic("boom")
		}()
	}()

	assert.Equal(t, "boom", got)
	assert.True(t, h.Fired())

	c, err := ReadSlot(s.Path())
	require.NoError(t, err)
	assert.Equal(t, domain.RawPanic, c.Kind)
}

func TestPanicRecover_NoPanicIsNoop(t *testing.T) {
	s := openTestSlot(t, t.TempDir())
	h := NewHandler(s)
	rec := NewPanicRecover()
	require.NoError(t, rec.Install(h))

	func() {
		defer rec.Recover()
	}()
	assert.False(t, h.Fired())
}

func TestTriggerTestFault_DistributionIsNoop(t *testing.T) {
	assert.False(t, TriggerTestFault(true))
}

type fakeMechanism struct {
	name        string
	installErr  error
	installed   bool
	uninstalled bool
	order       *[]string
}

func (f *fakeMechanism) Name() string { return f.name }

func (f *fakeMechanism) Install(h *Handler) error {
	if f.installErr != nil {
		return f.installErr
	}
	*f.order = append(*f.order, "install:"+f.name)
	f.installed = true
	return nil
}

func (f *fakeMechanism) Uninstall() error {
	*f.order = append(*f.order, "uninstall:"+f.name)
	f.uninstalled = true
	return nil
}

type recordingSetup struct {
	calls  []string
	panics bool
}

func (r *recordingSetup) WillInstallHandlers()   { r.calls = append(r.calls, "will") }
func (r *recordingSetup) DidInstallHandlers()    { r.calls = append(r.calls, "did") }
func (r *recordingSetup) WillUninstallHandlers() { r.calls = append(r.calls, "teardown") }
func (r *recordingSetup) ShouldCapturePanics() bool {
	return r.panics
}

func TestInstaller_InstallOrderAndTeardown(t *testing.T) {
	dir := t.TempDir()
	var order []string
	a := &fakeMechanism{name: "a", order: &order}
	broken := &fakeMechanism{name: "broken", installErr: errors.New("nope"), order: &order}
	b := &fakeMechanism{name: "b", order: &order}
	setup := &recordingSetup{}

	inst := NewInstaller(log.NewNoopLogger(), setup, a, broken, b)
	h, err := inst.Install(func() (*Slot, error) {
		return OpenSlot(dir, uuid.New(), 1, 1, time.Now())
	})
	require.NoError(t, err)
	require.NotNil(t, h)
	defer h.Slot().Close()

	assert.Equal(t, []string{"a", "b"}, inst.Installed())
	assert.Same(t, h, inst.Handler())

	require.NoError(t, inst.Uninstall())
	assert.Equal(t, []string{"install:a", "install:b", "uninstall:b", "uninstall:a"}, order)
	assert.Equal(t, []string{"will", "did", "teardown"}, setup.calls)
	assert.Nil(t, inst.Handler())
}

func TestInstaller_SkipsPanicRecoverWhenDelegateDeclines(t *testing.T) {
	dir := t.TempDir()
	rec := NewPanicRecover()
	inst := NewInstaller(log.NewNoopLogger(), &recordingSetup{panics: false}, rec)

	h, err := inst.Install(func() (*Slot, error) {
		return OpenSlot(dir, uuid.New(), 1, 1, time.Now())
	})
	require.NoError(t, err)
	defer h.Slot().Close()

	assert.Empty(t, inst.Installed())
}

func TestInstaller_OpenFailure(t *testing.T) {
	var order []string
	a := &fakeMechanism{name: "a", order: &order}
	inst := NewInstaller(log.NewNoopLogger(), nil, a)

	_, err := inst.Install(func() (*Slot, error) { return nil, errors.New("disk gone") })
	require.Error(t, err)
	assert.False(t, a.installed)
}
