package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), log.NewNoopLogger())
	require.NoError(t, err)
	return s
}

func encodedRaw(t *testing.T) []byte {
	t.Helper()
	b, err := domain.RawRecord{
		Kind:      domain.RawPanic,
		CrashTime: time.Unix(1700000000, 0),
		Text:      []byte("panic: boom\n"),
	}.MarshalBinary()
	require.NoError(t, err)
	return b
}

func report(id string) domain.ErrorReport {
	return domain.ErrorReport{ID: id, Kind: domain.KindPanic, Exception: domain.Exception{Type: "panic", Message: "boom"}}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, s.Put(ctx, report("r1")))
	require.NoError(t, s.Put(ctx, report("r1")), "second write is a no-op")

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Exception.Message)

	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)
}

func TestStore_RejectsUnsafeIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"", "../x", ".trash-a", "a/b", "x.tmp"} {
		assert.Error(t, s.PutWrapper(ctx, id, []byte("x")), id)
	}
}

func TestStore_DeleteCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRaw(ctx, "r1", encodedRaw(t)))
	require.NoError(t, s.Put(ctx, report("r1")))
	require.NoError(t, s.PutWrapper(ctx, "r1", []byte("wrapper")))
	require.NoError(t, s.SaveBlob(ctx, "r1", []byte("blob")))
	for i := 0; i < 2; i++ {
		require.NoError(t, s.PutAttachment(ctx, domain.NewTextAttachment("log line", "").ForReport("r1")))
	}
	atts, err := s.Attachments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, atts, 2)

	require.NoError(t, s.DeleteCascade(ctx, "r1"))

	_, err = s.Get(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = s.Wrapper(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = s.LoadBlob(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	atts, err = s.Attachments(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, atts)

	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.NoError(t, s.DeleteCascade(ctx, "r1"), "deleting a missing report is not an error")
}

func TestStore_AttachmentNeedsParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.PutAttachment(ctx, domain.NewTextAttachment("x", "a.txt").ForReport("missing"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	err = s.PutAttachment(ctx, domain.NewTextAttachment("x", "a.txt"))
	assert.True(t, errors.Is(err, domain.ErrInvalidAttachment))
}

func TestStore_ListPendingDiscardsTruncatedRaw(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	raw := encodedRaw(t)
	require.NoError(t, s.PutRaw(ctx, "valid", raw))

	// Simulate a crash mid-write of a second record.
	dir := filepath.Join(s.Root(), reportsDir, "torn")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, rawFile), raw[:len(raw)/2], 0o600))

	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"valid"}, ids)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "partial record is removed")
}

func TestStore_ListPendingFinishesInterruptedDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, report("keep")))
	trash := filepath.Join(s.Root(), reportsDir, trashPrefix+"gone-1")
	require.NoError(t, os.MkdirAll(trash, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(trash, reportFile), []byte("{}"), 0o600))
	stray := filepath.Join(s.Root(), reportsDir, "keep", reportFile+tmpSuffix)
	require.NoError(t, os.WriteFile(stray, []byte("{"), 0o600))

	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, ids)

	_, err = os.Stat(trash)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(stray)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_CorruptReportFallsBackToRaw(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRaw(ctx, "r1", encodedRaw(t)))
	path := filepath.Join(s.Root(), reportsDir, "r1", reportFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"id":`), 0o600))

	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	_, err = s.Get(ctx, "r1")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "corrupt report is removed so it can be rebuilt")
}

func TestStore_Blobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveBlob(ctx, "a", []byte("1")))
	require.NoError(t, s.SaveBlob(ctx, "b", []byte("2")))

	got, err := s.LoadBlob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, s.DeleteBlob(ctx, "a"))
	_, err = s.LoadBlob(ctx, "a")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, s.DeleteAllBlobs(ctx))
	_, err = s.LoadBlob(ctx, "b")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	n, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
