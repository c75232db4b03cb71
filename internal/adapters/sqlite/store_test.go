package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/log"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), log.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func encodedRaw(t *testing.T) []byte {
	t.Helper()
	b, err := domain.RawRecord{Kind: domain.RawSignal, Signal: 11, CrashTime: time.Unix(1700000000, 0)}.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestStore_DeleteCascade(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutRaw(ctx, "r1", encodedRaw(t)))
	require.NoError(t, s.Put(ctx, domain.ErrorReport{ID: "r1", Kind: domain.KindSignal}))
	require.NoError(t, s.PutWrapper(ctx, "r1", []byte("w")))
	require.NoError(t, s.SaveBlob(ctx, "r1", []byte("b")))
	require.NoError(t, s.PutAttachment(ctx, domain.NewTextAttachment("a", "").ForReport("r1")))

	atts, err := s.Attachments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "r1", atts[0].ErrorID)

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
}

func TestStore_ListPendingDiscardsPartialRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutRaw(ctx, "valid", encodedRaw(t)))
	require.NoError(t, s.PutWrapper(ctx, "orphan", []byte("w")))
	_, err := s.db.ExecContext(ctx, `INSERT INTO reports (id, raw, created_at) VALUES ('torn', ?, 0)`, encodedRaw(t)[:20])
	require.NoError(t, err)

	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"valid"}, ids)

	ids, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"valid"}, ids)
}

func TestStore_AttachmentNeedsParent(t *testing.T) {
	s := openTestStore(t)
	err := s.PutAttachment(context.Background(), domain.NewTextAttachment("a", "a.txt").ForReport("nope"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_Blobs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveBlob(ctx, "k", []byte("v1")))
	require.NoError(t, s.SaveBlob(ctx, "k", []byte("v2")))
	got, err := s.LoadBlob(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.DeleteAllBlobs(ctx))
	_, err = s.LoadBlob(ctx, "k")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	n, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)
}
