// Package bridge lets a non-native runtime attach its own exception model
// to reports and submit handled exceptions through the pipeline.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/crashship/internal/builder"
	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
)

const stagedExt = ".wrapper"

// Submitter receives reports created after startup.
type Submitter interface {
	Submit(ctx context.Context, report domain.ErrorReport) error
}

// Bridge is safe for concurrent use.
type Bridge struct {
	mu sync.Mutex

	store     ports.Store
	builder   *builder.Builder
	submitter Submitter
	logger    ports.Logger

	stageDir string
	session  string
	appStart time.Time

	staged     *domain.WrapperException
	stagedData []byte
}

// Config holds what the bridge needs from the running session.
type Config struct {
	// StageDir receives the staged exception of this session so it can be
	// attached to a crash report on the next launch.
	StageDir string
	Session  string
	AppStart time.Time
}

// New creates a bridge. submitter may be nil, in which case tracked
// exceptions are only stored.
func New(cfg Config, store ports.Store, b *builder.Builder, submitter Submitter, logger ports.Logger) *Bridge {
	return &Bridge{
		store:     store,
		builder:   b,
		submitter: submitter,
		logger:    logger,
		stageDir:  cfg.StageDir,
		session:   cfg.Session,
		appStart:  cfg.AppStart,
	}
}

// SetSubmitter replaces the submitter.
func (b *Bridge) SetSubmitter(s Submitter) {
	b.mu.Lock()
	b.submitter = s
	b.mu.Unlock()
}

// StagePath returns the staged payload file for a session.
func StagePath(dir, session string) string {
	return filepath.Join(dir, session+stagedExt)
}

// HasException reports whether an exception is staged.
func (b *Bridge) HasException() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staged != nil
}

// SetException stages the exception the wrapper runtime is about to crash
// with. It is written to disk right away so the next launch can attach it
// to the crash report.
func (b *Bridge) SetException(exc domain.WrapperException) error {
	if err := exc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged = &exc
	return b.persistStagedLocked()
}

// SetExceptionData stages raw wrapper data alongside the exception.
func (b *Bridge) SetExceptionData(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stagedData = append([]byte(nil), data...)
	return b.persistStagedLocked()
}

func (b *Bridge) persistStagedLocked() error {
	if b.stageDir == "" || b.session == "" {
		return nil
	}
	payload, err := encodeEnvelope(b.staged, b.stagedData)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.stageDir, 0o700); err != nil {
		return fmt.Errorf("stage wrapper exception: %w", err)
	}
	path := StagePath(b.stageDir, b.session)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("stage wrapper exception: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("stage wrapper exception: %w", err)
	}
	return nil
}

// SaveException stores the staged exception under id and clears it.
func (b *Bridge) SaveException(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty report id", domain.ErrBridgeMisuse)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.staged == nil {
		return fmt.Errorf("%w: no exception staged", domain.ErrBridgeMisuse)
	}
	payload, err := Encode(*b.staged)
	if err != nil {
		return err
	}
	if err := b.store.PutWrapper(ctx, id, payload); err != nil {
		return fmt.Errorf("save wrapper exception %s: %w", id, err)
	}
	if b.stagedData != nil {
		if err := b.store.SaveBlob(ctx, id, b.stagedData); err != nil {
			return fmt.Errorf("save wrapper data %s: %w", id, err)
		}
	}
	b.staged = nil
	b.stagedData = nil
	if b.stageDir != "" && b.session != "" {
		_ = os.Remove(StagePath(b.stageDir, b.session))
	}
	return nil
}

// LoadException returns the wrapper exception stored for id.
func (b *Bridge) LoadException(ctx context.Context, id string) (domain.WrapperException, error) {
	payload, err := b.store.Wrapper(ctx, id)
	if err != nil {
		return domain.WrapperException{}, err
	}
	return Decode(payload)
}

// DeleteException removes the wrapper exception stored for id.
func (b *Bridge) DeleteException(ctx context.Context, id string) error {
	return b.store.DeleteWrapper(ctx, id)
}

// DeleteAll removes every stored wrapper exception and the staged one.
func (b *Bridge) DeleteAll(ctx context.Context) error {
	ids, err := b.store.ListPending(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := b.store.DeleteWrapper(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	b.mu.Lock()
	b.staged = nil
	if b.stagedData != nil {
		errs = append(errs, b.persistStagedLocked())
	} else if b.stageDir != "" && b.session != "" {
		_ = os.Remove(StagePath(b.stageDir, b.session))
	}
	b.mu.Unlock()
	return errors.Join(errs...)
}

// SaveExceptionData stores raw wrapper data under id.
func (b *Bridge) SaveExceptionData(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", domain.ErrBridgeMisuse)
	}
	return b.store.SaveBlob(ctx, id, data)
}

// LoadExceptionData returns the raw wrapper data stored under id.
func (b *Bridge) LoadExceptionData(ctx context.Context, id string) ([]byte, error) {
	return b.store.LoadBlob(ctx, id)
}

// DeleteExceptionData removes the raw wrapper data stored under id.
func (b *Bridge) DeleteExceptionData(ctx context.Context, id string) error {
	return b.store.DeleteBlob(ctx, id)
}

// DeleteAllExceptionData removes all raw wrapper data.
func (b *Bridge) DeleteAllExceptionData(ctx context.Context) error {
	b.mu.Lock()
	b.stagedData = nil
	b.mu.Unlock()
	return b.store.DeleteAllBlobs(ctx)
}

// TrackModelException stores a handled exception from the wrapper runtime
// as a new report with its attachments and submits it. Everything is
// validated before the first write, and a failed write removes whatever
// was already stored.
func (b *Bridge) TrackModelException(ctx context.Context, exc domain.WrapperException, props map[string]string, atts []domain.ErrorAttachmentLog) (string, error) {
	if err := exc.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	bound := make([]domain.ErrorAttachmentLog, len(atts))
	for i, att := range atts {
		bound[i] = att.ForReport(id)
		if err := bound[i].Validate(); err != nil {
			return "", fmt.Errorf("%w: attachment %d: %v", domain.ErrBridgeMisuse, i, err)
		}
	}
	payload, err := Encode(exc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBridgeMisuse, err)
	}

	report := b.builder.BuildHandled(id, exc, props, b.appStart, b.session)
	if err := b.write(ctx, report, payload, bound); err != nil {
		if rerr := b.store.DeleteCascade(context.WithoutCancel(ctx), id); rerr != nil {
			b.logger.Error("failed to roll back tracked exception",
				ports.String("id", id), ports.Err(rerr))
		}
		return "", fmt.Errorf("track exception: %w", err)
	}

	b.mu.Lock()
	sub := b.submitter
	b.mu.Unlock()
	if sub != nil {
		if err := sub.Submit(ctx, report); err != nil {
			b.logger.Warn("tracked exception stored but not submitted",
				ports.String("id", id), ports.Err(err))
		}
	}
	return id, nil
}

func (b *Bridge) write(ctx context.Context, report domain.ErrorReport, payload []byte, atts []domain.ErrorAttachmentLog) error {
	if err := b.store.Put(ctx, report); err != nil {
		return err
	}
	if err := b.store.PutWrapper(ctx, report.ID, payload); err != nil {
		return err
	}
	for _, att := range atts {
		if err := b.store.PutAttachment(ctx, att); err != nil {
			return err
		}
	}
	return nil
}

// BuildReport reads the report for id and overlays its wrapper exception,
// if any. It never modifies the store.
func (b *Bridge) BuildReport(ctx context.Context, id string) (domain.ErrorReport, error) {
	report, err := b.store.Get(ctx, id)
	if err != nil {
		return domain.ErrorReport{}, err
	}
	payload, err := b.store.Wrapper(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return domain.ErrorReport{}, err
	}
	exc, err := Decode(payload)
	if err != nil {
		b.logger.Info("ignoring unreadable wrapper payload", ports.String("id", id), ports.Err(err))
		return report, nil
	}
	return report.WithException(exc), nil
}

// Adopt moves the exception staged by a previous session onto the crash
// report built for it. It returns false when that session staged nothing.
func (b *Bridge) Adopt(ctx context.Context, session, reportID string) (bool, error) {
	if b.stageDir == "" {
		return false, nil
	}
	path := StagePath(b.stageDir, session)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		b.logger.Info("discarding unreadable staged exception",
			ports.String("session", session), ports.Err(err))
		_ = os.Remove(path)
		return false, nil
	}
	if env.Exc != nil {
		payload, err := Encode(*env.Exc)
		if err != nil {
			return false, err
		}
		if err := b.store.PutWrapper(ctx, reportID, payload); err != nil {
			return false, err
		}
	}
	if env.Data != nil {
		if err := b.store.SaveBlob(ctx, reportID, env.Data); err != nil {
			return false, err
		}
	}
	return true, os.Remove(path)
}

// DropStaged removes staged files left by sessions other than the
// current one.
func (b *Bridge) DropStaged() {
	if b.stageDir == "" {
		return
	}
	matches, _ := filepath.Glob(filepath.Join(b.stageDir, "*"+stagedExt))
	for _, m := range matches {
		if filepath.Base(m) == b.session+stagedExt {
			continue
		}
		_ = os.Remove(m)
	}
}
