// Package fs provides the file-backed report and blob store.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
)

const (
	reportsDir     = "reports"
	blobsDir       = "blobs"
	attachmentsDir = "attachments"

	rawFile     = "raw.bin"
	reportFile  = "report.json"
	wrapperFile = "wrapper.bin"
	blobExt     = ".bin"

	trashPrefix = ".trash-"
)

var errInvalidID = errors.New("fs store: invalid id")

// Store keeps every report in its own directory under root. All
// operations are serialized behind one mutex.
type Store struct {
	mu     sync.Mutex
	root   string
	logger ports.Logger
}

var _ ports.Store = (*Store)(nil)

// NewStore creates the store directories under root.
func NewStore(root string, logger ports.Logger) (*Store, error) {
	for _, d := range []string{reportsDir, blobsDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) reportDir(id string) string {
	return filepath.Join(s.root, reportsDir, id)
}

func (s *Store) blobPath(key string) string {
	return filepath.Join(s.root, blobsDir, key+blobExt)
}

func checkID(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %q", errInvalidID, id)
	}
	return nil
}

// PutRaw stores the encoded raw record for id.
func (s *Store) PutRaw(ctx context.Context, id string, raw []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	if !domain.ValidRawRecord(raw) {
		return fmt.Errorf("put raw %s: %w", id, domain.ErrCorruptRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.reportDir(id), rawFile), raw)
}

// Raw returns the encoded raw record for id.
func (s *Store) Raw(ctx context.Context, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFile(filepath.Join(s.reportDir(id), rawFile))
}

// Put stores a built report.
func (s *Store) Put(ctx context.Context, report domain.ErrorReport) error {
	if err := report.Validate(); err != nil {
		return fmt.Errorf("put report: %w", err)
	}
	if err := checkID(report.ID); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", report.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.reportDir(report.ID), reportFile), data)
}

// Get returns the built report for id.
func (s *Store) Get(ctx context.Context, id string) (domain.ErrorReport, error) {
	if err := checkID(id); err != nil {
		return domain.ErrorReport{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readReport(id)
}

func (s *Store) readReport(id string) (domain.ErrorReport, error) {
	data, err := readFile(filepath.Join(s.reportDir(id), reportFile))
	if err != nil {
		return domain.ErrorReport{}, err
	}
	var r domain.ErrorReport
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.ErrorReport{}, fmt.Errorf("decode report %s: %w", id, domain.ErrCorruptRecord)
	}
	if err := r.Validate(); err != nil || r.ID != id {
		return domain.ErrorReport{}, fmt.Errorf("decode report %s: %w", id, domain.ErrCorruptRecord)
	}
	return r, nil
}

type pending struct {
	id  string
	mod time.Time
}

// ListPending scans every report directory and returns the complete ones,
// oldest first. It finishes interrupted deletes, drops stray temp files
// and discards directories holding neither a valid report nor a valid raw
// record.
func (s *Store) ListPending(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, reportsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}

	var found []pending
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		if strings.HasPrefix(name, trashPrefix) {
			if err := os.RemoveAll(path); err != nil {
				s.logger.Warn("failed to finish interrupted delete",
					ports.String("path", path), ports.Err(err))
			}
			continue
		}
		if !e.IsDir() || !validID(name) {
			continue
		}
		removeTemps(path)

		mod, ok := s.validate(name)
		if !ok {
			s.logger.Info("discarding partial report", ports.String("id", name))
			if err := s.trash(name); err != nil {
				s.logger.Warn("failed to discard partial report",
					ports.String("id", name), ports.Err(err))
			}
			continue
		}
		found = append(found, pending{id: name, mod: mod})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].mod.Equal(found[j].mod) {
			return found[i].id < found[j].id
		}
		return found[i].mod.Before(found[j].mod)
	})
	ids := make([]string, len(found))
	for i, p := range found {
		ids[i] = p.id
	}
	return ids, nil
}

// validate reports whether the namespace holds a usable record and the
// time the earliest one was written. A corrupt report next to a valid raw
// record is removed so it can be rebuilt.
func (s *Store) validate(id string) (time.Time, bool) {
	dir := s.reportDir(id)
	var (
		mod time.Time
		ok  bool
	)
	note := func(path string) {
		if fi, err := os.Stat(path); err == nil {
			if mod.IsZero() || fi.ModTime().Before(mod) {
				mod = fi.ModTime()
			}
		}
		ok = true
	}

	rawPath := filepath.Join(dir, rawFile)
	if raw, err := os.ReadFile(rawPath); err == nil && domain.ValidRawRecord(raw) {
		note(rawPath)
	}
	reportPath := filepath.Join(dir, reportFile)
	if _, err := s.readReport(id); err == nil {
		note(reportPath)
	} else if ok && !errors.Is(err, domain.ErrNotFound) {
		_ = os.Remove(reportPath)
	}
	return mod, ok
}

// PutWrapper stores an opaque wrapper payload for id.
func (s *Store) PutWrapper(ctx context.Context, id string, payload []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.reportDir(id), wrapperFile), payload)
}

// Wrapper returns the wrapper payload for id.
func (s *Store) Wrapper(ctx context.Context, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFile(filepath.Join(s.reportDir(id), wrapperFile))
}

// DeleteWrapper removes the wrapper payload for id.
func (s *Store) DeleteWrapper(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(filepath.Join(s.reportDir(id), wrapperFile))
}

// PutAttachment stores an attachment under its parent report.
func (s *Store) PutAttachment(ctx context.Context, att domain.ErrorAttachmentLog) error {
	if err := att.Validate(); err != nil {
		return err
	}
	if err := checkID(att.ErrorID); err != nil {
		return err
	}
	if err := checkID(att.ID); err != nil {
		return err
	}
	data, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("encode attachment %s: %w", att.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists(att.ErrorID) {
		return fmt.Errorf("attachment parent %s: %w", att.ErrorID, domain.ErrNotFound)
	}
	path := filepath.Join(s.reportDir(att.ErrorID), attachmentsDir, att.ID+".json")
	return writeFileAtomic(path, data)
}

func (s *Store) exists(id string) bool {
	for _, f := range []string{reportFile, rawFile} {
		if _, err := os.Stat(filepath.Join(s.reportDir(id), f)); err == nil {
			return true
		}
	}
	return false
}

// Attachments returns the attachments stored for id, oldest first.
// Unreadable attachment files are skipped and removed.
func (s *Store) Attachments(ctx context.Context, id string) ([]domain.ErrorAttachmentLog, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.reportDir(id), attachmentsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list attachments %s: %w", id, err)
	}

	var out []domain.ErrorAttachmentLog
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		var att domain.ErrorAttachmentLog
		if err := json.Unmarshal(data, &att); err != nil || att.Validate() != nil {
			s.logger.Info("discarding partial attachment", ports.String("path", path))
			_ = os.Remove(path)
			continue
		}
		out = append(out, att)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// DeleteCascade removes the report namespace and the blob of the same key.
// The rename into the trash is the commit point: from then on the report
// is no longer listed as pending.
func (s *Store) DeleteCascade(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.trash(id); err != nil {
		return fmt.Errorf("delete report %s: %w", id, err)
	}
	return removeFile(s.blobPath(id))
}

func (s *Store) trash(id string) error {
	src := s.reportDir(id)
	dst := filepath.Join(s.root, reportsDir, trashPrefix+id+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	syncDir(filepath.Dir(src))
	return os.RemoveAll(dst)
}

// SaveBlob stores data under key.
func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	if err := checkID(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.blobPath(key), data)
}

// LoadBlob returns the data stored under key.
func (s *Store) LoadBlob(ctx context.Context, key string) ([]byte, error) {
	if err := checkID(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFile(s.blobPath(key))
}

// DeleteBlob removes the blob stored under key.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	if err := checkID(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(s.blobPath(key))
}

// DeleteAllBlobs removes every blob.
func (s *Store) DeleteAllBlobs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, blobsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Usage returns the number of bytes held under the store root.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Close releases nothing; the store holds no open files between calls.
func (s *Store) Close() error { return nil }

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func removeTemps(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(d.Name(), tmpSuffix) {
			_ = os.Remove(path)
		}
		return nil
	})
}
