// Package sqlite provides a report and blob store backed by a single
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
)

// FileName is the database file created inside the store directory.
const FileName = "crashship.db"

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	raw        BLOB,
	report     BLOB,
	wrapper    BLOB,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	id         TEXT PRIMARY KEY,
	report_id  TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL,
	body       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	key  TEXT PRIMARY KEY,
	data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attachments_report ON attachments(report_id, created_at);
CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);
`

// Store is a ports.Store on SQLite. One open connection serializes every
// operation.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

var _ ports.Store = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string, logger ports.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, FileName) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func now() int64 { return time.Now().UnixNano() }

func (s *Store) PutRaw(ctx context.Context, id string, raw []byte) error {
	if id == "" || !domain.ValidRawRecord(raw) {
		return fmt.Errorf("put raw %q: %w", id, domain.ErrCorruptRecord)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, raw, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET raw = excluded.raw`, id, raw, now())
	return err
}

func (s *Store) Raw(ctx context.Context, id string) ([]byte, error) {
	return s.column(ctx, "raw", id)
}

func (s *Store) Put(ctx context.Context, report domain.ErrorReport) error {
	if err := report.Validate(); err != nil {
		return fmt.Errorf("put report: %w", err)
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", report.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, report, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET report = excluded.report`, report.ID, data, now())
	return err
}

func (s *Store) Get(ctx context.Context, id string) (domain.ErrorReport, error) {
	data, err := s.column(ctx, "report", id)
	if err != nil {
		return domain.ErrorReport{}, err
	}
	return decodeReport(id, data)
}

func decodeReport(id string, data []byte) (domain.ErrorReport, error) {
	var r domain.ErrorReport
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.ErrorReport{}, fmt.Errorf("decode report %s: %w", id, domain.ErrCorruptRecord)
	}
	if err := r.Validate(); err != nil || r.ID != id {
		return domain.ErrorReport{}, fmt.Errorf("decode report %s: %w", id, domain.ErrCorruptRecord)
	}
	return r, nil
}

// column reads one nullable blob column of a report row.
func (s *Store) column(ctx context.Context, col, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT "+col+" FROM reports WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && data == nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ListPending returns the ids of complete reports, oldest first. Rows
// holding neither a valid raw record nor a valid report are deleted.
func (s *Store) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, raw, report FROM reports ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}

	var (
		ids       []string
		discard   []string
		clearJSON []string
	)
	for rows.Next() {
		var (
			id          string
			raw, report []byte
		)
		if err := rows.Scan(&id, &raw, &report); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan store: %w", err)
		}
		rawOK := raw != nil && domain.ValidRawRecord(raw)
		reportOK := false
		if report != nil {
			if _, err := decodeReport(id, report); err == nil {
				reportOK = true
			} else if rawOK {
				clearJSON = append(clearJSON, id)
			}
		}
		if !rawOK && !reportOK {
			discard = append(discard, id)
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("scan store: %w", err)
	}
	rows.Close()

	for _, id := range discard {
		s.logger.Info("discarding partial report", ports.String("id", id))
		if err := s.DeleteCascade(ctx, id); err != nil {
			s.logger.Warn("failed to discard partial report", ports.String("id", id), ports.Err(err))
		}
	}
	for _, id := range clearJSON {
		if _, err := s.db.ExecContext(ctx, `UPDATE reports SET report = NULL WHERE id = ?`, id); err != nil {
			s.logger.Warn("failed to clear corrupt report", ports.String("id", id), ports.Err(err))
		}
	}
	return ids, nil
}

func (s *Store) PutWrapper(ctx context.Context, id string, payload []byte) error {
	if id == "" {
		return fmt.Errorf("put wrapper: %w", domain.ErrNotFound)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, wrapper, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET wrapper = excluded.wrapper`, id, payload, now())
	return err
}

func (s *Store) Wrapper(ctx context.Context, id string) ([]byte, error) {
	return s.column(ctx, "wrapper", id)
}

func (s *Store) DeleteWrapper(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reports SET wrapper = NULL WHERE id = ?`, id)
	return err
}

func (s *Store) PutAttachment(ctx context.Context, att domain.ErrorAttachmentLog) error {
	if err := att.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("encode attachment %s: %w", att.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports WHERE id = ? AND (raw IS NOT NULL OR report IS NOT NULL)`,
		att.ErrorID).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attachment parent %s: %w", att.ErrorID, domain.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attachments (id, report_id, created_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		att.ID, att.ErrorID, att.Timestamp.UnixNano(), body); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Attachments(ctx context.Context, id string) ([]domain.ErrorAttachmentLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body FROM attachments WHERE report_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list attachments %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.ErrorAttachmentLog
	for rows.Next() {
		var (
			attID string
			body  []byte
		)
		if err := rows.Scan(&attID, &body); err != nil {
			return nil, err
		}
		var att domain.ErrorAttachmentLog
		if err := json.Unmarshal(body, &att); err != nil || att.Validate() != nil {
			s.logger.Info("skipping unreadable attachment", ports.String("id", attID))
			continue
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// DeleteCascade removes the report row, its attachments through the
// foreign key and the blob of the same key in one transaction.
func (s *Store) DeleteCascade(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete report %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, id); err != nil {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, data) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`, key, data)
	return err
}

func (s *Store) LoadBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return data, err
}

func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	return err
}

func (s *Store) DeleteAllBlobs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs`)
	return err
}

// Usage returns the database size in bytes.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	var pages, size int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&size); err != nil {
		return 0, err
	}
	return pages * size, nil
}
