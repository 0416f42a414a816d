package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteApprovalStore retains approval requests in a SQLite table so that
// operators can inspect decisions after the fact.
type SQLiteApprovalStore struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteApprovalStore(dsn string) (*SQLiteApprovalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &SQLiteApprovalStore{dsn: dsn}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteApprovalStore) Create(ctx context.Context, req ApprovalRequest) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO airlock_approvals (
  command_id, session_id, intent, tool_name, method_name,
  payload_summary, payload_preview, airlock_level,
  status, actor, created_at_ms, resolved_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
ON CONFLICT(command_id) DO NOTHING
`, req.CommandID, req.SessionID, req.Intent, req.ToolName, req.MethodName,
		req.PayloadSummary, req.PayloadPreview, string(req.AirlockLevel),
		string(ApprovalPending), "", req.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateCommandID, req.CommandID)
	}
	return nil
}

func (s *SQLiteApprovalStore) Get(ctx context.Context, commandID string) (ApprovalRequest, bool, error) {
	if err := s.ensureOpen(); err != nil {
		return ApprovalRequest{}, false, err
	}
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return ApprovalRequest{}, false, nil
	}

	var (
		rec          ApprovalRequest
		level        string
		status       string
		createdAtMs  int64
		resolvedAtMs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT
  command_id, session_id, intent, tool_name, method_name,
  payload_summary, payload_preview, airlock_level,
  status, actor, created_at_ms, resolved_at_ms
FROM airlock_approvals
WHERE command_id = ?
`, commandID).Scan(
		&rec.CommandID, &rec.SessionID, &rec.Intent, &rec.ToolName, &rec.MethodName,
		&rec.PayloadSummary, &rec.PayloadPreview, &level,
		&status, &rec.Actor, &createdAtMs, &resolvedAtMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRequest{}, false, nil
	}
	if err != nil {
		return ApprovalRequest{}, false, err
	}
	rec.AirlockLevel = AirlockLevel(level)
	rec.Status = ApprovalStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	if resolvedAtMs.Valid {
		t := time.UnixMilli(resolvedAtMs.Int64).UTC()
		rec.ResolvedAt = &t
	}
	return rec, true, nil
}

func (s *SQLiteApprovalStore) Resolve(ctx context.Context, commandID string, status ApprovalStatus, actor string, at time.Time) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid approval status: %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE airlock_approvals
SET status = ?, actor = ?, resolved_at_ms = ?
WHERE command_id = ? AND status = ?
`, string(status), strings.TrimSpace(actor), at.UTC().UnixMilli(), strings.TrimSpace(commandID), string(ApprovalPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, commandID)
	}
	return nil
}

func (s *SQLiteApprovalStore) ExpirePending(ctx context.Context, at time.Time) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE airlock_approvals
SET status = ?, resolved_at_ms = ?
WHERE status = ?
`, string(ApprovalExpired), at.UTC().UnixMilli(), string(ApprovalPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteApprovalStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM airlock_approvals
WHERE status <> ? AND resolved_at_ms IS NOT NULL AND resolved_at_ms < ?
`, string(ApprovalPending), before.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteApprovalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteApprovalStore) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	// One connection keeps ":memory:" DSNs on a single database.
	db.SetMaxOpenConns(1)
	s.db = db
	return s.migrate()
}

func (s *SQLiteApprovalStore) ensureOpen() error {
	if s == nil {
		return fmt.Errorf("nil approval store")
	}
	s.mu.Lock()
	ok := s.db != nil
	s.mu.Unlock()
	if ok {
		return nil
	}
	return s.open()
}

func (s *SQLiteApprovalStore) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	// The file may be shared with the policy database.
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return err
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS airlock_approvals (
  command_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL DEFAULT '',
  intent TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  method_name TEXT NOT NULL DEFAULT '',
  payload_summary TEXT NOT NULL DEFAULT '',
  payload_preview TEXT NOT NULL DEFAULT '',
  airlock_level TEXT NOT NULL,
  status TEXT NOT NULL,
  actor TEXT NOT NULL DEFAULT '',
  created_at_ms INTEGER NOT NULL,
  resolved_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_airlock_approvals_status ON airlock_approvals(status);
`)
	return err
}
