package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spullara/k7/pkg/model"
)

const (
	DesiredStateActive  = "active"
	DesiredStateDeleted = "deleted"
)

// SandboxRecord persists one sandbox's control-plane metadata. Names are
// reusable after deletion, so a record may be a tombstone waiting to be
// replaced by the next create under the same name.
type SandboxRecord struct {
	Namespace       string
	Name            string
	Image           string
	SpecJSON        string
	DesiredState    string
	LifecycleStatus string
	StatusReason    string
	EgressApplied   bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Spec decodes the submitted spec. A record written by an older build that
// cannot be decoded yields a zero spec rather than an error; callers treat it
// as unadoptable.
func (r *SandboxRecord) Spec() model.SandboxSpec {
	var spec model.SandboxSpec
	if r.SpecJSON == "" {
		return spec
	}
	if err := json.Unmarshal([]byte(r.SpecJSON), &spec); err != nil {
		return model.SandboxSpec{}
	}
	return spec
}

type StatusHistoryRecord struct {
	ID         int64
	Namespace  string
	Name       string
	Source     string
	FromStatus string
	ToStatus   string
	Reason     string
	CreatedAt  time.Time
}

// SandboxStore handles sandbox metadata persistence.
type SandboxStore struct {
	db *sql.DB
}

func NewSandboxStore() *SandboxStore {
	return &SandboxStore{db: DB}
}

// Create records a newly accepted sandbox. It replaces a tombstone left by a
// previous sandbox of the same name; live-name collisions are rejected by the
// cluster before this runs.
func (s *SandboxStore) Create(ctx context.Context, rec *SandboxRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sandboxes (
			namespace, name, image, spec_json,
			desired_state, lifecycle_status, status_reason, egress_applied,
			created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Namespace, rec.Name, rec.Image, rec.SpecJSON,
		rec.DesiredState, rec.LifecycleStatus, rec.StatusReason, rec.EgressApplied,
		rec.CreatedAt, rec.UpdatedAt, toNullTime(rec.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sandbox record: %w", err)
	}
	return nil
}

func (s *SandboxStore) Get(ctx context.Context, namespace, name string) (*SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, sandboxSelectSQL+` WHERE namespace = ? AND name = ?`, namespace, name)
	rec, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	return rec, nil
}

// ListActive returns non-deleted records, newest first. An empty namespace
// spans all namespaces; startup adoption uses that form.
func (s *SandboxStore) ListActive(ctx context.Context, namespace string) ([]SandboxRecord, error) {
	query := sandboxSelectSQL + ` WHERE desired_state = ? AND lifecycle_status <> ?`
	args := []any{DesiredStateActive, string(model.StatusDeleted)}
	if namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, namespace)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

// ListUnfinished returns every record that still needs driving: sandboxes
// mid-creation, mid-deletion, or parked in Failed. Tombstones are excluded.
// Startup adoption walks this list.
func (s *SandboxStore) ListUnfinished(ctx context.Context) ([]SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, sandboxSelectSQL+`
		 WHERE lifecycle_status <> ?
		 ORDER BY created_at ASC
	`, string(model.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

func (s *SandboxStore) SetDesiredDeleted(ctx context.Context, namespace, name string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET desired_state = ?, lifecycle_status = ?, updated_at = ?
		WHERE namespace = ? AND name = ?
	`, DesiredStateDeleted, string(model.StatusTerminating), now, namespace, name)
	if err != nil {
		return fmt.Errorf("failed to set desired deleted: %w", err)
	}
	return nil
}

func (s *SandboxStore) MarkDeleted(ctx context.Context, namespace, name, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET desired_state = ?, lifecycle_status = ?, status_reason = ?, deleted_at = ?, updated_at = ?
		WHERE namespace = ? AND name = ?
	`, DesiredStateDeleted, string(model.StatusDeleted), reason, now, now, namespace, name)
	if err != nil {
		return fmt.Errorf("failed to mark deleted: %w", err)
	}
	return nil
}

func (s *SandboxStore) UpdateStatus(ctx context.Context, namespace, name, status, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET lifecycle_status = ?, status_reason = ?, updated_at = ?
		WHERE namespace = ? AND name = ?
	`, status, reason, now, namespace, name)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// SetEgressApplied marks that the post-ready egress lockdown reached the
// cluster, so adoption after a restart does not re-run initialization.
func (s *SandboxStore) SetEgressApplied(ctx context.Context, namespace, name string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET egress_applied = 1, updated_at = ?
		WHERE namespace = ? AND name = ?
	`, now, namespace, name)
	if err != nil {
		return fmt.Errorf("failed to set egress applied: %w", err)
	}
	return nil
}

func (s *SandboxStore) AppendStatusHistory(ctx context.Context, namespace, name, source, fromStatus, toStatus, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_status_history (namespace, name, source, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, namespace, name, source, fromStatus, toStatus, reason, now)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

// ListStatusHistory returns transitions oldest first, capped at limit.
func (s *SandboxStore) ListStatusHistory(ctx context.Context, namespace, name string, limit int) ([]StatusHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, name, source, from_status, to_status, reason, created_at
		FROM sandbox_status_history
		WHERE namespace = ? AND name = ?
		ORDER BY id ASC
		LIMIT ?
	`, namespace, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox status history: %w", err)
	}
	defer rows.Close()

	var items []StatusHistoryRecord
	for rows.Next() {
		var item StatusHistoryRecord
		if err := rows.Scan(&item.ID, &item.Namespace, &item.Name, &item.Source, &item.FromStatus, &item.ToStatus, &item.Reason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox status history: %w", err)
		}
		items = append(items, item)
	}
	if items == nil {
		items = []StatusHistoryRecord{}
	}
	return items, nil
}

// PurgeResult contains deletion stats from history cleanup.
type PurgeResult struct {
	DeletedSandboxes     int64
	DeletedStatusHistory int64
}

// PurgeHistoricalData deletes tombstones and history rows older than cutoff.
func (s *SandboxStore) PurgeHistoricalData(ctx context.Context, cutoff time.Time) (*PurgeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	result := &PurgeResult{}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM sandbox_status_history
		WHERE created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge status history: %w", err)
	}
	result.DeletedStatusHistory, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM sandboxes
		WHERE lifecycle_status = ?
		  AND deleted_at IS NOT NULL
		  AND deleted_at < ?
	`, string(model.StatusDeleted), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge deleted sandboxes: %w", err)
	}
	result.DeletedSandboxes, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge transaction: %w", err)
	}
	return result, nil
}

const sandboxSelectSQL = `
SELECT
	namespace, name, image, spec_json,
	desired_state, lifecycle_status, status_reason, egress_applied,
	created_at, updated_at, deleted_at
FROM sandboxes`

func scanSandbox(row interface{ Scan(dest ...any) error }) (*SandboxRecord, error) {
	var rec SandboxRecord
	var deletedAt sql.NullTime
	if err := row.Scan(
		&rec.Namespace, &rec.Name, &rec.Image, &rec.SpecJSON,
		&rec.DesiredState, &rec.LifecycleStatus, &rec.StatusReason, &rec.EgressApplied,
		&rec.CreatedAt, &rec.UpdatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		rec.DeletedAt = &t
	}
	return &rec, nil
}

func scanSandboxRows(rows *sql.Rows) ([]SandboxRecord, error) {
	var items []SandboxRecord
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox row: %w", err)
		}
		items = append(items, *rec)
	}
	if items == nil {
		items = []SandboxRecord{}
	}
	return items, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
