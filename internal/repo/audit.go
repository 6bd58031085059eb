package repo

import (
	"context"
	"database/sql"
	"strings"

	"quotaline/internal/domain"
)

// Report logs and quota adjustments are append-only; nothing here updates a
// historical row beyond flipping a report's status to reverted.

const reportColumns = `id,allocation_id,pool_id,log_date,valid_qty,excluded_qty,exclusion_reason,comment,backfill,status,submission_key,actor_id,created_at,reverted_at`

func scanReport(scan func(dest ...any) error) (domain.ReportLog, error) {
	var l domain.ReportLog
	var reason, comment, revertedAt sql.NullString
	var backfill int
	err := scan(&l.ID, &l.AllocationID, &l.PoolID, &l.LogDate, &l.ValidQty, &l.ExcludedQty,
		&reason, &comment, &backfill, &l.Status, &l.SubmissionKey, &l.ActorID, &l.CreatedAt, &revertedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if reason.Valid {
		l.ExclusionReason = &reason.String
	}
	if comment.Valid {
		l.Comment = &comment.String
	}
	if revertedAt.Valid {
		l.RevertedAt = &revertedAt.String
	}
	l.Backfill = backfill != 0
	return l, nil
}

func (r Repo) InsertReportLogTx(ctx context.Context, tx *sql.Tx, l domain.ReportLog) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO report_logs(allocation_id,pool_id,log_date,valid_qty,excluded_qty,exclusion_reason,comment,backfill,status,submission_key,actor_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.AllocationID, l.PoolID, l.LogDate, l.ValidQty, l.ExcludedQty,
		nullableStringPtr(l.ExclusionReason), nullableStringPtr(l.Comment),
		boolToInt(l.Backfill), l.Status, l.SubmissionKey, l.ActorID, l.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetReportLog(ctx context.Context, id int64) (domain.ReportLog, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM report_logs WHERE id=?`, id).Scan)
}

func (r Repo) GetReportLogTx(ctx context.Context, tx *sql.Tx, id int64) (domain.ReportLog, error) {
	return scanReport(tx.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM report_logs WHERE id=?`, id).Scan)
}

func (r Repo) GetReportLogBySubmissionKey(ctx context.Context, key string) (domain.ReportLog, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM report_logs WHERE submission_key=?`, key).Scan)
}

// MarkReportRevertedTx flips an active log to reverted. The zero rows-affected
// case distinguishes "already reverted" from "missing" for the caller.
func (r Repo) MarkReportRevertedTx(ctx context.Context, tx *sql.Tx, id int64, revertedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE report_logs SET status=?, reverted_at=? WHERE id=? AND status=?`,
		domain.ReportReverted, revertedAt, id, domain.ReportActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ReportFilters struct {
	AllocationID int64
	PoolID       int64
	Status       string
	Limit        int
	CursorID     int64
}

func (r Repo) ListReportLogs(ctx context.Context, f ReportFilters) ([]domain.ReportLog, error) {
	var clauses []string
	var args []any
	if f.AllocationID != 0 {
		clauses = append(clauses, "allocation_id=?")
		args = append(args, f.AllocationID)
	}
	if f.PoolID != 0 {
		clauses = append(clauses, "pool_id=?")
		args = append(args, f.PoolID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorID != 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + reportColumns + ` FROM report_logs ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReportLog
	for rows.Next() {
		l, err := scanReport(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// TopExclusionReason returns the most frequent reason over non-reverted logs
// of one pool or one allocation, ties broken by most recent occurrence.
// Empty string means no excluded output was ever reported.
func (r Repo) TopExclusionReason(ctx context.Context, poolID, allocationID int64) (string, error) {
	clause := "pool_id=?"
	arg := poolID
	if allocationID != 0 {
		clause = "allocation_id=?"
		arg = allocationID
	}
	var reason string
	err := r.DB.QueryRowContext(ctx, `SELECT exclusion_reason FROM report_logs
WHERE `+clause+` AND status=? AND exclusion_reason IS NOT NULL
GROUP BY exclusion_reason
ORDER BY COUNT(*) DESC, MAX(id) DESC
LIMIT 1`, arg, domain.ReportActive).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return reason, err
}

// --- quota adjustments ---

func (r Repo) InsertQuotaAdjustmentTx(ctx context.Context, tx *sql.Tx, q domain.QuotaAdjustment) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO quota_adjustments(pool_id,previous_quota,new_quota,reason,actor_id,created_at)
VALUES (?,?,?,?,?,?)`,
		q.PoolID, q.PreviousQuota, q.NewQuota, q.Reason, q.ActorID, q.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListQuotaAdjustments(ctx context.Context, poolID int64, limit int) ([]domain.QuotaAdjustment, error) {
	query := `SELECT id,pool_id,previous_quota,new_quota,reason,actor_id,created_at FROM quota_adjustments WHERE pool_id=? ORDER BY id DESC`
	args := []any{poolID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QuotaAdjustment
	for rows.Next() {
		var q domain.QuotaAdjustment
		if err := rows.Scan(&q.ID, &q.PoolID, &q.PreviousQuota, &q.NewQuota, &q.Reason, &q.ActorID, &q.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) LatestQuotaAdjustment(ctx context.Context, poolID int64) (domain.QuotaAdjustment, error) {
	var q domain.QuotaAdjustment
	err := r.DB.QueryRowContext(ctx, `SELECT id,pool_id,previous_quota,new_quota,reason,actor_id,created_at
FROM quota_adjustments WHERE pool_id=? ORDER BY id DESC LIMIT 1`, poolID).
		Scan(&q.ID, &q.PoolID, &q.PreviousQuota, &q.NewQuota, &q.Reason, &q.ActorID, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}
