package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"quotaline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(code,name,active,created_at) VALUES (?,?,?,?)`,
		p.Code, p.Name, boolToInt(p.Active), p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,code,name,active,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Code, &p.Name, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Active = active != 0
	return p, err
}

func (r Repo) GetProjectByCode(ctx context.Context, code string) (domain.Project, error) {
	var p domain.Project
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,code,name,active,created_at FROM projects WHERE code=?`, code).
		Scan(&p.ID, &p.Code, &p.Name, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Active = active != 0
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,code,name,active,created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var active int
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Active = active != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetProjectActiveTx(ctx context.Context, tx *sql.Tx, id int64, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- stages ---

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO stages(project_id,name,seq,created_at) VALUES (?,?,?,?)`,
		s.ProjectID, s.Name, s.Seq, s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetStage(ctx context.Context, id int64) (domain.Stage, error) {
	var s domain.Stage
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,seq,created_at FROM stages WHERE id=?`, id).
		Scan(&s.ID, &s.ProjectID, &s.Name, &s.Seq, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListStages(ctx context.Context, projectID int64) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,seq,created_at FROM stages WHERE project_id=? ORDER BY seq ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Seq, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- task pools ---

func scanPool(scan func(dest ...any) error) (domain.TaskPool, error) {
	var p domain.TaskPool
	err := scan(&p.ID, &p.StageID, &p.Name, &p.TotalQuota, &p.AggValid, &p.AggExcluded, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const poolColumns = `id,stage_id,name,total_quota,agg_valid,agg_excluded,status,created_at`

func (r Repo) InsertPoolTx(ctx context.Context, tx *sql.Tx, p domain.TaskPool) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO task_pools(stage_id,name,total_quota,status,created_at) VALUES (?,?,?,?,?)`,
		p.StageID, p.Name, p.TotalQuota, p.Status, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetPool(ctx context.Context, id int64) (domain.TaskPool, error) {
	return scanPool(r.DB.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM task_pools WHERE id=?`, id).Scan)
}

func (r Repo) GetPoolTx(ctx context.Context, tx *sql.Tx, id int64) (domain.TaskPool, error) {
	return scanPool(tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM task_pools WHERE id=?`, id).Scan)
}

func (r Repo) ListPools(ctx context.Context, stageID int64) ([]domain.TaskPool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+poolColumns+` FROM task_pools WHERE stage_id=? ORDER BY id ASC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskPool
	for rows.Next() {
		p, err := scanPool(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPoolStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_pools SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPoolQuotaTx writes the new quota. The caller must insert the matching
// quota_adjustments row in the same transaction.
func (r Repo) SetPoolQuotaTx(ctx context.Context, tx *sql.Tx, id, newQuota int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_pools SET total_quota=? WHERE id=?`, newQuota, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpPoolAggregatesTx moves the pool aggregate counters by relative deltas
// in a single UPDATE, so concurrent reports under one pool never race each
// other through Go-side read-modify-write.
func (r Repo) BumpPoolAggregatesTx(ctx context.Context, tx *sql.Tx, id, validDelta, excludedDelta int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_pools SET agg_valid=agg_valid+?, agg_excluded=agg_excluded+? WHERE id=?`,
		validDelta, excludedDelta, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PoolHasHistory reports whether any report log or quota adjustment ever
// touched the pool; such pools may only be disabled, never deleted.
func (r Repo) PoolHasHistory(ctx context.Context, id int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM report_logs WHERE pool_id=?
		UNION ALL
		SELECT 1 FROM quota_adjustments WHERE pool_id=?
		LIMIT 1
	)`, id, id).Scan(&n)
	return n != 0, err
}

func (r Repo) DeletePoolTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM allocations WHERE pool_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM task_pools WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- users ---

func (r Repo) InsertUserTx(ctx context.Context, tx *sql.Tx, u domain.User) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO users(name,active,created_at) VALUES (?,?,?)`,
		u.Name, boolToInt(u.Active), u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,active,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active != 0
	return u, err
}

func (r Repo) GetUserByName(ctx context.Context, name string) (domain.User, error) {
	var u domain.User
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,active,created_at FROM users WHERE name=?`, name).
		Scan(&u.ID, &u.Name, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active != 0
	return u, err
}

// --- allocations ---

const allocationColumns = `id,pool_id,user_id,target_quota,current_valid,current_excluded,status,created_at,updated_at`

func scanAllocation(scan func(dest ...any) error) (domain.Allocation, error) {
	var a domain.Allocation
	err := scan(&a.ID, &a.PoolID, &a.UserID, &a.TargetQuota, &a.CurrentValid, &a.CurrentExcluded, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAllocationTx(ctx context.Context, tx *sql.Tx, a domain.Allocation) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO allocations(pool_id,user_id,target_quota,current_valid,current_excluded,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.PoolID, a.UserID, a.TargetQuota, a.CurrentValid, a.CurrentExcluded, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAllocation(ctx context.Context, id int64) (domain.Allocation, error) {
	return scanAllocation(r.DB.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id=?`, id).Scan)
}

func (r Repo) GetAllocationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Allocation, error) {
	return scanAllocation(tx.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id=?`, id).Scan)
}

func (r Repo) ActiveAllocationForPair(ctx context.Context, poolID, userID int64) (domain.Allocation, error) {
	return scanAllocation(r.DB.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE pool_id=? AND user_id=? AND status=?`,
		poolID, userID, domain.StatusActive).Scan)
}

func (r Repo) ActiveAllocationForPairTx(ctx context.Context, tx *sql.Tx, poolID, userID int64) (domain.Allocation, error) {
	return scanAllocation(tx.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE pool_id=? AND user_id=? AND status=?`,
		poolID, userID, domain.StatusActive).Scan)
}

type AllocationFilters struct {
	PoolID     int64
	UserID     int64
	Status     string
	Limit      int
	CursorID   int64
	CursorDesc bool
}

func (r Repo) ListAllocations(ctx context.Context, f AllocationFilters) ([]domain.Allocation, error) {
	var clauses []string
	var args []any
	if f.PoolID != 0 {
		clauses = append(clauses, "pool_id=?")
		args = append(args, f.PoolID)
	}
	if f.UserID != 0 {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorID != 0 {
		if f.CursorDesc {
			clauses = append(clauses, "id<?")
		} else {
			clauses = append(clauses, "id>?")
		}
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := "ORDER BY id ASC"
	if f.CursorDesc {
		order = "ORDER BY id DESC"
	}
	query := `SELECT ` + allocationColumns + ` FROM allocations ` + where + ` ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SumActiveTargets returns the total target quota of a pool's active
// allocations, for the over-allocation warning.
func (r Repo) SumActiveTargets(ctx context.Context, poolID int64) (int64, error) {
	var sum int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(target_quota),0) FROM allocations WHERE pool_id=? AND status=?`,
		poolID, domain.StatusActive).Scan(&sum)
	return sum, err
}

func (r Repo) SetAllocationStatusTx(ctx context.Context, tx *sql.Tx, id int64, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE allocations SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAllocationTargetTx(ctx context.Context, tx *sql.Tx, id, target int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE allocations SET target_quota=?, updated_at=? WHERE id=?`, target, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpAllocationCountersTx applies report deltas relatively, mirroring
// BumpPoolAggregatesTx.
func (r Repo) BumpAllocationCountersTx(ctx context.Context, tx *sql.Tx, id, validDelta, excludedDelta int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE allocations SET current_valid=current_valid+?, current_excluded=current_excluded+?, updated_at=? WHERE id=?`,
		validDelta, excludedDelta, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AllocationHasHistory(ctx context.Context, id int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM report_logs WHERE allocation_id=?)`, id).Scan(&n)
	return n != 0, err
}

func (r Repo) DeleteAllocationTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM allocations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
