package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"quotaline/internal/anomaly"
	"quotaline/internal/config"
	"quotaline/internal/domain"
	"quotaline/internal/events"
	"quotaline/internal/progress"
	"quotaline/internal/quota"
	"quotaline/internal/repo"
)

// Engine implements the quota allocation and progress operations on top of
// the SQLite store. Every mutation runs in one transaction; allocation and
// pool counters always move together or not at all.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Progress progress.Calculator
	Anomaly  anomaly.Detector
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Progress: progress.NewCalculator(cfg.Thresholds.LaggingPercent),
		Anomaly:  anomaly.NewDetector(cfg.Thresholds.AnomalyRatio, cfg.Thresholds.OverrunFactor),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// appendEvent stamps audit events with the engine clock so a Now override
// covers event rows too.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return e.Events.Append(ctx, tx, e.nowRFC3339(), evtType, projectID, entityKind, entityID, actorID, payload)
}

// storeErr maps storage failures onto the taxonomy. SQLITE_BUSY after the
// DSN busy timeout is the only retryable case.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var qe *quota.Error
	if errors.As(err, &qe) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return quota.Unavailable(err)
	}
	return quota.Internal(err)
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	return tx, nil
}

func idStr(id int64) string { return strconv.FormatInt(id, 10) }

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// projectScopeForPool resolves the owning project id for event rows. Pass
// the open tx when called inside one; the pool drains a single connection.
func (e Engine) projectScopeForPool(ctx context.Context, q rowQuerier, poolID int64) string {
	var projectID int64
	err := q.QueryRowContext(ctx, `SELECT s.project_id FROM task_pools p JOIN stages s ON s.id=p.stage_id WHERE p.id=?`, poolID).Scan(&projectID)
	if err != nil {
		return ""
	}
	return idStr(projectID)
}

// --- administrative lifecycle ---

func (e Engine) CreateProject(ctx context.Context, code, name, actorID string) (domain.Project, error) {
	if strings.TrimSpace(code) == "" {
		return domain.Project{}, quota.InvalidArgumentf("project code is required")
	}
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, quota.InvalidArgumentf("project name is required")
	}
	if _, err := e.Repo.GetProjectByCode(ctx, code); err == nil {
		return domain.Project{}, quota.Conflictf("project code %s already exists", code)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, storeErr(err)
	}
	p := domain.Project{Code: code, Name: name, Active: true, CreatedAt: e.nowRFC3339()}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p.ID, err = e.Repo.InsertProjectTx(ctx, tx, p)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Project{}, quota.Conflictf("project code %s already exists", code)
		}
		return domain.Project{}, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "project.created", idStr(p.ID), "project", idStr(p.ID), actorID, events.EventPayload{"code": p.Code}); err != nil {
		return domain.Project{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, storeErr(err)
	}
	return p, nil
}

func (e Engine) CreateStage(ctx context.Context, projectID int64, name string, seq int, actorID string) (domain.Stage, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Stage{}, quota.InvalidArgumentf("stage name is required")
	}
	if seq < 0 {
		return domain.Stage{}, quota.InvalidArgumentf("stage seq must be non-negative")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Stage{}, quota.NotFoundf("project %d not found", projectID)
		}
		return domain.Stage{}, storeErr(err)
	}
	s := domain.Stage{ProjectID: projectID, Name: name, Seq: seq, CreatedAt: e.nowRFC3339()}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	s.ID, err = e.Repo.InsertStageTx(ctx, tx, s)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Stage{}, quota.Conflictf("stage seq %d already used in project %d", seq, projectID)
		}
		return domain.Stage{}, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "stage.created", idStr(projectID), "stage", idStr(s.ID), actorID, events.EventPayload{"name": s.Name, "seq": s.Seq}); err != nil {
		return domain.Stage{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, storeErr(err)
	}
	return s, nil
}

// CreatePool creates a pool. A non-zero initial quota writes the first
// QuotaAdjustment row so the pool quota always matches its latest audit row.
func (e Engine) CreatePool(ctx context.Context, stageID int64, name string, totalQuota int64, actorID string) (domain.TaskPool, error) {
	if strings.TrimSpace(name) == "" {
		return domain.TaskPool{}, quota.InvalidArgumentf("pool name is required")
	}
	if totalQuota < 0 {
		return domain.TaskPool{}, quota.InvalidArgumentf("total quota must be non-negative")
	}
	stage, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskPool{}, quota.NotFoundf("stage %d not found", stageID)
		}
		return domain.TaskPool{}, storeErr(err)
	}
	now := e.nowRFC3339()
	p := domain.TaskPool{StageID: stageID, Name: name, TotalQuota: totalQuota, Status: domain.StatusActive, CreatedAt: now}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.TaskPool{}, err
	}
	defer tx.Rollback()
	p.ID, err = e.Repo.InsertPoolTx(ctx, tx, p)
	if err != nil {
		return domain.TaskPool{}, storeErr(err)
	}
	if totalQuota > 0 {
		adj := domain.QuotaAdjustment{
			PoolID:        p.ID,
			PreviousQuota: 0,
			NewQuota:      totalQuota,
			Reason:        "initial quota",
			ActorID:       actorID,
			CreatedAt:     now,
		}
		if _, err := e.Repo.InsertQuotaAdjustmentTx(ctx, tx, adj); err != nil {
			return domain.TaskPool{}, storeErr(err)
		}
	}
	if err := e.appendEvent(ctx, tx, "pool.created", idStr(stage.ProjectID), "pool", idStr(p.ID), actorID, events.EventPayload{"name": p.Name, "total_quota": totalQuota}); err != nil {
		return domain.TaskPool{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskPool{}, storeErr(err)
	}
	return p, nil
}

func (e Engine) CreateUser(ctx context.Context, name, actorID string) (domain.User, error) {
	if strings.TrimSpace(name) == "" {
		return domain.User{}, quota.InvalidArgumentf("user name is required")
	}
	u := domain.User{Name: name, Active: true, CreatedAt: e.nowRFC3339()}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	u.ID, err = e.Repo.InsertUserTx(ctx, tx, u)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, quota.Conflictf("user %s already exists", name)
		}
		return domain.User{}, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "user.created", "", "user", idStr(u.ID), actorID, events.EventPayload{"name": u.Name}); err != nil {
		return domain.User{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, storeErr(err)
	}
	return u, nil
}

// TogglePool soft-disables or re-enables a pool.
func (e Engine) TogglePool(ctx context.Context, poolID int64, actorID string) (domain.TaskPool, error) {
	scope := e.projectScopeForPool(ctx, e.DB, poolID)
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.TaskPool{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPoolTx(ctx, tx, poolID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskPool{}, quota.NotFoundf("pool %d not found", poolID)
		}
		return domain.TaskPool{}, storeErr(err)
	}
	next := domain.StatusDisabled
	if p.Status == domain.StatusDisabled {
		next = domain.StatusActive
	}
	if err := e.Repo.SetPoolStatusTx(ctx, tx, poolID, next); err != nil {
		return domain.TaskPool{}, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "pool.status.changed", scope, "pool", idStr(poolID), actorID, events.EventPayload{"from": p.Status, "to": next}); err != nil {
		return domain.TaskPool{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskPool{}, storeErr(err)
	}
	p.Status = next
	return p, nil
}

// DeletePool hard-deletes a pool only while it has no report or adjustment
// history. Pools with history are disabled instead.
func (e Engine) DeletePool(ctx context.Context, poolID int64, actorID string) error {
	scope := e.projectScopeForPool(ctx, e.DB, poolID)
	if _, err := e.Repo.GetPool(ctx, poolID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return quota.NotFoundf("pool %d not found", poolID)
		}
		return storeErr(err)
	}
	hasHistory, err := e.Repo.PoolHasHistory(ctx, poolID)
	if err != nil {
		return storeErr(err)
	}
	if hasHistory {
		return quota.InvalidStatef("pool %d has history; disable it instead of deleting", poolID)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePoolTx(ctx, tx, poolID); err != nil {
		return storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "pool.deleted", scope, "pool", idStr(poolID), actorID, nil); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

// --- allocation manager ---

// CreateAllocationResult carries the new allocation plus the advisory
// over-allocation flag; over-allocation never rejects the write.
type CreateAllocationResult struct {
	Allocation    domain.Allocation
	OverAllocated bool
	ActiveTargets int64
	PoolQuota     int64
}

func (e Engine) CreateAllocation(ctx context.Context, poolID, userID, targetQuota int64, actorID string) (CreateAllocationResult, error) {
	var res CreateAllocationResult
	if targetQuota < 0 {
		return res, quota.InvalidArgumentf("target quota must be non-negative")
	}
	pool, err := e.Repo.GetPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, quota.NotFoundf("pool %d not found", poolID)
		}
		return res, storeErr(err)
	}
	if pool.Status != domain.StatusActive {
		return res, quota.InvalidStatef("pool %d is disabled", poolID)
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, quota.NotFoundf("user %d not found", userID)
		}
		return res, storeErr(err)
	}
	if _, err := e.Repo.ActiveAllocationForPair(ctx, poolID, userID); err == nil {
		return res, quota.Conflictf("user %d already has an active allocation in pool %d", userID, poolID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return res, storeErr(err)
	}
	now := e.nowRFC3339()
	a := domain.Allocation{
		PoolID:      poolID,
		UserID:      userID,
		TargetQuota: targetQuota,
		Status:      domain.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	a.ID, err = e.Repo.InsertAllocationTx(ctx, tx, a)
	if err != nil {
		// unique partial index backstop for a concurrent create of the same pair
		if isUniqueViolation(err) {
			return res, quota.Conflictf("user %d already has an active allocation in pool %d", userID, poolID)
		}
		return res, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "allocation.created", e.projectScopeForPool(ctx, tx, poolID), "allocation", idStr(a.ID), actorID, events.EventPayload{
		"pool_id":      poolID,
		"user_id":      userID,
		"target_quota": targetQuota,
	}); err != nil {
		return res, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return res, storeErr(err)
	}
	sum, err := e.Repo.SumActiveTargets(ctx, poolID)
	if err != nil {
		return res, storeErr(err)
	}
	res.Allocation = a
	res.ActiveTargets = sum
	res.PoolQuota = pool.TotalQuota
	res.OverAllocated = sum > pool.TotalQuota
	return res, nil
}

// ToggleAllocation flips an allocation between active and disabled. A
// disabled allocation refuses new reports but its history stays in the pool
// aggregates.
func (e Engine) ToggleAllocation(ctx context.Context, allocationID int64, actorID string) (domain.Allocation, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Allocation{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAllocationTx(ctx, tx, allocationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Allocation{}, quota.NotFoundf("allocation %d not found", allocationID)
		}
		return domain.Allocation{}, storeErr(err)
	}
	next := domain.StatusDisabled
	if a.Status == domain.StatusDisabled {
		next = domain.StatusActive
		// re-enabling must not violate the one-active-pair rule
		if _, err := e.Repo.ActiveAllocationForPairTx(ctx, tx, a.PoolID, a.UserID); err == nil {
			return domain.Allocation{}, quota.Conflictf("user %d already has an active allocation in pool %d", a.UserID, a.PoolID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Allocation{}, storeErr(err)
		}
	}
	now := e.nowRFC3339()
	if err := e.Repo.SetAllocationStatusTx(ctx, tx, allocationID, next, now); err != nil {
		return domain.Allocation{}, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "allocation.toggled", e.projectScopeForPool(ctx, tx, a.PoolID), "allocation", idStr(allocationID), actorID, events.EventPayload{"from": a.Status, "to": next}); err != nil {
		return domain.Allocation{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Allocation{}, storeErr(err)
	}
	a.Status = next
	a.UpdatedAt = now
	return a, nil
}

// DeleteAllocation hard-deletes only report-free allocations.
func (e Engine) DeleteAllocation(ctx context.Context, allocationID int64, actorID string) error {
	a, err := e.Repo.GetAllocation(ctx, allocationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return quota.NotFoundf("allocation %d not found", allocationID)
		}
		return storeErr(err)
	}
	hasHistory, err := e.Repo.AllocationHasHistory(ctx, allocationID)
	if err != nil {
		return storeErr(err)
	}
	if hasHistory {
		return quota.InvalidStatef("allocation %d has report history; disable it instead of deleting", allocationID)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAllocationTx(ctx, tx, allocationID); err != nil {
		return storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "allocation.deleted", e.projectScopeForPool(ctx, tx, a.PoolID), "allocation", idStr(allocationID), actorID, nil); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

// --- report ingestion ---

type SubmitReportOptions struct {
	AllocationID    int64
	LogDate         string
	ValidQty        int64
	ExcludedQty     int64
	ExclusionReason string
	Comment         string
	Backfill        bool
	// SubmissionKey makes resubmission idempotent; generated when empty.
	SubmissionKey string
	ActorID       string
}

// ReportResult is the post-write snapshot returned by submit and revert.
type ReportResult struct {
	Log          domain.ReportLog
	Allocation   domain.Allocation
	Progress     progress.Snapshot
	Pool         domain.TaskPool
	PoolProgress progress.Snapshot
}

// SubmitReport validates, appends the log and cascades the deltas to the
// allocation and its pool inside one transaction.
func (e Engine) SubmitReport(ctx context.Context, opts SubmitReportOptions) (ReportResult, error) {
	var res ReportResult
	if opts.ValidQty < 0 || opts.ExcludedQty < 0 {
		return res, quota.InvalidArgumentf("quantities must be non-negative")
	}
	if opts.ValidQty == 0 && opts.ExcludedQty == 0 {
		return res, quota.InvalidArgumentf("report must carry at least one unit")
	}
	if _, err := time.Parse("2006-01-02", opts.LogDate); err != nil {
		return res, quota.InvalidArgumentf("log date %q must be YYYY-MM-DD", opts.LogDate)
	}
	if opts.ExcludedQty > 0 {
		if opts.ExclusionReason == "" {
			return res, quota.InvalidArgumentf("exclusion reason required when excluded qty > 0")
		}
		if !domain.ValidExclusionReason(opts.ExclusionReason) {
			return res, quota.InvalidArgumentf("unknown exclusion reason %q", opts.ExclusionReason)
		}
	} else if opts.ExclusionReason != "" {
		return res, quota.InvalidArgumentf("exclusion reason given without excluded output")
	}

	if opts.SubmissionKey != "" {
		if existing, err := e.Repo.GetReportLogBySubmissionKey(ctx, opts.SubmissionKey); err == nil {
			return e.reportResult(ctx, existing)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return res, storeErr(err)
		}
	} else {
		opts.SubmissionKey = uuid.New().String()
	}

	a, err := e.Repo.GetAllocation(ctx, opts.AllocationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, quota.NotFoundf("allocation %d not found", opts.AllocationID)
		}
		return res, storeErr(err)
	}
	if a.Status != domain.StatusActive {
		return res, quota.InvalidStatef("allocation %d is disabled", opts.AllocationID)
	}

	now := e.nowRFC3339()
	log := domain.ReportLog{
		AllocationID:  a.ID,
		PoolID:        a.PoolID,
		LogDate:       opts.LogDate,
		ValidQty:      opts.ValidQty,
		ExcludedQty:   opts.ExcludedQty,
		Backfill:      opts.Backfill,
		Status:        domain.ReportActive,
		SubmissionKey: opts.SubmissionKey,
		ActorID:       opts.ActorID,
		CreatedAt:     now,
	}
	if opts.ExclusionReason != "" {
		log.ExclusionReason = &opts.ExclusionReason
	}
	if opts.Comment != "" {
		log.Comment = &opts.Comment
	}

	scope := e.projectScopeForPool(ctx, e.DB, a.PoolID)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	log.ID, err = e.Repo.InsertReportLogTx(ctx, tx, log)
	if err != nil {
		if isUniqueViolation(err) {
			// a concurrent submit with the same key won; return its outcome
			_ = tx.Rollback()
			existing, err := e.Repo.GetReportLogBySubmissionKey(ctx, opts.SubmissionKey)
			if err != nil {
				return res, storeErr(err)
			}
			return e.reportResult(ctx, existing)
		}
		return res, storeErr(err)
	}
	if err := e.Repo.BumpAllocationCountersTx(ctx, tx, a.ID, opts.ValidQty, opts.ExcludedQty, now); err != nil {
		return res, storeErr(err)
	}
	if err := e.Repo.BumpPoolAggregatesTx(ctx, tx, a.PoolID, opts.ValidQty, opts.ExcludedQty); err != nil {
		return res, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "report.submitted", scope, "report", idStr(log.ID), opts.ActorID, events.EventPayload{
		"allocation_id": a.ID,
		"valid_qty":     opts.ValidQty,
		"excluded_qty":  opts.ExcludedQty,
		"backfill":      opts.Backfill,
	}); err != nil {
		return res, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return res, storeErr(err)
	}
	return e.reportResult(ctx, log)
}

// RevertReport marks the log reverted and applies the exact negative deltas,
// symmetric with submission.
func (e Engine) RevertReport(ctx context.Context, logID int64, actorID string) (ReportResult, error) {
	var res ReportResult
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	log, err := e.Repo.GetReportLogTx(ctx, tx, logID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, quota.NotFoundf("report log %d not found", logID)
		}
		return res, storeErr(err)
	}
	if log.Status == domain.ReportReverted {
		return res, quota.InvalidStatef("report log %d already reverted", logID)
	}
	now := e.nowRFC3339()
	if err := e.Repo.MarkReportRevertedTx(ctx, tx, logID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, quota.InvalidStatef("report log %d already reverted", logID)
		}
		return res, storeErr(err)
	}
	if err := e.Repo.BumpAllocationCountersTx(ctx, tx, log.AllocationID, -log.ValidQty, -log.ExcludedQty, now); err != nil {
		return res, storeErr(err)
	}
	if err := e.Repo.BumpPoolAggregatesTx(ctx, tx, log.PoolID, -log.ValidQty, -log.ExcludedQty); err != nil {
		return res, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "report.reverted", e.projectScopeForPool(ctx, tx, log.PoolID), "report", idStr(logID), actorID, events.EventPayload{
		"allocation_id": log.AllocationID,
		"valid_qty":     log.ValidQty,
		"excluded_qty":  log.ExcludedQty,
	}); err != nil {
		return res, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return res, storeErr(err)
	}
	log.Status = domain.ReportReverted
	log.RevertedAt = &now
	return e.reportResult(ctx, log)
}

func (e Engine) reportResult(ctx context.Context, log domain.ReportLog) (ReportResult, error) {
	var res ReportResult
	a, err := e.Repo.GetAllocation(ctx, log.AllocationID)
	if err != nil {
		return res, storeErr(err)
	}
	p, err := e.Repo.GetPool(ctx, log.PoolID)
	if err != nil {
		return res, storeErr(err)
	}
	res.Log = log
	res.Allocation = a
	res.Progress = e.Progress.Snapshot(a.CurrentValid, a.CurrentExcluded, a.TargetQuota)
	res.Pool = p
	res.PoolProgress = e.Progress.Snapshot(p.AggValid, p.AggExcluded, p.TotalQuota)
	return res, nil
}

// --- quota adjustment ---

// QuotaAdjustResult couples the audit row with the progress preview at the
// new quota.
type QuotaAdjustResult struct {
	Adjustment domain.QuotaAdjustment
	Pool       domain.TaskPool
	Preview    progress.Snapshot
}

// AdjustPoolQuota writes the audit row and the new quota in one transaction.
// A reader never observes one without the other. Allocation targets are not
// rescaled.
func (e Engine) AdjustPoolQuota(ctx context.Context, poolID, newQuota int64, reason, actorID string) (QuotaAdjustResult, error) {
	var res QuotaAdjustResult
	if newQuota < 0 {
		return res, quota.InvalidArgumentf("new quota must be non-negative")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return res, quota.InvalidArgumentf("adjustment reason is required")
	}
	if maxLen := e.Config.AuditReasonMaxLen; maxLen > 0 && len(reason) > maxLen {
		return res, quota.InvalidArgumentf("adjustment reason exceeds %d characters", maxLen)
	}
	scope := e.projectScopeForPool(ctx, e.DB, poolID)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPoolTx(ctx, tx, poolID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, quota.NotFoundf("pool %d not found", poolID)
		}
		return res, storeErr(err)
	}
	if p.TotalQuota == newQuota {
		return res, quota.Conflictf("pool %d quota is already %d", poolID, newQuota)
	}
	adj := domain.QuotaAdjustment{
		PoolID:        poolID,
		PreviousQuota: p.TotalQuota,
		NewQuota:      newQuota,
		Reason:        reason,
		ActorID:       actorID,
		CreatedAt:     e.nowRFC3339(),
	}
	adj.ID, err = e.Repo.InsertQuotaAdjustmentTx(ctx, tx, adj)
	if err != nil {
		return res, storeErr(err)
	}
	if err := e.Repo.SetPoolQuotaTx(ctx, tx, poolID, newQuota); err != nil {
		return res, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "pool.quota.adjusted", scope, "pool", idStr(poolID), actorID, events.EventPayload{
		"previous_quota": adj.PreviousQuota,
		"new_quota":      adj.NewQuota,
		"reason":         reason,
	}); err != nil {
		return res, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return res, storeErr(err)
	}
	p.TotalQuota = newQuota
	res.Adjustment = adj
	res.Pool = p
	res.Preview = e.Progress.Snapshot(p.AggValid, p.AggExcluded, newQuota)
	return res, nil
}

// UpdateAllocationTarget changes one allocation's personal denominator. No
// reason is required; the store serializes it against concurrent reports.
func (e Engine) UpdateAllocationTarget(ctx context.Context, allocationID, newTarget int64, actorID string) (domain.Allocation, progress.Snapshot, error) {
	if newTarget < 0 {
		return domain.Allocation{}, progress.Snapshot{}, quota.InvalidArgumentf("target quota must be non-negative")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Allocation{}, progress.Snapshot{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAllocationTx(ctx, tx, allocationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Allocation{}, progress.Snapshot{}, quota.NotFoundf("allocation %d not found", allocationID)
		}
		return domain.Allocation{}, progress.Snapshot{}, storeErr(err)
	}
	if a.Status != domain.StatusActive {
		return domain.Allocation{}, progress.Snapshot{}, quota.InvalidStatef("allocation %d is disabled", allocationID)
	}
	now := e.nowRFC3339()
	if err := e.Repo.SetAllocationTargetTx(ctx, tx, allocationID, newTarget, now); err != nil {
		return domain.Allocation{}, progress.Snapshot{}, storeErr(err)
	}
	if err := e.appendEvent(ctx, tx, "allocation.target.updated", e.projectScopeForPool(ctx, tx, a.PoolID), "allocation", idStr(allocationID), actorID, events.EventPayload{
		"previous_target": a.TargetQuota,
		"new_target":      newTarget,
	}); err != nil {
		return domain.Allocation{}, progress.Snapshot{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Allocation{}, progress.Snapshot{}, storeErr(err)
	}
	a.TargetQuota = newTarget
	a.UpdatedAt = now
	return a, e.Progress.Snapshot(a.CurrentValid, a.CurrentExcluded, newTarget), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
