package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"quotaline/internal/config"
	"quotaline/internal/db"
	"quotaline/internal/domain"
	"quotaline/internal/engine"
	"quotaline/internal/migrate"
	"quotaline/internal/quota"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	Project domain.Project
	Stage   domain.Stage
	Pool    domain.TaskPool
	User    domain.User
	Alloc   domain.Allocation
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	env := &testEnv{Engine: eng, Ctx: ctx}
	env.Project, err = eng.CreateProject(ctx, "ACME-01", "Acme digitization", "admin")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	env.Stage, err = eng.CreateStage(ctx, env.Project.ID, "capture", 1, "admin")
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	env.Pool, err = eng.CreatePool(ctx, env.Stage.ID, "batch-a", 100, "admin")
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	env.User, err = eng.CreateUser(ctx, "worker-1", "admin")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	res, err := eng.CreateAllocation(ctx, env.Pool.ID, env.User.ID, 50, "admin")
	if err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	env.Alloc = res.Allocation
	return env
}

func (env *testEnv) submit(t *testing.T, opts engine.SubmitReportOptions) engine.ReportResult {
	t.Helper()
	if opts.AllocationID == 0 {
		opts.AllocationID = env.Alloc.ID
	}
	if opts.LogDate == "" {
		opts.LogDate = "2024-03-01"
	}
	if opts.ActorID == "" {
		opts.ActorID = "worker-1"
	}
	res, err := env.Engine.SubmitReport(env.Ctx, opts)
	if err != nil {
		t.Fatalf("submit report: %v", err)
	}
	return res
}

func TestSubmitReportCascade(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, engine.SubmitReportOptions{ValidQty: 30, ExcludedQty: 5, ExclusionReason: domain.ReasonDuplicate})
	if res.Allocation.CurrentValid != 30 || res.Allocation.CurrentExcluded != 5 {
		t.Fatalf("allocation counters = (%d,%d), want (30,5)", res.Allocation.CurrentValid, res.Allocation.CurrentExcluded)
	}
	if res.Pool.AggValid != 30 || res.Pool.AggExcluded != 5 {
		t.Fatalf("pool aggregates = (%d,%d), want (30,5)", res.Pool.AggValid, res.Pool.AggExcluded)
	}
	// allocation progress against target 50: 30/(50-5) = 67
	if res.Progress.Percent != 67 {
		t.Fatalf("allocation percent = %d, want 67", res.Progress.Percent)
	}
	// pool progress against quota 100: 30/(100-5) = 32
	if res.PoolProgress.Percent != 32 {
		t.Fatalf("pool percent = %d, want 32", res.PoolProgress.Percent)
	}
}

func TestSubmitReportValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.SubmitReportOptions
	}{
		{"both zero", engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "2024-03-01"}},
		{"negative valid", engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "2024-03-01", ValidQty: -1}},
		{"missing reason", engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "2024-03-01", ExcludedQty: 3}},
		{"unknown reason", engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "2024-03-01", ExcludedQty: 3, ExclusionReason: "bored"}},
		{"reason without excluded", engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "2024-03-01", ValidQty: 1, ExclusionReason: domain.ReasonOther}},
		{"bad date", engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "03/01/2024", ValidQty: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.ActorID = "worker-1"
			_, err := env.Engine.SubmitReport(env.Ctx, tc.opts)
			if !quota.IsKind(err, quota.KindInvalidArgument) {
				t.Fatalf("err = %v, want InvalidArgument", err)
			}
		})
	}
	// nothing durable happened
	a, err := env.Engine.Repo.GetAllocation(env.Ctx, env.Alloc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.CurrentValid != 0 || a.CurrentExcluded != 0 {
		t.Fatalf("counters moved on rejected input: (%d,%d)", a.CurrentValid, a.CurrentExcluded)
	}
}

func TestSubmitReportMissingAllocation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitReport(env.Ctx, engine.SubmitReportOptions{AllocationID: 999, LogDate: "2024-03-01", ValidQty: 1, ActorID: "w"})
	if !quota.IsKind(err, quota.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestSubmitReportIdempotentKey(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "2024-03-01", ValidQty: 10, SubmissionKey: "key-1", ActorID: "worker-1"}
	first, err := env.Engine.SubmitReport(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.SubmitReport(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Log.ID != second.Log.ID {
		t.Fatalf("resubmission created a second log: %d vs %d", first.Log.ID, second.Log.ID)
	}
	if second.Allocation.CurrentValid != 10 {
		t.Fatalf("resubmission double-applied: currentValid = %d", second.Allocation.CurrentValid)
	}
}

func TestRevertReportRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 7})
	res := env.submit(t, engine.SubmitReportOptions{ValidQty: 20, ExcludedQty: 4, ExclusionReason: domain.ReasonIllegible})

	reverted, err := env.Engine.RevertReport(env.Ctx, res.Log.ID, "admin")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if reverted.Log.Status != domain.ReportReverted || reverted.Log.RevertedAt == nil {
		t.Fatalf("log not marked reverted: %+v", reverted.Log)
	}
	if reverted.Allocation.CurrentValid != 7 || reverted.Allocation.CurrentExcluded != 0 {
		t.Fatalf("allocation not restored: (%d,%d)", reverted.Allocation.CurrentValid, reverted.Allocation.CurrentExcluded)
	}
	if reverted.Pool.AggValid != 7 || reverted.Pool.AggExcluded != 0 {
		t.Fatalf("pool not restored: (%d,%d)", reverted.Pool.AggValid, reverted.Pool.AggExcluded)
	}

	// second revert of the same log is terminal
	_, err = env.Engine.RevertReport(env.Ctx, res.Log.ID, "admin")
	if !quota.IsKind(err, quota.KindInvalidState) {
		t.Fatalf("double revert err = %v, want InvalidState", err)
	}

	_, err = env.Engine.RevertReport(env.Ctx, 9999, "admin")
	if !quota.IsKind(err, quota.KindNotFound) {
		t.Fatalf("missing log err = %v, want NotFound", err)
	}
}

func TestConcurrentSubmitsNoLostUpdate(t *testing.T) {
	env := newTestEnv(t)
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.SubmitReport(env.Ctx, engine.SubmitReportOptions{
				AllocationID: env.Alloc.ID,
				LogDate:      "2024-03-01",
				ValidQty:     10,
				ActorID:      "worker-1",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit: %v", err)
		}
	}
	a, err := env.Engine.Repo.GetAllocation(env.Ctx, env.Alloc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.CurrentValid != workers*10 {
		t.Fatalf("currentValid = %d, want %d", a.CurrentValid, workers*10)
	}
	p, err := env.Engine.Repo.GetPool(env.Ctx, env.Pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.AggValid != workers*10 {
		t.Fatalf("pool aggValid = %d, want %d", p.AggValid, workers*10)
	}
}

func TestAdjustPoolQuota(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 30})

	res, err := env.Engine.AdjustPoolQuota(env.Ctx, env.Pool.ID, 150, "client added batch", "admin")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if res.Adjustment.PreviousQuota != 100 || res.Adjustment.NewQuota != 150 {
		t.Fatalf("audit row = %+v", res.Adjustment)
	}
	if res.Preview.Percent != 20 { // 30/150
		t.Fatalf("preview percent = %d, want 20", res.Preview.Percent)
	}
	p, err := env.Engine.Repo.GetPool(env.Ctx, env.Pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalQuota != 150 {
		t.Fatalf("quota reads %d immediately after adjust, want 150", p.TotalQuota)
	}
	// quota always matches its latest audit row (creation wrote the first one)
	adjs, err := env.Engine.Repo.ListQuotaAdjustments(env.Ctx, env.Pool.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(adjs) != 2 {
		t.Fatalf("adjustment rows = %d, want 2", len(adjs))
	}
	if adjs[0].NewQuota != p.TotalQuota {
		t.Fatalf("latest audit row %d != quota %d", adjs[0].NewQuota, p.TotalQuota)
	}
}

func TestAdjustPoolQuotaRejections(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdjustPoolQuota(env.Ctx, env.Pool.ID, -5, "oops", "admin"); !quota.IsKind(err, quota.KindInvalidArgument) {
		t.Fatalf("negative quota err = %v", err)
	}
	if _, err := env.Engine.AdjustPoolQuota(env.Ctx, env.Pool.ID, 120, "  ", "admin"); !quota.IsKind(err, quota.KindInvalidArgument) {
		t.Fatalf("empty reason err = %v", err)
	}
	if _, err := env.Engine.AdjustPoolQuota(env.Ctx, env.Pool.ID, 100, "same value", "admin"); !quota.IsKind(err, quota.KindConflict) {
		t.Fatalf("no-op quota err = %v", err)
	}
	if _, err := env.Engine.AdjustPoolQuota(env.Ctx, 999, 50, "ghost pool", "admin"); !quota.IsKind(err, quota.KindNotFound) {
		t.Fatalf("missing pool err = %v", err)
	}
}

func TestCreateAllocationConflict(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 12})

	_, err := env.Engine.CreateAllocation(env.Ctx, env.Pool.ID, env.User.ID, 30, "admin")
	if !quota.IsKind(err, quota.KindConflict) {
		t.Fatalf("duplicate pair err = %v, want Conflict", err)
	}
	// the existing allocation's counters are untouched
	a, err := env.Engine.Repo.GetAllocation(env.Ctx, env.Alloc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.CurrentValid != 12 {
		t.Fatalf("counters changed on conflict: %d", a.CurrentValid)
	}
}

func TestCreateAllocationOverAllocationWarns(t *testing.T) {
	env := newTestEnv(t)
	u2, err := env.Engine.CreateUser(env.Ctx, "worker-2", "admin")
	if err != nil {
		t.Fatal(err)
	}
	// 50 existing + 80 new > pool quota 100: allowed, flagged
	res, err := env.Engine.CreateAllocation(env.Ctx, env.Pool.ID, u2.ID, 80, "admin")
	if err != nil {
		t.Fatalf("over-allocation must not be rejected: %v", err)
	}
	if !res.OverAllocated {
		t.Fatalf("expected over-allocation warning, targets=%d quota=%d", res.ActiveTargets, res.PoolQuota)
	}
	if res.Allocation.CurrentValid != 0 || res.Allocation.CurrentExcluded != 0 {
		t.Fatalf("new allocation counters not zeroed")
	}
}

func TestCreateAllocationInvalidTarget(t *testing.T) {
	env := newTestEnv(t)
	u2, err := env.Engine.CreateUser(env.Ctx, "worker-2", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAllocation(env.Ctx, env.Pool.ID, u2.ID, -1, "admin"); !quota.IsKind(err, quota.KindInvalidArgument) {
		t.Fatalf("negative target err = %v", err)
	}
}

func TestToggleAllocationBlocksNewReports(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 9})

	a, err := env.Engine.ToggleAllocation(env.Ctx, env.Alloc.ID, "admin")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if a.Status != domain.StatusDisabled {
		t.Fatalf("status = %s", a.Status)
	}
	_, err = env.Engine.SubmitReport(env.Ctx, engine.SubmitReportOptions{AllocationID: env.Alloc.ID, LogDate: "2024-03-02", ValidQty: 1, ActorID: "worker-1"})
	if !quota.IsKind(err, quota.KindInvalidState) {
		t.Fatalf("report on disabled allocation err = %v, want InvalidState", err)
	}
	// history stays in the pool aggregate
	p, err := env.Engine.Repo.GetPool(env.Ctx, env.Pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.AggValid != 9 {
		t.Fatalf("pool aggregate lost disabled history: %d", p.AggValid)
	}
	// toggling back re-enables
	a, err = env.Engine.ToggleAllocation(env.Ctx, env.Alloc.ID, "admin")
	if err != nil || a.Status != domain.StatusActive {
		t.Fatalf("re-enable: %v status=%s", err, a.Status)
	}
}

func TestToggleAllocationReEnablePairRule(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ToggleAllocation(env.Ctx, env.Alloc.ID, "admin"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// a second allocation for the same pair takes the active slot
	res, err := env.Engine.CreateAllocation(env.Ctx, env.Pool.ID, env.User.ID, 30, "admin")
	if err != nil {
		t.Fatalf("second allocation: %v", err)
	}
	// toggles must finish promptly even on the single-connection store
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	if _, err := env.Engine.ToggleAllocation(ctx, env.Alloc.ID, "admin"); !quota.IsKind(err, quota.KindConflict) {
		t.Fatalf("re-enable with active twin err = %v, want Conflict", err)
	}
	if _, err := env.Engine.ToggleAllocation(ctx, res.Allocation.ID, "admin"); err != nil {
		t.Fatalf("disable twin: %v", err)
	}
	a, err := env.Engine.ToggleAllocation(ctx, env.Alloc.ID, "admin")
	if err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if a.Status != domain.StatusActive {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestCreateProjectDuplicateCode(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProject(env.Ctx, "ACME-01", "Acme again", "admin"); !quota.IsKind(err, quota.KindConflict) {
		t.Fatalf("duplicate code err = %v, want Conflict", err)
	}
}

func TestUpdateAllocationTargetOverDeliveryFlagged(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 40})

	// shrink the target below delivered output: valid, never capped
	a, snap, err := env.Engine.UpdateAllocationTarget(env.Ctx, env.Alloc.ID, 20, "admin")
	if err != nil {
		t.Fatalf("update target: %v", err)
	}
	if a.TargetQuota != 20 || a.CurrentValid != 40 {
		t.Fatalf("allocation = %+v", a)
	}
	if snap.Percent != 200 || !snap.Completed {
		t.Fatalf("snapshot = %+v, want unclamped 200%% completed", snap)
	}
	if _, _, err := env.Engine.UpdateAllocationTarget(env.Ctx, env.Alloc.ID, -3, "admin"); !quota.IsKind(err, quota.KindInvalidArgument) {
		t.Fatalf("negative target err = %v", err)
	}
}

func TestMatrixViewAnomaly(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 40})
	env.submit(t, engine.SubmitReportOptions{ExcludedQty: 12, ExclusionReason: domain.ReasonDuplicate})
	env.submit(t, engine.SubmitReportOptions{ExcludedQty: 8, ExclusionReason: domain.ReasonDuplicate})
	// one corrupt log last: duplicate still leads on occurrence count
	env.submit(t, engine.SubmitReportOptions{ExcludedQty: 10, ExclusionReason: domain.ReasonSourceCorrupt})

	m, err := env.Engine.GetMatrixView(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if len(m.Stages) != 1 || len(m.Stages[0].Pools) != 1 {
		t.Fatalf("matrix shape: %+v", m)
	}
	pool := m.Stages[0].Pools[0]
	// 30 excluded of 70 total: rate ≈ 0.43 > 0.15
	if !pool.Anomaly.Anomalous || !pool.Anomaly.Known {
		t.Fatalf("pool verdict = %+v, want anomalous", pool.Anomaly)
	}
	if pool.Anomaly.TopReason != domain.ReasonDuplicate {
		t.Fatalf("top reason = %s, want %s", pool.Anomaly.TopReason, domain.ReasonDuplicate)
	}
	if len(pool.Allocations) != 1 {
		t.Fatalf("allocations in view = %d", len(pool.Allocations))
	}
	if pool.Allocations[0].UserName != "worker-1" {
		t.Fatalf("user name = %s", pool.Allocations[0].UserName)
	}
	// pool percent: 40/(100-30) = 57
	if pool.Progress.Percent != 57 {
		t.Fatalf("pool percent = %d", pool.Progress.Percent)
	}
}

func TestTopReasonTieBrokenByRecency(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ExcludedQty: 5, ExclusionReason: domain.ReasonDuplicate})
	env.submit(t, engine.SubmitReportOptions{ExcludedQty: 5, ExclusionReason: domain.ReasonIllegible})

	pv, err := env.Engine.GetPoolView(env.Ctx, env.Pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pv.Anomaly.TopReason != domain.ReasonIllegible {
		t.Fatalf("top reason = %s, want most recent on tie", pv.Anomaly.TopReason)
	}
}

func TestRevertedReportsLeaveTopReason(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, engine.SubmitReportOptions{ExcludedQty: 8, ExclusionReason: domain.ReasonMissingInfo})
	if _, err := env.Engine.RevertReport(env.Ctx, res.Log.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	pv, err := env.Engine.GetPoolView(env.Ctx, env.Pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pv.Anomaly.TopReason != "" {
		t.Fatalf("reverted log still counted in top reason: %s", pv.Anomaly.TopReason)
	}
}

func TestMyAllocations(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 25})

	list, err := env.Engine.GetMyAllocations(env.Ctx, env.User.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("allocations = %d, want 1", len(list))
	}
	if list[0].PoolName != "batch-a" || list[0].Progress.Percent != 50 {
		t.Fatalf("row = %+v", list[0])
	}
	// disabled allocations drop out of the flat list
	if _, err := env.Engine.ToggleAllocation(env.Ctx, env.Alloc.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	list, err = env.Engine.GetMyAllocations(env.Ctx, env.User.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("disabled allocation still listed")
	}
}

func TestDeleteGuardsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.SubmitReportOptions{ValidQty: 1})

	if err := env.Engine.DeleteAllocation(env.Ctx, env.Alloc.ID, "admin"); !quota.IsKind(err, quota.KindInvalidState) {
		t.Fatalf("delete allocation with history err = %v", err)
	}
	if err := env.Engine.DeletePool(env.Ctx, env.Pool.ID, "admin"); !quota.IsKind(err, quota.KindInvalidState) {
		t.Fatalf("delete pool with history err = %v", err)
	}

	// a fresh, history-free pool may be hard-deleted
	p2, err := env.Engine.CreatePool(env.Ctx, env.Stage.ID, "batch-b", 0, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeletePool(env.Ctx, p2.ID, "admin"); err != nil {
		t.Fatalf("delete empty pool: %v", err)
	}
}

func TestAuditEventsWritten(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, engine.SubmitReportOptions{ValidQty: 5})
	if _, err := env.Engine.RevertReport(env.Ctx, res.Log.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE entity_kind='report'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("report events = %d, want submit + revert", count)
	}
	// event timestamps come from the engine clock
	var ts string
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT ts FROM events ORDER BY id DESC LIMIT 1`).Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if ts != "2024-03-01T00:00:00Z" {
		t.Fatalf("event ts = %s, want the overridden clock", ts)
	}
}
