package engine

import (
	"context"
	"errors"

	"quotaline/internal/anomaly"
	"quotaline/internal/domain"
	"quotaline/internal/progress"
	"quotaline/internal/quota"
	"quotaline/internal/repo"
)

// Read-side assembly. Progress and anomaly fields are derived from durable
// counters on every call and never persisted.

type AllocationView struct {
	Allocation domain.Allocation `json:"allocation"`
	UserName   string            `json:"user_name,omitempty"`
	Progress   progress.Snapshot `json:"progress"`
	Anomaly    anomaly.Verdict   `json:"anomaly"`
}

type PoolView struct {
	Pool          domain.TaskPool   `json:"pool"`
	Progress      progress.Snapshot `json:"progress"`
	Anomaly       anomaly.Verdict   `json:"anomaly"`
	OverAllocated bool              `json:"over_allocated"`
	Allocations   []AllocationView  `json:"allocations,omitempty"`
}

type StageView struct {
	Stage domain.Stage `json:"stage"`
	Pools []PoolView   `json:"pools,omitempty"`
}

type MatrixView struct {
	Project domain.Project `json:"project"`
	Stages  []StageView    `json:"stages,omitempty"`
}

// MyAllocation is one row of a user's flat allocation list.
type MyAllocation struct {
	Allocation domain.Allocation `json:"allocation"`
	PoolName   string            `json:"pool_name"`
	PoolQuota  int64             `json:"pool_quota"`
	Progress   progress.Snapshot `json:"progress"`
}

// allocationView derives an allocation's computed fields. A failed
// top-reason read degrades the verdict to unknown rather than failing the
// whole view.
func (e Engine) allocationView(ctx context.Context, a domain.Allocation, userName string) AllocationView {
	v := e.Anomaly.Evaluate(a.CurrentValid, a.CurrentExcluded, a.TargetQuota)
	reason, err := e.Repo.TopExclusionReason(ctx, 0, a.ID)
	if err != nil {
		v = anomaly.Unknown()
	} else {
		v.TopReason = reason
	}
	return AllocationView{
		Allocation: a,
		UserName:   userName,
		Progress:   e.Progress.Snapshot(a.CurrentValid, a.CurrentExcluded, a.TargetQuota),
		Anomaly:    v,
	}
}

func (e Engine) poolView(ctx context.Context, p domain.TaskPool, withAllocations bool) (PoolView, error) {
	v := e.Anomaly.Evaluate(p.AggValid, p.AggExcluded, p.TotalQuota)
	reason, err := e.Repo.TopExclusionReason(ctx, p.ID, 0)
	if err != nil {
		v = anomaly.Unknown()
	} else {
		v.TopReason = reason
	}
	pv := PoolView{
		Pool:     p,
		Progress: e.Progress.Snapshot(p.AggValid, p.AggExcluded, p.TotalQuota),
		Anomaly:  v,
	}
	sum, err := e.Repo.SumActiveTargets(ctx, p.ID)
	if err != nil {
		return pv, storeErr(err)
	}
	pv.OverAllocated = sum > p.TotalQuota
	if !withAllocations {
		return pv, nil
	}
	allocs, err := e.Repo.ListAllocations(ctx, repo.AllocationFilters{PoolID: p.ID})
	if err != nil {
		return pv, storeErr(err)
	}
	names := map[int64]string{}
	for _, a := range allocs {
		name, ok := names[a.UserID]
		if !ok {
			if u, err := e.Repo.GetUser(ctx, a.UserID); err == nil {
				name = u.Name
			}
			names[a.UserID] = name
		}
		pv.Allocations = append(pv.Allocations, e.allocationView(ctx, a, name))
	}
	return pv, nil
}

// GetMatrixView assembles the Project→Stage→TaskPool→Allocation snapshot
// with computed progress and anomaly fields.
func (e Engine) GetMatrixView(ctx context.Context, projectID int64) (MatrixView, error) {
	var m MatrixView
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return m, quota.NotFoundf("project %d not found", projectID)
		}
		return m, storeErr(err)
	}
	m.Project = p
	stages, err := e.Repo.ListStages(ctx, projectID)
	if err != nil {
		return m, storeErr(err)
	}
	for _, s := range stages {
		sv := StageView{Stage: s}
		pools, err := e.Repo.ListPools(ctx, s.ID)
		if err != nil {
			return m, storeErr(err)
		}
		for _, pool := range pools {
			pv, err := e.poolView(ctx, pool, true)
			if err != nil {
				return m, err
			}
			sv.Pools = append(sv.Pools, pv)
		}
		m.Stages = append(m.Stages, sv)
	}
	return m, nil
}

// GetPoolView returns one pool with computed fields, without descending
// into allocations.
func (e Engine) GetPoolView(ctx context.Context, poolID int64) (PoolView, error) {
	p, err := e.Repo.GetPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return PoolView{}, quota.NotFoundf("pool %d not found", poolID)
		}
		return PoolView{}, storeErr(err)
	}
	return e.poolView(ctx, p, false)
}

// GetMyAllocations returns a user's active allocations with computed
// progress.
func (e Engine) GetMyAllocations(ctx context.Context, userID int64) ([]MyAllocation, error) {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, quota.NotFoundf("user %d not found", userID)
		}
		return nil, storeErr(err)
	}
	allocs, err := e.Repo.ListAllocations(ctx, repo.AllocationFilters{UserID: userID, Status: domain.StatusActive})
	if err != nil {
		return nil, storeErr(err)
	}
	var res []MyAllocation
	for _, a := range allocs {
		row := MyAllocation{
			Allocation: a,
			Progress:   e.Progress.Snapshot(a.CurrentValid, a.CurrentExcluded, a.TargetQuota),
		}
		if p, err := e.Repo.GetPool(ctx, a.PoolID); err == nil {
			row.PoolName = p.Name
			row.PoolQuota = p.TotalQuota
		}
		res = append(res, row)
	}
	return res, nil
}
