package server

import (
	"quotaline/internal/domain"
	"quotaline/internal/engine"
	"quotaline/internal/progress"
)

// Request payloads

type CreateProjectRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type CreateStageRequest struct {
	Name string `json:"name"`
	Seq  int    `json:"seq"`
}

type CreatePoolRequest struct {
	StageID    int64  `json:"stage_id"`
	Name       string `json:"name"`
	TotalQuota int64  `json:"total_quota"`
}

type CreateUserRequest struct {
	Name string `json:"name"`
}

type CreateAllocationRequest struct {
	PoolID      int64 `json:"pool_id"`
	UserID      int64 `json:"user_id"`
	TargetQuota int64 `json:"target_quota"`
}

type UpdateTargetRequest struct {
	TargetQuota int64 `json:"target_quota"`
}

type SubmitReportRequest struct {
	AllocationID    int64  `json:"allocation_id"`
	LogDate         string `json:"log_date" format:"date"`
	ValidQty        int64  `json:"valid_qty"`
	ExcludedQty     int64  `json:"excluded_qty,omitempty"`
	ExclusionReason string `json:"exclusion_reason,omitempty" enum:",source_corrupt,duplicate,missing_info,illegible,other"`
	Comment         string `json:"comment,omitempty"`
	Backfill        bool   `json:"backfill,omitempty"`
	SubmissionKey   string `json:"submission_key,omitempty"`
}

type AdjustQuotaRequest struct {
	NewQuota int64  `json:"new_quota"`
	Reason   string `json:"reason"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type AllocationResponse struct {
	domain.Allocation
	OverAllocated bool  `json:"over_allocated,omitempty"`
	ActiveTargets int64 `json:"active_targets,omitempty"`
	PoolQuota     int64 `json:"pool_quota,omitempty"`
}

type ReportResponse struct {
	Log          domain.ReportLog  `json:"log"`
	Allocation   domain.Allocation `json:"allocation"`
	Progress     progress.Snapshot `json:"progress"`
	Pool         domain.TaskPool   `json:"pool"`
	PoolProgress progress.Snapshot `json:"pool_progress"`
}

type AdjustQuotaResponse struct {
	Adjustment domain.QuotaAdjustment `json:"adjustment"`
	Pool       domain.TaskPool        `json:"pool"`
	Preview    progress.Snapshot      `json:"preview"`
}

type UpdateTargetResponse struct {
	Allocation domain.Allocation `json:"allocation"`
	Progress   progress.Snapshot `json:"progress"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Envelope bodies for single entities and lists.

type domainProjectBody struct {
	Project domain.Project `json:"project"`
}

type projectListBody struct {
	Projects []domain.Project `json:"projects"`
}

type domainStageBody struct {
	Stage domain.Stage `json:"stage"`
}

type stageListBody struct {
	Stages []domain.Stage `json:"stages"`
}

type domainPoolBody struct {
	Pool domain.TaskPool `json:"pool"`
}

type domainUserBody struct {
	User domain.User `json:"user"`
}

type domainAllocationBody struct {
	Allocation domain.Allocation `json:"allocation"`
}

type allocationListBody struct {
	Allocations []domain.Allocation `json:"allocations"`
}

type adjustmentListBody struct {
	Adjustments []domain.QuotaAdjustment `json:"adjustments"`
}

type myAllocationsBody struct {
	Allocations []engine.MyAllocation `json:"allocations"`
}

type reportListBody struct {
	Reports []domain.ReportLog `json:"reports"`
}

func reportResponse(r engine.ReportResult) ReportResponse {
	return ReportResponse{
		Log:          r.Log,
		Allocation:   r.Allocation,
		Progress:     r.Progress,
		Pool:         r.Pool,
		PoolProgress: r.PoolProgress,
	}
}

func allocationResponse(r engine.CreateAllocationResult) AllocationResponse {
	return AllocationResponse{
		Allocation:    r.Allocation,
		OverAllocated: r.OverAllocated,
		ActiveTargets: r.ActiveTargets,
		PoolQuota:     r.PoolQuota,
	}
}
