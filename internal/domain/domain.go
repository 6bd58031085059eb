package domain

// Status values shared by pools and allocations.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Report log states.
const (
	ReportActive   = "active"
	ReportReverted = "reverted"
)

// Exclusion reasons accepted on a report with excluded output.
const (
	ReasonSourceCorrupt = "source_corrupt"
	ReasonDuplicate     = "duplicate"
	ReasonMissingInfo   = "missing_info"
	ReasonIllegible     = "illegible"
	ReasonOther         = "other"
)

// ExclusionReasons is the fixed enumeration, in catalog order.
var ExclusionReasons = []string{
	ReasonSourceCorrupt,
	ReasonDuplicate,
	ReasonMissingInfo,
	ReasonIllegible,
	ReasonOther,
}

// ValidExclusionReason reports whether r is part of the catalog.
func ValidExclusionReason(r string) bool {
	for _, known := range ExclusionReasons {
		if r == known {
			return true
		}
	}
	return false
}

type Project struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Stage struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Seq       int    `json:"seq"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskPool is the aggregation root for allocations. AggValid and
// AggExcluded mirror the sum of every non-reverted report delta under the
// pool; they move in the same transaction as the allocation counters.
type TaskPool struct {
	ID          int64  `json:"id"`
	StageID     int64  `json:"stage_id"`
	Name        string `json:"name"`
	TotalQuota  int64  `json:"total_quota"`
	AggValid    int64  `json:"agg_valid"`
	AggExcluded int64  `json:"agg_excluded"`
	Status      string `json:"status" enum:"active,disabled"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Allocation binds one user to one pool. TargetQuota is the personal
// denominator; it is never subtracted from the pool quota.
type Allocation struct {
	ID              int64  `json:"id"`
	PoolID          int64  `json:"pool_id"`
	UserID          int64  `json:"user_id"`
	TargetQuota     int64  `json:"target_quota"`
	CurrentValid    int64  `json:"current_valid"`
	CurrentExcluded int64  `json:"current_excluded"`
	Status          string `json:"status" enum:"active,disabled"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// ReportLog is one production report. Quantities are deltas, never
// absolutes. A reverted log keeps its original quantities and gains a
// reverted_at timestamp; it is never edited or deleted.
type ReportLog struct {
	ID              int64   `json:"id"`
	AllocationID    int64   `json:"allocation_id"`
	PoolID          int64   `json:"pool_id"`
	LogDate         string  `json:"log_date" format:"date"`
	ValidQty        int64   `json:"valid_qty"`
	ExcludedQty     int64   `json:"excluded_qty"`
	ExclusionReason *string `json:"exclusion_reason,omitempty" enum:"source_corrupt,duplicate,missing_info,illegible,other"`
	Comment         *string `json:"comment,omitempty"`
	Backfill        bool    `json:"backfill"`
	Status          string  `json:"status" enum:"active,reverted"`
	SubmissionKey   string  `json:"submission_key"`
	ActorID         string  `json:"actor_id"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	RevertedAt      *string `json:"reverted_at,omitempty" format:"date-time"`
}

// QuotaAdjustment is the immutable audit record of one pool quota change.
type QuotaAdjustment struct {
	ID            int64  `json:"id"`
	PoolID        int64  `json:"pool_id"`
	PreviousQuota int64  `json:"previous_quota"`
	NewQuota      int64  `json:"new_quota"`
	Reason        string `json:"reason"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
