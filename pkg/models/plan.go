package models

import "github.com/google/uuid"

// PlanAction names what reconciliation decided for one candidate.
type PlanAction string

const (
	PlanActionCreate       PlanAction = "create"
	PlanActionUpdate       PlanAction = "update"
	PlanActionSkip         PlanAction = "skip"
	PlanActionMarkObsolete PlanAction = "mark_obsolete"
)

// ReconciliationPlan is the outcome of diffing generated candidates against
// the stored insights of one product. It is applied as a single transaction
// so readers never observe a partially-applied reconciliation.
type ReconciliationPlan struct {
	ProductID    string
	ServerDomain string

	// Create holds brand-new insights.
	Create []*Insight

	// Update holds replacement states for existing non-annotated insights;
	// each carries the stored insight's ID.
	Update []*Insight

	// MarkObsolete holds non-annotated insights no longer supported by any
	// current candidate (soft delete).
	MarkObsolete []uuid.UUID

	// Skipped counts candidates dropped by the dedup rules, for logging.
	Skipped int
}

// IsEmpty reports whether applying the plan would change nothing.
func (p *ReconciliationPlan) IsEmpty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.MarkObsolete) == 0
}
