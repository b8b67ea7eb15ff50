package services

import (
	"sort"

	"github.com/shelfsight/insight-engine/pkg/models"
)

// Reconciler diffs generated candidates against the stored insights of one
// product and produces the create/update/obsolete plan. It is a pure
// function of its inputs; all I/O happens before and after.
type Reconciler struct {
	registry *GeneratorRegistry
}

// NewReconciler creates a Reconciler using the registry's type policies.
func NewReconciler(registry *GeneratorRegistry) *Reconciler {
	return &Reconciler{registry: registry}
}

// Reconcile plans the changes needed to make the stored insight set reflect
// the candidates. coveredTypes names the types whose generators ran this
// run: insights of uncovered types are left untouched, so a taxonomy outage
// for one type never obsoletes another type's insights.
func (r *Reconciler) Reconcile(
	productID, serverDomain string,
	candidates []*Candidate,
	existing []*models.Insight,
	coveredTypes map[models.InsightType]bool,
) *models.ReconciliationPlan {
	plan := &models.ReconciliationPlan{ProductID: productID, ServerDomain: serverDomain}

	// Index stored active insights by dedup tuple.
	active := make(map[models.DedupeKey]*models.Insight)
	for _, ins := range existing {
		if !ins.Obsolete {
			active[ins.Key()] = ins
		}
	}

	candidates = r.applyExclusivity(candidates, plan)

	supported := make(map[models.DedupeKey]bool)
	for _, c := range candidates {
		key := c.Insight.Key()
		supported[key] = true

		stored, ok := active[key]
		if !ok {
			if r.blockedByExclusiveAnnotated(c, existing) {
				plan.Skipped++
				continue
			}
			c.Insight.AutomaticProcessing = r.decideAutomatic(c, existing)
			plan.Create = append(plan.Create, c.Insight)
			continue
		}

		// Annotated facts are immutable. Hard rule, not a heuristic.
		if stored.IsAnnotated() {
			plan.Skipped++
			continue
		}

		if replaces(c.Insight, stored) {
			c.Insight.ID = stored.ID
			c.Insight.AutomaticProcessing = r.decideAutomatic(c, existing)
			plan.Update = append(plan.Update, c.Insight)
		} else {
			plan.Skipped++
		}
	}

	// Stored non-annotated insights of covered types that no current
	// candidate supports have lost their evidence: soft-delete them.
	for key, stored := range active {
		if supported[key] || stored.IsAnnotated() || !coveredTypes[key.Type] {
			continue
		}
		plan.MarkObsolete = append(plan.MarkObsolete, stored.ID)
	}
	sort.Slice(plan.MarkObsolete, func(i, j int) bool {
		return plan.MarkObsolete[i].String() < plan.MarkObsolete[j].String()
	})

	return plan
}

// applyExclusivity enforces per-type mutual exclusion among candidates:
// disagreeing candidates of an exclusive type are not merged, only the
// highest-confidence one survives.
func (r *Reconciler) applyExclusivity(candidates []*Candidate, plan *models.ReconciliationPlan) []*Candidate {
	bestByType := make(map[models.InsightType]*Candidate)
	kept := candidates[:0:0]

	for _, c := range candidates {
		gen, ok := r.registry.Get(c.Insight.Type)
		if !ok || !gen.Policy().MutuallyExclusive {
			kept = append(kept, c)
			continue
		}
		best, seen := bestByType[c.Insight.Type]
		if !seen || confidence(c.Insight) > confidence(best.Insight) {
			bestByType[c.Insight.Type] = c
		}
		if seen {
			plan.Skipped++
		}
	}

	for _, t := range sortedTypes(bestByType) {
		kept = append(kept, bestByType[t])
	}
	return kept
}

// blockedByExclusiveAnnotated reports whether an annotated active insight of
// the same exclusive type (with a different value tag) forbids creating this
// candidate.
func (r *Reconciler) blockedByExclusiveAnnotated(c *Candidate, existing []*models.Insight) bool {
	gen, ok := r.registry.Get(c.Insight.Type)
	if !ok || !gen.Policy().MutuallyExclusive {
		return false
	}
	for _, ins := range existing {
		if ins.Type == c.Insight.Type && !ins.Obsolete && ins.IsAnnotated() &&
			ins.ValueTag != c.Insight.ValueTag && ins.IsActive() {
			return true
		}
	}
	return false
}

// decideAutomatic fixes the automatic-processing flag at creation time.
// Later evidence never retroactively downgrades an applied insight; a
// correcting insight is produced instead.
func (r *Reconciler) decideAutomatic(c *Candidate, existing []*models.Insight) *bool {
	decision := false
	gen, ok := r.registry.Get(c.Insight.Type)
	if ok &&
		c.Hint &&
		confidence(c.Insight) >= gen.Policy().AutoThreshold &&
		!r.humanAnnotatedConflict(c, existing) {
		decision = true
	}
	return &decision
}

// humanAnnotatedConflict reports whether a non-obsolete insight of the same
// type carries a human annotation that should keep the pipeline from acting
// unattended.
func (r *Reconciler) humanAnnotatedConflict(c *Candidate, existing []*models.Insight) bool {
	for _, ins := range existing {
		if ins.Type != c.Insight.Type || ins.Obsolete || !ins.IsAnnotated() {
			continue
		}
		if ins.AnnotatedBy != nil && *ins.AnnotatedBy == models.AutoAnnotator {
			continue
		}
		return true
	}
	return false
}

// replaces decides whether a candidate overrides a stored non-annotated
// insight: a newer predictor version wins, and within the same version a
// strictly higher confidence wins. Equal or lower authority is skipped, so
// re-imports are idempotent.
func replaces(candidate, stored *models.Insight) bool {
	if candidate.PredictorVersion != stored.PredictorVersion {
		return candidate.PredictorVersion > stored.PredictorVersion
	}
	return confidence(candidate) > confidence(stored)
}

func confidence(i *models.Insight) float64 {
	if i.Confidence == nil {
		return 0
	}
	return *i.Confidence
}

func sortedTypes(m map[models.InsightType]*Candidate) []models.InsightType {
	types := make([]models.InsightType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
