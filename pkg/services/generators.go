package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/taxonomy"
)

// ============================================================================
// Candidate model
// ============================================================================

// Candidate is a proposed insight state produced from one product's
// predictions, not yet committed.
type Candidate struct {
	Insight *models.Insight

	// Hint carries the strongest automatic_processing_hint among the
	// predictions backing this candidate.
	Hint bool
}

// ============================================================================
// Generator registry
// ============================================================================

// TypePolicy is the per-insight-type generation and processing policy.
type TypePolicy struct {
	// ConfidenceFloor drops predictions below this confidence.
	ConfidenceFloor float64
	// AutoThreshold is the minimum confidence for unattended application.
	AutoThreshold float64
	// MutuallyExclusive declares that two active insights of this type with
	// different value tags may not coexist.
	MutuallyExclusive bool
	// Priority orders questions; higher is served first.
	Priority int
}

// CandidateGenerator turns a set of predictions of one type for one product
// into zero or more candidates. Implementations must be pure functions of
// their inputs so import runs are replayable.
type CandidateGenerator interface {
	Type() models.InsightType
	Policy() TypePolicy
	GenerateCandidates(ctx context.Context, productID string, predictions []*models.Prediction) ([]*Candidate, error)
}

// GeneratorRegistry dispatches candidate generation by insight type tag.
type GeneratorRegistry struct {
	generators map[models.InsightType]CandidateGenerator
}

// NewGeneratorRegistry creates a registry with the default generator set.
// The taxonomy resolver is injected; generators hold no global state.
func NewGeneratorRegistry(resolver taxonomy.Resolver) *GeneratorRegistry {
	r := &GeneratorRegistry{generators: make(map[models.InsightType]CandidateGenerator)}

	r.Register(newTaxonomyGenerator(models.InsightTypeCategory, resolver, TypePolicy{
		ConfidenceFloor:   0.5,
		AutoThreshold:     0.9,
		MutuallyExclusive: false,
		Priority:          5,
	}))
	r.Register(newTaxonomyGenerator(models.InsightTypeBrand, resolver, TypePolicy{
		ConfidenceFloor:   0.5,
		AutoThreshold:     0.9,
		MutuallyExclusive: false,
		Priority:          4,
	}))
	r.Register(newTaxonomyGenerator(models.InsightTypeLabel, resolver, TypePolicy{
		ConfidenceFloor:   0.6,
		AutoThreshold:     0.95,
		MutuallyExclusive: false,
		Priority:          3,
	}))
	r.Register(newTaxonomyGenerator(models.InsightTypePackaging, resolver, TypePolicy{
		ConfidenceFloor:   0.5,
		AutoThreshold:     0.95,
		MutuallyExclusive: false,
		Priority:          2,
	}))
	r.Register(newWeightGenerator(TypePolicy{
		ConfidenceFloor:   0.6,
		AutoThreshold:     0.99,
		MutuallyExclusive: true, // a product has one net weight
		Priority:          1,
	}))

	return r
}

// Register adds or replaces the generator for its type.
func (r *GeneratorRegistry) Register(g CandidateGenerator) {
	r.generators[g.Type()] = g
}

// Get returns the generator for the given type.
func (r *GeneratorRegistry) Get(t models.InsightType) (CandidateGenerator, bool) {
	g, ok := r.generators[t]
	return g, ok
}

// Types returns the registered insight types in stable order.
func (r *GeneratorRegistry) Types() []models.InsightType {
	types := make([]models.InsightType, 0, len(r.generators))
	for t := range r.generators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ============================================================================
// Taxonomy-backed generator
// ============================================================================

// taxonomyGenerator handles insight types whose value tags live in a
// taxonomy (category, brand, label, packaging). Predictions that agree on a
// value tag are merged into one candidate carrying the combined evidence.
type taxonomyGenerator struct {
	insightType models.InsightType
	resolver    taxonomy.Resolver
	policy      TypePolicy
}

func newTaxonomyGenerator(t models.InsightType, resolver taxonomy.Resolver, policy TypePolicy) *taxonomyGenerator {
	return &taxonomyGenerator{insightType: t, resolver: resolver, policy: policy}
}

var _ CandidateGenerator = (*taxonomyGenerator)(nil)

func (g *taxonomyGenerator) Type() models.InsightType { return g.insightType }
func (g *taxonomyGenerator) Policy() TypePolicy       { return g.policy }

func (g *taxonomyGenerator) GenerateCandidates(ctx context.Context, productID string, predictions []*models.Prediction) ([]*Candidate, error) {
	taxonomyName := taxonomy.TaxonomyForType(string(g.insightType))

	// Merge agreeing predictions per value tag.
	byTag := make(map[string][]*models.Prediction)
	var tags []string
	for _, p := range predictions {
		if p.Type != g.insightType || p.ValueTag == "" {
			continue
		}
		if p.Confidence != nil && *p.Confidence < g.policy.ConfidenceFloor {
			continue
		}
		if _, seen := byTag[p.ValueTag]; !seen {
			tags = append(tags, p.ValueTag)
		}
		byTag[p.ValueTag] = append(byTag[p.ValueTag], p)
	}
	sort.Strings(tags)

	var candidates []*Candidate
	for _, tag := range tags {
		node, err := g.resolver.Resolve(ctx, taxonomyName, tag)
		if errors.Is(err, apperrors.ErrNotFound) {
			// Retired or unknown tag: drop the predictions referencing it.
			continue
		}
		if err != nil {
			// Taxonomy unreachable fails this type open for the run.
			return nil, fmt.Errorf("%w: resolve %s tag %s: %v",
				apperrors.ErrExternalDependency, g.insightType, tag, err)
		}

		candidates = append(candidates, g.merge(productID, node, byTag[tag]))
	}
	return candidates, nil
}

// merge combines agreeing predictions into one candidate: the best
// confidence wins the value and payload, every prediction contributes to the
// supersedes evidence, and the automatic hint holds if any source set it.
func (g *taxonomyGenerator) merge(productID string, node *taxonomy.Node, predictions []*models.Prediction) *Candidate {
	best := predictions[0]
	for _, p := range predictions[1:] {
		if p.ConfidenceOrZero() > best.ConfidenceOrZero() {
			best = p
		}
	}

	insight := &models.Insight{
		ProductID:        productID,
		Type:             g.insightType,
		Value:            best.Value,
		ValueTag:         node.CanonicalTag,
		Data:             best.Data,
		Confidence:       best.Confidence,
		PredictorID:      best.PredictorID,
		PredictorVersion: best.PredictorVersion,
		Priority:         g.policy.Priority,
		ServerDomain:     best.ServerDomain,
	}

	hint := false
	for _, p := range predictions {
		insight.Supersedes = append(insight.Supersedes, p.ID)
		hint = hint || p.AutomaticHint
	}

	return &Candidate{Insight: insight, Hint: hint}
}

// ============================================================================
// Weight generator
// ============================================================================

// weightGenerator handles product_weight insights extracted from OCR. The
// value is free text; the structured payload carries the parsed quantity.
type weightGenerator struct {
	policy TypePolicy
}

func newWeightGenerator(policy TypePolicy) *weightGenerator {
	return &weightGenerator{policy: policy}
}

var _ CandidateGenerator = (*weightGenerator)(nil)

func (g *weightGenerator) Type() models.InsightType { return models.InsightTypeProductWeight }
func (g *weightGenerator) Policy() TypePolicy       { return g.policy }

func (g *weightGenerator) GenerateCandidates(ctx context.Context, productID string, predictions []*models.Prediction) ([]*Candidate, error) {
	var candidates []*Candidate
	for _, p := range predictions {
		if p.Type != models.InsightTypeProductWeight {
			continue
		}
		if p.Confidence != nil && *p.Confidence < g.policy.ConfidenceFloor {
			continue
		}

		var data models.WeightData
		if err := json.Unmarshal(p.Data, &data); err != nil || data.Validate() != nil {
			// Malformed weight payloads were rejected at ingestion; a stale
			// row that still fails here is dropped, not fatal.
			continue
		}

		candidates = append(candidates, &Candidate{
			Insight: &models.Insight{
				ProductID:        productID,
				Type:             models.InsightTypeProductWeight,
				Value:            p.Value,
				ValueTag:         fmt.Sprintf("%g-%s", data.Value, data.Unit),
				Data:             p.Data,
				Confidence:       p.Confidence,
				PredictorID:      p.PredictorID,
				PredictorVersion: p.PredictorVersion,
				Priority:         g.policy.Priority,
				ServerDomain:     p.ServerDomain,
				Supersedes:       []uuid.UUID{p.ID},
			},
			Hint: p.AutomaticHint,
		})
	}
	return candidates, nil
}
