package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/repositories"
	"github.com/shelfsight/insight-engine/pkg/taxonomy"
)

// ============================================================================
// Mock Implementations for Service Tests
// ============================================================================

type mockPredictionRepo struct {
	mu          sync.Mutex
	predictions []*models.Prediction
	createErr   error
	listErr     error
}

func newMockPredictionRepo() *mockPredictionRepo {
	return &mockPredictionRepo{}
}

func (m *mockPredictionRepo) Create(ctx context.Context, prediction *models.Prediction) error {
	return m.CreateBatch(ctx, []*models.Prediction{prediction})
}

func (m *mockPredictionRepo) CreateBatch(ctx context.Context, predictions []*models.Prediction) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range predictions {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		m.predictions = append(m.predictions, p)
	}
	return nil
}

func (m *mockPredictionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.predictions {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockPredictionRepo) ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Prediction, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Prediction
	for _, p := range m.predictions {
		if p.ProductID == productID && p.ServerDomain == serverDomain {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *mockPredictionRepo) DeleteBySourceRef(ctx context.Context, sourceRef string) ([]repositories.ProductRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[repositories.ProductRef]bool)
	var touched []repositories.ProductRef
	var kept []*models.Prediction
	for _, p := range m.predictions {
		if p.SourceRef != sourceRef {
			kept = append(kept, p)
			continue
		}
		ref := repositories.ProductRef{ProductID: p.ProductID, ServerDomain: p.ServerDomain}
		if !seen[ref] {
			seen[ref] = true
			touched = append(touched, ref)
		}
	}
	m.predictions = kept
	return touched, nil
}

type mockInsightRepo struct {
	mu           sync.Mutex
	insights     map[uuid.UUID]*models.Insight
	appliedPlans []*models.ReconciliationPlan
	applyErr     error
	annotateErr  error
	listErr      error
}

func newMockInsightRepo() *mockInsightRepo {
	return &mockInsightRepo{insights: make(map[uuid.UUID]*models.Insight)}
}

func (m *mockInsightRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	insight, ok := m.insights[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return insight, nil
}

func (m *mockInsightRepo) ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Insight, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Insight
	for _, insight := range m.insights {
		if insight.ProductID == productID && insight.ServerDomain == serverDomain && !insight.Obsolete {
			result = append(result, insight)
		}
	}
	return result, nil
}

func (m *mockInsightRepo) ApplyPlan(ctx context.Context, plan *models.ReconciliationPlan) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliedPlans = append(m.appliedPlans, plan)

	now := time.Now()
	for _, insight := range plan.Create {
		if insight.ID == uuid.Nil {
			insight.ID = uuid.New()
		}
		insight.CreatedAt = now
		insight.UpdatedAt = now
		m.insights[insight.ID] = insight
	}
	for _, insight := range plan.Update {
		stored, ok := m.insights[insight.ID]
		if !ok || stored.IsAnnotated() || stored.Obsolete {
			continue
		}
		insight.CreatedAt = stored.CreatedAt
		insight.UpdatedAt = now
		m.insights[insight.ID] = insight
	}
	for _, id := range plan.MarkObsolete {
		if stored, ok := m.insights[id]; ok && !stored.IsAnnotated() {
			stored.Obsolete = true
		}
	}
	return nil
}

func (m *mockInsightRepo) Annotate(ctx context.Context, params repositories.AnnotateParams) (*models.Insight, error) {
	if m.annotateErr != nil {
		return nil, m.annotateErr
	}
	if !params.Annotation.IsTerminal() {
		return nil, apperrors.NewValidationError("annotation", "must be a terminal value")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	insight, ok := m.insights[params.ID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if insight.IsAnnotated() {
		return nil, apperrors.ErrAlreadyAnnotated
	}
	if insight.Obsolete {
		return nil, apperrors.ErrConflict
	}
	now := time.Now()
	annotation := params.Annotation
	annotatedBy := params.AnnotatedBy
	insight.Annotation = &annotation
	insight.AnnotatedBy = &annotatedBy
	insight.AnnotatedAt = &now
	insight.AutoApplied = params.AutoApplied
	if len(params.CorrectedData) > 0 {
		insight.Data = params.CorrectedData
	}
	return insight, nil
}

func (m *mockInsightRepo) ListPending(ctx context.Context, filters repositories.QuestionFilters) ([]*models.Insight, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Insight
	for _, insight := range m.insights {
		if !insight.IsPending() {
			continue
		}
		if filters.MaxAnonymousVotes > 0 && insight.AnonymousVotes >= filters.MaxAnonymousVotes {
			continue
		}
		if len(filters.Types) > 0 && !containsType(filters.Types, insight.Type) {
			continue
		}
		result = append(result, insight)
	}
	sortPending(result)
	if filters.Limit > 0 && len(result) > filters.Limit {
		result = result[:filters.Limit]
	}
	return result, nil
}

func (m *mockInsightRepo) ListAutomaticPending(ctx context.Context, limit int) ([]*models.Insight, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Insight
	for _, insight := range m.insights {
		if insight.IsPending() && insight.AutomaticProcessing != nil && *insight.AutomaticProcessing {
			result = append(result, insight)
		}
	}
	sortPending(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockInsightRepo) DeleteNonAnnotated(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insight, ok := m.insights[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if insight.IsAnnotated() {
		return apperrors.ErrAlreadyAnnotated
	}
	delete(m.insights, id)
	return nil
}

func containsType(types []models.InsightType, t models.InsightType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// sortPending orders by priority descending, then creation time, matching
// the repository's query ordering.
func sortPending(insights []*models.Insight) {
	for i := 1; i < len(insights); i++ {
		for j := i; j > 0; j-- {
			a, b := insights[j-1], insights[j]
			if a.Priority > b.Priority || (a.Priority == b.Priority && !a.CreatedAt.After(b.CreatedAt)) {
				break
			}
			insights[j-1], insights[j] = b, a
		}
	}
}

type mockVoteRepo struct {
	mu         sync.Mutex
	castCalls  []*models.Vote
	castResult *repositories.CastResult
	castErr    error
	votes      map[uuid.UUID][]*models.Vote
}

func newMockVoteRepo() *mockVoteRepo {
	return &mockVoteRepo{votes: make(map[uuid.UUID][]*models.Vote)}
}

func (m *mockVoteRepo) CastVote(ctx context.Context, vote *models.Vote, policy repositories.CascadePolicy) (*repositories.CastResult, error) {
	if err := vote.Validate(); err != nil {
		return nil, err
	}
	if m.castErr != nil {
		return nil, m.castErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.castCalls = append(m.castCalls, vote)
	m.votes[vote.InsightID] = append(m.votes[vote.InsightID], vote)
	return m.castResult, nil
}

func (m *mockVoteRepo) ListByInsight(ctx context.Context, insightID uuid.UUID) ([]*models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.votes[insightID], nil
}

type mockNotifier struct {
	mu       sync.Mutex
	notified []uuid.UUID
	err      error
}

func (m *mockNotifier) NotifyApplied(ctx context.Context, insight *models.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, insight.ID)
	return m.err
}

type mockResolver struct {
	nodes map[string]*taxonomy.Node // keyed by taxonomyName + "/" + tag
	err   error
}

func newMockResolver() *mockResolver {
	return &mockResolver{nodes: make(map[string]*taxonomy.Node)}
}

func (m *mockResolver) add(taxonomyName, tag, canonical string) {
	m.nodes[taxonomyName+"/"+tag] = &taxonomy.Node{Tag: tag, CanonicalTag: canonical}
}

func (m *mockResolver) Resolve(ctx context.Context, taxonomyName, tag string) (*taxonomy.Node, error) {
	if m.err != nil {
		return nil, m.err
	}
	node, ok := m.nodes[taxonomyName+"/"+tag]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return node, nil
}
