package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/repositories"
	"github.com/shelfsight/insight-engine/pkg/services"
)

// ============================================================================
// Service Mocks
// ============================================================================

type mockAnnotationService struct {
	result *services.AnnotateResult
	err    error
	votes  []*models.Vote

	annotateCalls []services.AnnotateRequest
	voteCalls     []services.AnnotateRequest
}

func (m *mockAnnotationService) Annotate(ctx context.Context, req services.AnnotateRequest) (*services.AnnotateResult, error) {
	m.annotateCalls = append(m.annotateCalls, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockAnnotationService) Vote(ctx context.Context, req services.AnnotateRequest) (*services.AnnotateResult, error) {
	m.voteCalls = append(m.voteCalls, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockAnnotationService) Votes(ctx context.Context, insightID uuid.UUID) ([]*models.Vote, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.votes, nil
}

type mockQuestionService struct {
	page    *services.QuestionPage
	err     error
	lastReq services.QuestionRequest
}

func (m *mockQuestionService) ListQuestions(ctx context.Context, req services.QuestionRequest) (*services.QuestionPage, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.page, nil
}

type mockImportService struct {
	report *services.ImportReport
	err    error

	refreshErr    error
	refreshCalls  []string
	lastBatch     *services.PredictionBatch
	refreshDomain string
}

func (m *mockImportService) ImportBatch(ctx context.Context, batch *services.PredictionBatch) (*services.ImportReport, error) {
	m.lastBatch = batch
	if m.err != nil {
		return nil, m.err
	}
	return m.report, nil
}

func (m *mockImportService) RefreshProduct(ctx context.Context, productID, serverDomain string) error {
	m.refreshCalls = append(m.refreshCalls, productID)
	m.refreshDomain = serverDomain
	return m.refreshErr
}

// ============================================================================
// Repository Mocks
// ============================================================================

type mockInsightStore struct {
	insights map[uuid.UUID]*models.Insight
	err      error

	deleted []uuid.UUID
}

var _ repositories.InsightRepository = (*mockInsightStore)(nil)

func newMockInsightStore() *mockInsightStore {
	return &mockInsightStore{insights: make(map[uuid.UUID]*models.Insight)}
}

func (m *mockInsightStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Insight, error) {
	if m.err != nil {
		return nil, m.err
	}
	insight, ok := m.insights[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return insight, nil
}

func (m *mockInsightStore) ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Insight, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Insight
	for _, insight := range m.insights {
		if insight.ProductID == productID && insight.ServerDomain == serverDomain && !insight.Obsolete {
			out = append(out, insight)
		}
	}
	return out, nil
}

func (m *mockInsightStore) ApplyPlan(ctx context.Context, plan *models.ReconciliationPlan) error {
	return m.err
}

func (m *mockInsightStore) Annotate(ctx context.Context, params repositories.AnnotateParams) (*models.Insight, error) {
	return nil, m.err
}

func (m *mockInsightStore) ListPending(ctx context.Context, filters repositories.QuestionFilters) ([]*models.Insight, error) {
	return nil, m.err
}

func (m *mockInsightStore) ListAutomaticPending(ctx context.Context, limit int) ([]*models.Insight, error) {
	return nil, m.err
}

func (m *mockInsightStore) DeleteNonAnnotated(ctx context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	insight, ok := m.insights[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if insight.IsAnnotated() {
		return apperrors.ErrAlreadyAnnotated
	}
	delete(m.insights, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type mockPredictionStore struct {
	touched []repositories.ProductRef
	err     error

	deletedRefs []string
}

var _ repositories.PredictionRepository = (*mockPredictionStore)(nil)

func (m *mockPredictionStore) Create(ctx context.Context, prediction *models.Prediction) error {
	return m.err
}

func (m *mockPredictionStore) CreateBatch(ctx context.Context, predictions []*models.Prediction) error {
	return m.err
}

func (m *mockPredictionStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Prediction, error) {
	return nil, apperrors.ErrNotFound
}

func (m *mockPredictionStore) ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Prediction, error) {
	return nil, m.err
}

func (m *mockPredictionStore) DeleteBySourceRef(ctx context.Context, sourceRef string) ([]repositories.ProductRef, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.deletedRefs = append(m.deletedRefs, sourceRef)
	return m.touched, nil
}
