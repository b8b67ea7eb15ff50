//go:build integration

package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/testhelpers"
)

func setupInsightTest(t *testing.T) InsightRepository {
	t.Helper()
	db := testhelpers.GetTestDB(t)
	testhelpers.TruncateAll(t, db)
	return NewInsightRepository(db.DB)
}

func testInsight(productID string, typ models.InsightType, valueTag string) *models.Insight {
	conf := 0.85
	return &models.Insight{
		ProductID:    productID,
		Type:         typ,
		ValueTag:     valueTag,
		Confidence:   &conf,
		PredictorID:  "neural-categorizer",
		Priority:     3,
		ServerDomain: testServerDomain,
	}
}

func createInsight(t *testing.T, repo InsightRepository, insight *models.Insight) *models.Insight {
	t.Helper()
	err := repo.ApplyPlan(context.Background(), &models.ReconciliationPlan{
		ProductID:    insight.ProductID,
		ServerDomain: insight.ServerDomain,
		Create:       []*models.Insight{insight},
	})
	require.NoError(t, err)
	return insight
}

func TestInsightRepository_ApplyPlan_Create(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	insight := testInsight("p1", models.InsightTypeCategory, "en:yogurts")
	insight.Campaigns = []string{"summer-push"}
	insight.Supersedes = []uuid.UUID{uuid.New()}
	automatic := true
	insight.AutomaticProcessing = &automatic
	createInsight(t, repo, insight)

	got, err := repo.GetByID(ctx, insight.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProductID)
	assert.Equal(t, []string{"summer-push"}, got.Campaigns)
	assert.Equal(t, insight.Supersedes, got.Supersedes)
	require.NotNil(t, got.AutomaticProcessing)
	assert.True(t, *got.AutomaticProcessing)
	assert.Equal(t, models.InsightStatusPending, got.Status())
}

func TestInsightRepository_ApplyPlan_Update(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	insight := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))

	better := 0.95
	updated := *insight
	updated.Confidence = &better
	updated.PredictorVersion = "2.0"
	err := repo.ApplyPlan(ctx, &models.ReconciliationPlan{Update: []*models.Insight{&updated}})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, insight.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, *got.Confidence, 1e-9)
	assert.Equal(t, "2.0", got.PredictorVersion)
}

func TestInsightRepository_ApplyPlan_UpdateSkipsAnnotated(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	insight := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))
	_, err := repo.Annotate(ctx, AnnotateParams{ID: insight.ID, Annotation: models.AnnotationAccept, AnnotatedBy: "reviewer-1"})
	require.NoError(t, err)

	better := 0.99
	updated := *insight
	updated.Confidence = &better
	// The conditional update matches no row but the plan itself succeeds.
	require.NoError(t, repo.ApplyPlan(ctx, &models.ReconciliationPlan{Update: []*models.Insight{&updated}}))

	got, err := repo.GetByID(ctx, insight.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, *got.Confidence, 1e-9)
}

func TestInsightRepository_ApplyPlan_MarkObsolete(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	pending := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))
	annotated := createInsight(t, repo, testInsight("p1", models.InsightTypeBrand, "acme"))
	_, err := repo.Annotate(ctx, AnnotateParams{ID: annotated.ID, Annotation: models.AnnotationAccept, AnnotatedBy: "reviewer-1"})
	require.NoError(t, err)

	err = repo.ApplyPlan(ctx, &models.ReconciliationPlan{
		MarkObsolete: []uuid.UUID{pending.ID, annotated.ID},
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, got.Obsolete)

	// Annotated insights survive obsoletion sweeps.
	kept, err := repo.GetByID(ctx, annotated.ID)
	require.NoError(t, err)
	assert.False(t, kept.Obsolete)
}

func TestInsightRepository_Annotate(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	insight := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))

	got, err := repo.Annotate(ctx, AnnotateParams{
		ID:          insight.ID,
		Annotation:  models.AnnotationAccept,
		AnnotatedBy: "reviewer-1",
	})
	require.NoError(t, err)
	require.NotNil(t, got.Annotation)
	assert.Equal(t, models.AnnotationAccept, *got.Annotation)
	assert.Equal(t, "reviewer-1", *got.AnnotatedBy)
	assert.NotNil(t, got.AnnotatedAt)
	assert.Equal(t, models.InsightStatusAnnotated, got.Status())
}

func TestInsightRepository_Annotate_WriteOnce(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	insight := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))
	_, err := repo.Annotate(ctx, AnnotateParams{ID: insight.ID, Annotation: models.AnnotationAccept, AnnotatedBy: "reviewer-1"})
	require.NoError(t, err)

	_, err = repo.Annotate(ctx, AnnotateParams{ID: insight.ID, Annotation: models.AnnotationReject, AnnotatedBy: "reviewer-2"})
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyAnnotated))

	got, err := repo.GetByID(ctx, insight.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", *got.AnnotatedBy)
}

func TestInsightRepository_Annotate_ObsoleteConflicts(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	insight := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))
	require.NoError(t, repo.ApplyPlan(ctx, &models.ReconciliationPlan{MarkObsolete: []uuid.UUID{insight.ID}}))

	_, err := repo.Annotate(ctx, AnnotateParams{ID: insight.ID, Annotation: models.AnnotationAccept, AnnotatedBy: "reviewer-1"})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestInsightRepository_Annotate_NotFound(t *testing.T) {
	repo := setupInsightTest(t)

	_, err := repo.Annotate(context.Background(), AnnotateParams{
		ID: uuid.New(), Annotation: models.AnnotationAccept, AnnotatedBy: "reviewer-1",
	})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestInsightRepository_Annotate_CorrectionReplacesData(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	insight := testInsight("p1", models.InsightTypeProductWeight, "500-g")
	insight.Data = json.RawMessage(`{"value": 500, "unit": "g"}`)
	createInsight(t, repo, insight)

	got, err := repo.Annotate(ctx, AnnotateParams{
		ID:            insight.ID,
		Annotation:    models.AnnotationCorrect,
		AnnotatedBy:   "reviewer-1",
		CorrectedData: json.RawMessage(`{"value": 450, "unit": "g"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value": 450, "unit": "g"}`, string(got.Data))
}

func TestInsightRepository_Annotate_RejectsNonTerminal(t *testing.T) {
	repo := setupInsightTest(t)

	_, err := repo.Annotate(context.Background(), AnnotateParams{
		ID: uuid.New(), Annotation: models.AnnotationUnknown, AnnotatedBy: "reviewer-1",
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestInsightRepository_ListByProduct_ExcludesObsolete(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	kept := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))
	gone := createInsight(t, repo, testInsight("p1", models.InsightTypeBrand, "acme"))
	require.NoError(t, repo.ApplyPlan(ctx, &models.ReconciliationPlan{MarkObsolete: []uuid.UUID{gone.ID}}))

	got, err := repo.ListByProduct(ctx, "p1", testServerDomain)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, kept.ID, got[0].ID)
}

func TestInsightRepository_ListPending(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	low := testInsight("p1", models.InsightTypeProductWeight, "500-g")
	low.Priority = 1
	high := testInsight("p2", models.InsightTypeCategory, "en:yogurts")
	high.Priority = 5
	high.Campaigns = []string{"summer-push"}
	closed := testInsight("p3", models.InsightTypeBrand, "acme")
	for _, i := range []*models.Insight{low, high, closed} {
		createInsight(t, repo, i)
	}
	_, err := repo.Annotate(ctx, AnnotateParams{ID: closed.ID, Annotation: models.AnnotationAccept, AnnotatedBy: "reviewer-1"})
	require.NoError(t, err)

	all, err := repo.ListPending(ctx, QuestionFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, high.ID, all[0].ID, "highest priority first")
	assert.Equal(t, low.ID, all[1].ID)

	byType, err := repo.ListPending(ctx, QuestionFilters{Types: []models.InsightType{models.InsightTypeCategory}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, high.ID, byType[0].ID)

	byCampaign, err := repo.ListPending(ctx, QuestionFilters{Campaign: "summer-push"})
	require.NoError(t, err)
	require.Len(t, byCampaign, 1)

	minConf := 0.9
	byConfidence, err := repo.ListPending(ctx, QuestionFilters{MinConfidence: &minConf})
	require.NoError(t, err)
	assert.Empty(t, byConfidence)

	limited, err := repo.ListPending(ctx, QuestionFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestInsightRepository_ListPending_AnonymousQuota(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))

	db := testhelpers.GetTestDB(t)
	_, err := db.Pool.Exec(ctx, `UPDATE insights SET anonymous_votes = 10`)
	require.NoError(t, err)

	quota, err := repo.ListPending(ctx, QuestionFilters{MaxAnonymousVotes: 10})
	require.NoError(t, err)
	assert.Empty(t, quota)

	unfiltered, err := repo.ListPending(ctx, QuestionFilters{})
	require.NoError(t, err)
	assert.Len(t, unfiltered, 1)
}

func TestInsightRepository_ListAutomaticPending(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	automatic := true
	manual := false

	eligible := testInsight("p1", models.InsightTypeCategory, "en:yogurts")
	eligible.AutomaticProcessing = &automatic
	excluded := testInsight("p2", models.InsightTypeCategory, "en:dairy")
	excluded.AutomaticProcessing = &manual
	undecided := testInsight("p3", models.InsightTypeCategory, "en:cheeses")
	for _, i := range []*models.Insight{eligible, excluded, undecided} {
		createInsight(t, repo, i)
	}

	got, err := repo.ListAutomaticPending(ctx, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eligible.ID, got[0].ID)
}

func TestInsightRepository_DeleteNonAnnotated(t *testing.T) {
	repo := setupInsightTest(t)
	ctx := context.Background()

	pending := createInsight(t, repo, testInsight("p1", models.InsightTypeCategory, "en:yogurts"))
	require.NoError(t, repo.DeleteNonAnnotated(ctx, pending.ID))
	_, err := repo.GetByID(ctx, pending.ID)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	annotated := createInsight(t, repo, testInsight("p2", models.InsightTypeBrand, "acme"))
	_, err = repo.Annotate(ctx, AnnotateParams{ID: annotated.ID, Annotation: models.AnnotationAccept, AnnotatedBy: "reviewer-1"})
	require.NoError(t, err)

	err = repo.DeleteNonAnnotated(ctx, annotated.ID)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyAnnotated))
}
