package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/database"
	"github.com/shelfsight/insight-engine/pkg/models"
)

// QuestionFilters narrows the pending-insight pool served for review.
type QuestionFilters struct {
	Types         []models.InsightType
	Campaign      string
	Country       string
	Brand         string
	MinConfidence *float64
	ValueTag      string
	ServerDomain  string

	// MaxAnonymousVotes excludes insights whose anonymous-vote quota is
	// exhausted. Zero disables the quota filter.
	MaxAnonymousVotes int

	// ExcludedProducts removes reserved products from the pool.
	ExcludedProducts []string

	// Limit bounds the fetch window handed to the selector for shuffling.
	Limit int
}

// AnnotateParams carries one terminal annotation.
type AnnotateParams struct {
	ID            uuid.UUID
	Annotation    models.Annotation
	AnnotatedBy   string
	CorrectedData json.RawMessage
	AutoApplied   bool
}

// InsightRepository provides data access for insights. Terminal annotations
// are write-once: every mutation is conditioned on annotation IS NULL, so the
// automatic pipeline can never overwrite a human judgment.
type InsightRepository interface {
	// GetByID retrieves an insight by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Insight, error)

	// ListByProduct returns all non-obsolete insights for a product on a
	// server domain.
	ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Insight, error)

	// ApplyPlan applies a reconciliation plan in a single transaction.
	ApplyPlan(ctx context.Context, plan *models.ReconciliationPlan) error

	// Annotate records a terminal annotation if none exists yet. Returns
	// apperrors.ErrAlreadyAnnotated when a judgment was already recorded and
	// apperrors.ErrConflict when the insight is obsolete.
	Annotate(ctx context.Context, params AnnotateParams) (*models.Insight, error)

	// ListPending returns pending insights matching the filters, highest
	// priority first.
	ListPending(ctx context.Context, filters QuestionFilters) ([]*models.Insight, error)

	// ListAutomaticPending returns pending insights eligible for unattended
	// application, oldest first.
	ListAutomaticPending(ctx context.Context, limit int) ([]*models.Insight, error)

	// DeleteNonAnnotated removes a pending insight (administrative cleanup).
	// Annotated insights are never deleted.
	DeleteNonAnnotated(ctx context.Context, id uuid.UUID) error
}

type insightRepository struct {
	db *database.DB
}

// NewInsightRepository creates a new InsightRepository.
func NewInsightRepository(db *database.DB) InsightRepository {
	return &insightRepository{db: db}
}

var _ InsightRepository = (*insightRepository)(nil)

const insightColumns = `
	id, product_id, type, value, value_tag, data, confidence,
	predictor_id, predictor_version, priority, automatic_processing,
	annotation, annotated_by, annotated_at, auto_applied,
	campaigns, countries, brands, server_domain, obsolete, supersedes,
	anonymous_votes, created_at, updated_at`

const insertInsightQuery = `
	INSERT INTO insights (
		id, product_id, type, value, value_tag, data, confidence,
		predictor_id, predictor_version, priority, automatic_processing,
		campaigns, countries, brands, server_domain, supersedes,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

const updateInsightQuery = `
	UPDATE insights SET
		value = $2, data = $3, confidence = $4, predictor_id = $5,
		predictor_version = $6, priority = $7, automatic_processing = $8,
		campaigns = $9, countries = $10, brands = $11, supersedes = $12,
		updated_at = $13
	WHERE id = $1 AND annotation IS NULL AND NOT obsolete`

const obsoleteInsightQuery = `
	UPDATE insights SET obsolete = TRUE, updated_at = $2
	WHERE id = ANY($1) AND annotation IS NULL`

func (r *insightRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Insight, error) {
	row := r.db.QueryRow(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = $1`, id)

	insight, err := scanInsight(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get insight: %w", err)
	}
	return insight, nil
}

func (r *insightRepository) ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Insight, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+insightColumns+`
		 FROM insights
		 WHERE product_id = $1 AND server_domain = $2 AND NOT obsolete
		 ORDER BY created_at, id`,
		productID, serverDomain)
	if err != nil {
		return nil, fmt.Errorf("list insights by product: %w", err)
	}
	defer rows.Close()

	return collectInsights(rows)
}

func (r *insightRepository) ApplyPlan(ctx context.Context, plan *models.ReconciliationPlan) error {
	if plan.IsEmpty() {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin plan transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()

	for _, insight := range plan.Create {
		if insight.ID == uuid.Nil {
			insight.ID = uuid.New()
		}
		insight.CreatedAt = now
		insight.UpdatedAt = now
		_, err := tx.Exec(ctx, insertInsightQuery,
			insight.ID, insight.ProductID, string(insight.Type), insight.Value,
			insight.ValueTag, nullableJSON(insight.Data), insight.Confidence,
			insight.PredictorID, insight.PredictorVersion, insight.Priority,
			insight.AutomaticProcessing, textArray(insight.Campaigns),
			textArray(insight.Countries), textArray(insight.Brands),
			insight.ServerDomain, uuidArray(insight.Supersedes),
			insight.CreatedAt, insight.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert insight %s/%s: %w", insight.ProductID, insight.Type, err)
		}
	}

	for _, insight := range plan.Update {
		_, err := tx.Exec(ctx, updateInsightQuery,
			insight.ID, insight.Value, nullableJSON(insight.Data),
			insight.Confidence, insight.PredictorID, insight.PredictorVersion,
			insight.Priority, insight.AutomaticProcessing,
			textArray(insight.Campaigns), textArray(insight.Countries),
			textArray(insight.Brands), uuidArray(insight.Supersedes), now,
		)
		if err != nil {
			return fmt.Errorf("update insight %s: %w", insight.ID, err)
		}
	}

	if len(plan.MarkObsolete) > 0 {
		if _, err := tx.Exec(ctx, obsoleteInsightQuery, plan.MarkObsolete, now); err != nil {
			return fmt.Errorf("mark insights obsolete: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit plan transaction: %w", err)
	}
	return nil
}

func (r *insightRepository) Annotate(ctx context.Context, params AnnotateParams) (*models.Insight, error) {
	if !params.Annotation.IsTerminal() {
		return nil, apperrors.NewValidationError("annotation", "must be a terminal value")
	}

	row := r.db.QueryRow(ctx,
		`UPDATE insights SET
			annotation = $2, annotated_by = $3, annotated_at = $4,
			auto_applied = $5, data = COALESCE($6, data), updated_at = $4
		 WHERE id = $1 AND annotation IS NULL AND NOT obsolete
		 RETURNING `+insightColumns,
		params.ID, int16(params.Annotation), nullableString(params.AnnotatedBy),
		time.Now(), params.AutoApplied, nullableJSON(params.CorrectedData),
	)

	insight, err := scanInsight(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyAnnotateConflict(ctx, params.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("annotate insight: %w", err)
	}
	return insight, nil
}

// classifyAnnotateConflict distinguishes why the conditional annotation
// update matched no row.
func (r *insightRepository) classifyAnnotateConflict(ctx context.Context, id uuid.UUID) error {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsAnnotated() {
		return apperrors.ErrAlreadyAnnotated
	}
	return apperrors.ErrConflict
}

func (r *insightRepository) ListPending(ctx context.Context, filters QuestionFilters) ([]*models.Insight, error) {
	query := `SELECT ` + insightColumns + `
		FROM insights
		WHERE annotation IS NULL AND NOT obsolete`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filters.Types) > 0 {
		types := make([]string, len(filters.Types))
		for i, t := range filters.Types {
			types[i] = string(t)
		}
		query += ` AND type = ANY(` + arg(types) + `)`
	}
	if filters.Campaign != "" {
		query += ` AND ` + arg(filters.Campaign) + ` = ANY(campaigns)`
	}
	if filters.Country != "" {
		query += ` AND ` + arg(filters.Country) + ` = ANY(countries)`
	}
	if filters.Brand != "" {
		query += ` AND ` + arg(filters.Brand) + ` = ANY(brands)`
	}
	if filters.MinConfidence != nil {
		query += ` AND confidence >= ` + arg(*filters.MinConfidence)
	}
	if filters.ValueTag != "" {
		query += ` AND value_tag = ` + arg(filters.ValueTag)
	}
	if filters.ServerDomain != "" {
		query += ` AND server_domain = ` + arg(filters.ServerDomain)
	}
	if filters.MaxAnonymousVotes > 0 {
		query += ` AND anonymous_votes < ` + arg(filters.MaxAnonymousVotes)
	}
	if len(filters.ExcludedProducts) > 0 {
		query += ` AND NOT (product_id = ANY(` + arg(filters.ExcludedProducts) + `))`
	}

	query += ` ORDER BY priority DESC, created_at, id`
	if filters.Limit > 0 {
		query += ` LIMIT ` + arg(filters.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending insights: %w", err)
	}
	defer rows.Close()

	return collectInsights(rows)
}

func (r *insightRepository) ListAutomaticPending(ctx context.Context, limit int) ([]*models.Insight, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+insightColumns+`
		 FROM insights
		 WHERE automatic_processing AND annotation IS NULL AND NOT obsolete
		 ORDER BY created_at, id
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list automatic pending insights: %w", err)
	}
	defer rows.Close()

	return collectInsights(rows)
}

func (r *insightRepository) DeleteNonAnnotated(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM insights WHERE id = $1 AND annotation IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete insight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyAnnotateConflict(ctx, id)
	}
	return nil
}

// ============================================================================
// Scanning
// ============================================================================

func textArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func uuidArray(values []uuid.UUID) []uuid.UUID {
	if values == nil {
		return []uuid.UUID{}
	}
	return values
}

func scanInsight(row pgx.Row) (*models.Insight, error) {
	var i models.Insight
	var typ string
	var annotation *int16
	var annotatedBy *string
	err := row.Scan(
		&i.ID, &i.ProductID, &typ, &i.Value, &i.ValueTag, &i.Data,
		&i.Confidence, &i.PredictorID, &i.PredictorVersion, &i.Priority,
		&i.AutomaticProcessing, &annotation, &annotatedBy, &i.AnnotatedAt,
		&i.AutoApplied, &i.Campaigns, &i.Countries, &i.Brands,
		&i.ServerDomain, &i.Obsolete, &i.Supersedes, &i.AnonymousVotes,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	i.Type = models.InsightType(typ)
	if annotation != nil {
		a := models.Annotation(*annotation)
		i.Annotation = &a
	}
	if annotatedBy != nil {
		i.AnnotatedBy = annotatedBy
	}
	return &i, nil
}

func collectInsights(rows pgx.Rows) ([]*models.Insight, error) {
	var insights []*models.Insight
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		insights = append(insights, insight)
	}
	return insights, rows.Err()
}
