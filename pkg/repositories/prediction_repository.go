package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/database"
	"github.com/shelfsight/insight-engine/pkg/models"
)

// PredictionRepository provides data access for raw predictor outputs.
// Predictions are append-only: there is no update method, and deletion is
// reserved for explicit administrative cleanup.
type PredictionRepository interface {
	// Create inserts a single prediction.
	Create(ctx context.Context, prediction *models.Prediction) error

	// CreateBatch inserts multiple predictions in one round trip.
	CreateBatch(ctx context.Context, predictions []*models.Prediction) error

	// GetByID retrieves a prediction by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Prediction, error)

	// ListByProduct returns all predictions for a product on a server domain,
	// newest first.
	ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Prediction, error)

	// DeleteBySourceRef removes predictions originating from a source (e.g. a
	// deleted image) and returns the touched products so their insights can
	// be re-reconciled. Administrative operation.
	DeleteBySourceRef(ctx context.Context, sourceRef string) ([]ProductRef, error)
}

// ProductRef identifies a product on a server domain.
type ProductRef struct {
	ProductID    string
	ServerDomain string
}

type predictionRepository struct {
	db *database.DB
}

// NewPredictionRepository creates a new PredictionRepository.
func NewPredictionRepository(db *database.DB) PredictionRepository {
	return &predictionRepository{db: db}
}

var _ PredictionRepository = (*predictionRepository)(nil)

const predictionColumns = `
	id, product_id, type, value, value_tag, data, confidence,
	predictor_id, predictor_version, automatic_hint, source_ref,
	server_domain, created_at`

const insertPredictionQuery = `
	INSERT INTO predictions (
		id, product_id, type, value, value_tag, data, confidence,
		predictor_id, predictor_version, automatic_hint, source_ref,
		server_domain, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (r *predictionRepository) Create(ctx context.Context, prediction *models.Prediction) error {
	prepare(prediction)

	_, err := r.db.Exec(ctx, insertPredictionQuery, insertArgs(prediction)...)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

func (r *predictionRepository) CreateBatch(ctx context.Context, predictions []*models.Prediction) error {
	if len(predictions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range predictions {
		prepare(p)
		batch.Queue(insertPredictionQuery, insertArgs(p)...)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range predictions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert prediction batch: %w", err)
		}
	}
	return nil
}

func prepare(p *models.Prediction) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
}

func insertArgs(p *models.Prediction) []any {
	return []any{
		p.ID, p.ProductID, string(p.Type), p.Value, p.ValueTag,
		nullableJSON(p.Data), p.Confidence, p.PredictorID, p.PredictorVersion,
		p.AutomaticHint, p.SourceRef, p.ServerDomain, p.CreatedAt,
	}
}

func (r *predictionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Prediction, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id)

	p, err := scanPrediction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	return p, nil
}

func (r *predictionRepository) ListByProduct(ctx context.Context, productID, serverDomain string) ([]*models.Prediction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+predictionColumns+`
		 FROM predictions
		 WHERE product_id = $1 AND server_domain = $2
		 ORDER BY created_at DESC, id`,
		productID, serverDomain)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()

	var predictions []*models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

func (r *predictionRepository) DeleteBySourceRef(ctx context.Context, sourceRef string) ([]ProductRef, error) {
	if sourceRef == "" {
		return nil, apperrors.NewValidationError("source_ref", "must not be empty")
	}
	rows, err := r.db.Query(ctx,
		`DELETE FROM predictions WHERE source_ref = $1 RETURNING product_id, server_domain`,
		sourceRef)
	if err != nil {
		return nil, fmt.Errorf("delete predictions by source: %w", err)
	}
	defer rows.Close()

	seen := make(map[ProductRef]bool)
	var touched []ProductRef
	for rows.Next() {
		var ref ProductRef
		if err := rows.Scan(&ref.ProductID, &ref.ServerDomain); err != nil {
			return nil, fmt.Errorf("scan deleted prediction: %w", err)
		}
		if !seen[ref] {
			seen[ref] = true
			touched = append(touched, ref)
		}
	}
	return touched, rows.Err()
}

func scanPrediction(row pgx.Row) (*models.Prediction, error) {
	var p models.Prediction
	var typ string
	err := row.Scan(
		&p.ID, &p.ProductID, &typ, &p.Value, &p.ValueTag, &p.Data,
		&p.Confidence, &p.PredictorID, &p.PredictorVersion, &p.AutomaticHint,
		&p.SourceRef, &p.ServerDomain, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Type = models.InsightType(typ)
	return &p, nil
}
