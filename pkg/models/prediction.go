package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// ============================================================================
// Insight Types
// ============================================================================

// InsightType identifies the category of claim a prediction or insight makes
// about a product.
type InsightType string

const (
	InsightTypeCategory      InsightType = "category"
	InsightTypeBrand         InsightType = "brand"
	InsightTypeLabel         InsightType = "label"
	InsightTypePackaging     InsightType = "packaging"
	InsightTypeProductWeight InsightType = "product_weight"
)

// ValidInsightTypes contains all valid insight type values.
var ValidInsightTypes = []InsightType{
	InsightTypeCategory,
	InsightTypeBrand,
	InsightTypeLabel,
	InsightTypePackaging,
	InsightTypeProductWeight,
}

// IsValidInsightType checks if the given type is valid.
func IsValidInsightType(t InsightType) bool {
	for _, v := range ValidInsightTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Prediction Model
// ============================================================================

// Prediction is the immutable output of one predictor about one product.
// Predictions are never edited; a later correction from the same predictor
// arrives as a new Prediction row.
type Prediction struct {
	ID               uuid.UUID       `json:"id"`
	ProductID        string          `json:"product_id"`
	Type             InsightType     `json:"type"`
	Value            string          `json:"value,omitempty"`
	ValueTag         string          `json:"value_tag,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	PredictorID      string          `json:"predictor_id"`
	PredictorVersion string          `json:"predictor_version,omitempty"`
	AutomaticHint    bool            `json:"automatic_processing_hint,omitempty"`
	SourceRef        string          `json:"source_reference,omitempty"` // e.g. originating image
	ServerDomain     string          `json:"server_domain,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Validate checks the prediction for structural problems before it is stored.
// A failing prediction is rejected individually; it never blocks the rest of
// its batch.
func (p *Prediction) Validate() error {
	if p.ProductID == "" {
		return apperrors.NewValidationError("product_id", "must not be empty")
	}
	if !IsValidInsightType(p.Type) {
		return apperrors.NewValidationError("type", "unknown insight type "+string(p.Type))
	}
	if p.PredictorID == "" {
		return apperrors.NewValidationError("predictor_id", "must not be empty")
	}
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return apperrors.NewValidationError("confidence", "must be within [0, 1]")
	}
	if len(p.Data) > 0 {
		if err := ValidateData(p.Type, p.Data); err != nil {
			return err
		}
	}
	return nil
}

// ConfidenceOrZero returns the confidence value, treating unset as 0.
func (p *Prediction) ConfidenceOrZero() float64 {
	if p.Confidence == nil {
		return 0
	}
	return *p.Confidence
}
