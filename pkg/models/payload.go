package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// Type-specific "data" payloads. Each insight type carries its own structured
// payload; unknown fields and unknown types fail validation rather than pass
// through silently.

// CategoryData is the payload for category insights from neural classifiers.
type CategoryData struct {
	Model          string  `json:"model,omitempty"`
	AboveThreshold bool    `json:"above_threshold,omitempty"`
	ModelScore     float64 `json:"model_score,omitempty"`
}

// BrandData is the payload for brand insights from OCR or logo detection.
type BrandData struct {
	MatchedText string `json:"matched_text,omitempty"`
	LogoID      string `json:"logo_id,omitempty"`
	Source      string `json:"source,omitempty"` // ocr, logo, curated-list
}

// LabelData is the payload for label insights (quality/certification marks).
type LabelData struct {
	MatchedText string `json:"matched_text,omitempty"`
	LogoID      string `json:"logo_id,omitempty"`
}

// PackagingData is the payload for packaging insights.
type PackagingData struct {
	Shape     string `json:"shape,omitempty"`
	Material  string `json:"material,omitempty"`
	Recycling string `json:"recycling,omitempty"`
}

// WeightData is the payload for product weight insights extracted from OCR.
type WeightData struct {
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	MatchedText string  `json:"matched_text,omitempty"`
}

// Validate checks weight payload semantics beyond JSON shape.
func (d *WeightData) Validate() error {
	if d.Value <= 0 {
		return apperrors.NewValidationError("data.value", "weight must be positive")
	}
	switch d.Unit {
	case "g", "kg", "mg", "ml", "cl", "l", "oz", "lb", "fl oz":
		return nil
	default:
		return apperrors.NewValidationError("data.unit", fmt.Sprintf("unknown unit %q", d.Unit))
	}
}

// dataValidator is implemented by payload variants that carry semantic
// constraints beyond their JSON shape.
type dataValidator interface {
	Validate() error
}

// ValidateData decodes raw into the payload variant for the given insight
// type and validates it. Unknown fields are rejected.
func ValidateData(t InsightType, raw json.RawMessage) error {
	var target any
	switch t {
	case InsightTypeCategory:
		target = &CategoryData{}
	case InsightTypeBrand:
		target = &BrandData{}
	case InsightTypeLabel:
		target = &LabelData{}
	case InsightTypePackaging:
		target = &PackagingData{}
	case InsightTypeProductWeight:
		target = &WeightData{}
	default:
		return apperrors.NewValidationError("type", "no payload schema for type "+string(t))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return apperrors.NewValidationError("data", err.Error())
	}
	if v, ok := target.(dataValidator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
