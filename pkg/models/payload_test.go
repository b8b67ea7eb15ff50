package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

func TestValidateData(t *testing.T) {
	tests := []struct {
		name    string
		typ     InsightType
		raw     string
		wantErr bool
	}{
		{
			name: "valid category payload",
			typ:  InsightTypeCategory,
			raw:  `{"model": "neural-v2", "above_threshold": true, "model_score": 0.93}`,
		},
		{
			name: "valid brand payload",
			typ:  InsightTypeBrand,
			raw:  `{"matched_text": "ACME", "source": "ocr"}`,
		},
		{
			name: "valid label payload",
			typ:  InsightTypeLabel,
			raw:  `{"logo_id": "logo-42"}`,
		},
		{
			name: "valid packaging payload",
			typ:  InsightTypePackaging,
			raw:  `{"shape": "bottle", "material": "glass"}`,
		},
		{
			name: "valid weight payload",
			typ:  InsightTypeProductWeight,
			raw:  `{"value": 500, "unit": "g", "matched_text": "500g"}`,
		},
		{
			name:    "unknown field rejected",
			typ:     InsightTypeCategory,
			raw:     `{"model": "neural-v2", "surprise": 1}`,
			wantErr: true,
		},
		{
			name:    "weight must be positive",
			typ:     InsightTypeProductWeight,
			raw:     `{"value": 0, "unit": "g"}`,
			wantErr: true,
		},
		{
			name:    "weight unit whitelist",
			typ:     InsightTypeProductWeight,
			raw:     `{"value": 1, "unit": "stone"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			typ:     InsightTypeBrand,
			raw:     `{"matched_text": `,
			wantErr: true,
		},
		{
			name:    "unknown insight type",
			typ:     InsightType("flavor"),
			raw:     `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateData(tt.typ, json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWeightDataValidate_Units(t *testing.T) {
	for _, unit := range []string{"g", "kg", "mg", "ml", "cl", "l", "oz", "lb", "fl oz"} {
		d := WeightData{Value: 1, Unit: unit}
		assert.NoError(t, d.Validate(), "unit %q should be accepted", unit)
	}
}
