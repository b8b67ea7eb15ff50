package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// Voter identity prefixes. Authenticated voters are keyed by their subject
// claim, anonymous voters by a client-held device key.
const (
	VoterPrefixAuth = "auth:"
	VoterPrefixAnon = "anon:"
)

// Vote is one identity's opinion on a pending insight. A later vote from the
// same identity replaces the earlier one.
type Vote struct {
	ID            uuid.UUID       `json:"id"`
	InsightID     uuid.UUID       `json:"insight_id"`
	Value         Annotation      `json:"value"`
	CorrectedData json.RawMessage `json:"corrected_data,omitempty"`
	VoterID       string          `json:"voter_id"`
	Trusted       bool            `json:"trusted"` // authenticated voter
	CastAt        time.Time       `json:"cast_at"`
}

// Validate checks the vote before it is recorded.
func (v *Vote) Validate() error {
	if v.InsightID == uuid.Nil {
		return apperrors.NewValidationError("insight_id", "must not be empty")
	}
	if v.VoterID == "" {
		return apperrors.NewValidationError("voter_id", "must not be empty")
	}
	if !IsValidAnnotation(v.Value) {
		return apperrors.NewValidationError("value", "unknown vote value")
	}
	if v.Value == AnnotationCorrect && len(v.CorrectedData) == 0 {
		return apperrors.NewValidationError("corrected_data", "required for a correction vote")
	}
	return nil
}

// IsAnonymous reports whether the vote came from an unauthenticated voter.
func (v *Vote) IsAnonymous() bool {
	return !v.Trusted
}

// VoteTally summarizes the live votes on one insight.
type VoteTally struct {
	Accept  int
	Reject  int
	Unknown int
	Correct int
}

// Total returns the number of live votes counted in the tally.
func (t VoteTally) Total() int {
	return t.Accept + t.Reject + t.Unknown + t.Correct
}
