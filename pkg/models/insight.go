package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Annotation
// ============================================================================

// Annotation is the judgment recorded on an insight. Reject, Accept and
// Correct are terminal; Unknown ("I can't tell") leaves the insight pending.
type Annotation int

const (
	AnnotationUnknown Annotation = -1
	AnnotationReject  Annotation = 0
	AnnotationAccept  Annotation = 1
	AnnotationCorrect Annotation = 2
)

// ValidAnnotations contains all annotation values accepted from callers.
var ValidAnnotations = []Annotation{
	AnnotationUnknown,
	AnnotationReject,
	AnnotationAccept,
	AnnotationCorrect,
}

// IsValidAnnotation checks if the given annotation value is valid.
func IsValidAnnotation(a Annotation) bool {
	for _, v := range ValidAnnotations {
		if v == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the annotation value closes the insight.
// AnnotationUnknown records an opinion without closing it.
func (a Annotation) IsTerminal() bool {
	return a == AnnotationReject || a == AnnotationAccept || a == AnnotationCorrect
}

// ============================================================================
// Insight Status
// ============================================================================

// InsightStatus is the derived lifecycle state of an insight.
type InsightStatus string

const (
	InsightStatusPending     InsightStatus = "pending"
	InsightStatusAnnotated   InsightStatus = "annotated"
	InsightStatusAutoApplied InsightStatus = "auto_applied"
	InsightStatusObsolete    InsightStatus = "obsolete"
)

// AutoAnnotator is the identity recorded when the unattended applier
// annotates an automatic insight.
const AutoAnnotator = "auto"

// CascadeAnnotator is the identity recorded when accumulated votes reach the
// cascade threshold and annotate an insight.
const CascadeAnnotator = "vote-cascade"

// ============================================================================
// Insight Model
// ============================================================================

// Insight is a derived, potentially database-affecting claim about a product.
// It is created by reconciliation, mutated only by annotation events or the
// automatic applier, and never deleted once a terminal annotation is set.
type Insight struct {
	ID               uuid.UUID       `json:"id"`
	ProductID        string          `json:"product_id"`
	Type             InsightType     `json:"type"`
	Value            string          `json:"value,omitempty"`
	ValueTag         string          `json:"value_tag,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	PredictorID      string          `json:"predictor_id"`
	PredictorVersion string          `json:"predictor_version,omitempty"`
	Priority         int             `json:"priority"`

	// AutomaticProcessing is tri-state: nil = not yet decided.
	AutomaticProcessing *bool `json:"automatic_processing,omitempty"`

	Annotation  *Annotation `json:"annotation,omitempty"`
	AnnotatedBy *string     `json:"annotated_by,omitempty"`
	AnnotatedAt *time.Time  `json:"annotated_at,omitempty"`
	AutoApplied bool        `json:"auto_applied,omitempty"`

	Campaigns    []string `json:"campaigns,omitempty"`
	Countries    []string `json:"countries,omitempty"`
	Brands       []string `json:"brands,omitempty"`
	ServerDomain string   `json:"server_domain,omitempty"`

	Obsolete bool `json:"obsolete,omitempty"`

	// Supersedes references the prediction(s) currently backing this insight.
	Supersedes []uuid.UUID `json:"supersedes,omitempty"`

	// AnonymousVotes counts live anonymous votes, used to enforce the
	// anonymous-only question quota.
	AnonymousVotes int `json:"anonymous_votes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAnnotated reports whether a terminal annotation has been recorded.
func (i *Insight) IsAnnotated() bool {
	return i.Annotation != nil && i.Annotation.IsTerminal()
}

// IsActive reports whether the insight participates in the per-tuple
// uniqueness set: not obsolete, not rejected.
func (i *Insight) IsActive() bool {
	if i.Obsolete {
		return false
	}
	return i.Annotation == nil || *i.Annotation != AnnotationReject
}

// IsPending reports whether the insight is still open for votes and
// annotation.
func (i *Insight) IsPending() bool {
	return !i.Obsolete && !i.IsAnnotated()
}

// Status returns the derived lifecycle state.
func (i *Insight) Status() InsightStatus {
	switch {
	case i.Obsolete:
		return InsightStatusObsolete
	case i.AutoApplied:
		return InsightStatusAutoApplied
	case i.IsAnnotated():
		return InsightStatusAnnotated
	default:
		return InsightStatusPending
	}
}

// DedupeKey identifies the uniqueness tuple: at most one active insight may
// exist per key.
type DedupeKey struct {
	ProductID    string
	Type         InsightType
	ValueTag     string
	ServerDomain string
}

// Key returns the insight's deduplication tuple.
func (i *Insight) Key() DedupeKey {
	return DedupeKey{
		ProductID:    i.ProductID,
		Type:         i.Type,
		ValueTag:     i.ValueTag,
		ServerDomain: i.ServerDomain,
	}
}
