package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/config"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/repositories"
)

// AnnotateRequest carries one judgment on an insight. AnnotatorID is set for
// authenticated callers; anonymous callers are identified by DeviceID only.
type AnnotateRequest struct {
	InsightID     uuid.UUID
	Value         models.Annotation
	CorrectedData json.RawMessage
	AnnotatorID   string
	DeviceID      string
}

// AnnotateResult reports how a judgment was recorded.
type AnnotateResult struct {
	Insight *models.Insight `json:"insight"`

	// Closed is true when the judgment (directly or through a cascade)
	// terminally annotated the insight.
	Closed bool `json:"closed"`

	// Tally is set when the judgment was recorded as a vote rather than a
	// direct annotation.
	Tally *models.VoteTally `json:"tally,omitempty"`
}

// AnnotationService records judgments on insights. Authenticated annotators
// close an insight directly; anonymous callers vote, and agreement at the
// cascade threshold closes it for them.
type AnnotationService interface {
	// Annotate records a judgment. An unknown ("can't tell") value never
	// closes the insight, it is stored as a vote even for trusted callers.
	Annotate(ctx context.Context, req AnnotateRequest) (*AnnotateResult, error)

	// Vote records the judgment as a vote even for trusted callers, letting
	// an annotator defer to the cascade instead of closing the insight.
	Vote(ctx context.Context, req AnnotateRequest) (*AnnotateResult, error)

	// Votes returns the live votes on an insight.
	Votes(ctx context.Context, insightID uuid.UUID) ([]*models.Vote, error)
}

type annotationService struct {
	insights repositories.InsightRepository
	votes    repositories.VoteRepository
	notifier Notifier
	cfg      config.VotingConfig
	logger   *zap.Logger
}

// NewAnnotationService creates a new AnnotationService.
func NewAnnotationService(
	insights repositories.InsightRepository,
	votes repositories.VoteRepository,
	notifier Notifier,
	cfg config.VotingConfig,
	logger *zap.Logger,
) AnnotationService {
	return &annotationService{
		insights: insights,
		votes:    votes,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("annotation-service"),
	}
}

var _ AnnotationService = (*annotationService)(nil)

func (s *annotationService) Annotate(ctx context.Context, req AnnotateRequest) (*AnnotateResult, error) {
	if !models.IsValidAnnotation(req.Value) {
		return nil, apperrors.NewValidationError("annotation", "unknown annotation value")
	}
	if req.Value == models.AnnotationCorrect && len(req.CorrectedData) == 0 {
		return nil, apperrors.NewValidationError("corrected_data", "required for a correction")
	}
	if req.AnnotatorID == "" && req.DeviceID == "" {
		return nil, apperrors.NewValidationError("voter", "annotator or device identity required")
	}

	trusted := req.AnnotatorID != ""

	if trusted && req.Value.IsTerminal() {
		return s.annotateDirect(ctx, req)
	}
	return s.castVote(ctx, req, trusted)
}

func (s *annotationService) Vote(ctx context.Context, req AnnotateRequest) (*AnnotateResult, error) {
	if !models.IsValidAnnotation(req.Value) {
		return nil, apperrors.NewValidationError("annotation", "unknown annotation value")
	}
	if req.AnnotatorID == "" && req.DeviceID == "" {
		return nil, apperrors.NewValidationError("voter", "annotator or device identity required")
	}
	return s.castVote(ctx, req, req.AnnotatorID != "")
}

func (s *annotationService) annotateDirect(ctx context.Context, req AnnotateRequest) (*AnnotateResult, error) {
	insight, err := s.insights.Annotate(ctx, repositories.AnnotateParams{
		ID:            req.InsightID,
		Annotation:    req.Value,
		AnnotatedBy:   req.AnnotatorID,
		CorrectedData: req.CorrectedData,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Insight annotated",
		zap.String("insight_id", insight.ID.String()),
		zap.String("product_id", insight.ProductID),
		zap.Int("annotation", int(req.Value)),
		zap.String("annotated_by", req.AnnotatorID))

	s.notifyIfApplied(ctx, insight)
	return &AnnotateResult{Insight: insight, Closed: true}, nil
}

func (s *annotationService) castVote(ctx context.Context, req AnnotateRequest, trusted bool) (*AnnotateResult, error) {
	vote := &models.Vote{
		InsightID:     req.InsightID,
		Value:         req.Value,
		CorrectedData: req.CorrectedData,
		VoterID:       voterID(req),
		Trusted:       trusted,
	}

	result, err := s.votes.CastVote(ctx, vote, repositories.CascadePolicy{
		Threshold: s.cfg.CascadeThreshold,
	})
	if err != nil {
		return nil, err
	}

	if result.Cascaded {
		s.logger.Info("Vote cascade annotated insight",
			zap.String("insight_id", result.Insight.ID.String()),
			zap.String("product_id", result.Insight.ProductID),
			zap.Int("accept", result.Tally.Accept),
			zap.Int("reject", result.Tally.Reject))
		s.notifyIfApplied(ctx, result.Insight)
	}

	return &AnnotateResult{
		Insight: result.Insight,
		Closed:  result.Cascaded,
		Tally:   &result.Tally,
	}, nil
}

func (s *annotationService) Votes(ctx context.Context, insightID uuid.UUID) ([]*models.Vote, error) {
	if _, err := s.insights.GetByID(ctx, insightID); err != nil {
		return nil, err
	}
	return s.votes.ListByInsight(ctx, insightID)
}

// notifyIfApplied pushes accepted and corrected insights downstream. Delivery
// failure is logged and retried by the notifier; the annotation stands either
// way.
func (s *annotationService) notifyIfApplied(ctx context.Context, insight *models.Insight) {
	if insight.Annotation == nil {
		return
	}
	switch *insight.Annotation {
	case models.AnnotationAccept, models.AnnotationCorrect:
	default:
		return
	}
	if err := s.notifier.NotifyApplied(ctx, insight); err != nil {
		s.logger.Warn("Write-back pending redelivery",
			zap.String("insight_id", insight.ID.String()),
			zap.Error(err))
	}
}

func voterID(req AnnotateRequest) string {
	if req.AnnotatorID != "" {
		return models.VoterPrefixAuth + req.AnnotatorID
	}
	return fmt.Sprintf("%s%s", models.VoterPrefixAnon, req.DeviceID)
}
