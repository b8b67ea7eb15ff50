package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/config"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/repositories"
)

// ApplierService applies high-confidence insights without human review. It
// sweeps pending insights whose automatic-processing flag was fixed at
// creation time, annotates them as accepted under the applier identity and
// pushes them downstream.
type ApplierService interface {
	// RunOnce applies one batch and returns how many insights were applied.
	RunOnce(ctx context.Context) (int, error)

	// Run sweeps on the configured interval until the context is cancelled.
	Run(ctx context.Context)
}

type applierService struct {
	insights repositories.InsightRepository
	notifier Notifier
	cfg      config.ApplierConfig
	logger   *zap.Logger
}

// NewApplierService creates a new ApplierService.
func NewApplierService(
	insights repositories.InsightRepository,
	notifier Notifier,
	cfg config.ApplierConfig,
	logger *zap.Logger,
) ApplierService {
	return &applierService{
		insights: insights,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("applier-service"),
	}
}

var _ ApplierService = (*applierService)(nil)

func (s *applierService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Automatic applier started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Automatic applier stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Applier sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *applierService) RunOnce(ctx context.Context) (int, error) {
	pending, err := s.insights.ListAutomaticPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, insight := range pending {
		annotated, err := s.insights.Annotate(ctx, repositories.AnnotateParams{
			ID:          insight.ID,
			Annotation:  models.AnnotationAccept,
			AnnotatedBy: models.AutoAnnotator,
			AutoApplied: true,
		})
		// A judgment that landed between listing and applying wins; the sweep
		// stays idempotent under overlap.
		if errors.Is(err, apperrors.ErrAlreadyAnnotated) ||
			errors.Is(err, apperrors.ErrConflict) ||
			errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return applied, err
		}
		applied++

		s.logger.Info("Insight auto-applied",
			zap.String("insight_id", annotated.ID.String()),
			zap.String("product_id", annotated.ProductID),
			zap.String("type", string(annotated.Type)))

		if err := s.notifier.NotifyApplied(ctx, annotated); err != nil {
			s.logger.Warn("Write-back pending redelivery",
				zap.String("insight_id", annotated.ID.String()),
				zap.Error(err))
		}
	}

	if applied > 0 {
		s.logger.Info("Applier sweep finished", zap.Int("applied", applied))
	}
	return applied, nil
}
