package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/config"
	"github.com/shelfsight/insight-engine/pkg/locks"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/repositories"
	"github.com/shelfsight/insight-engine/pkg/retry"
)

// PredictionBatch is one source event's worth of predictions (a processed
// image, a product update, a batch job result).
type PredictionBatch struct {
	ServerDomain string
	Campaigns    []string
	Predictions  []*models.Prediction
}

// RejectedPrediction reports one prediction dropped at validation.
type RejectedPrediction struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ProductFailure reports one product whose pipeline run failed. Failures are
// isolated: other products in the batch still complete.
type ProductFailure struct {
	ProductID    string `json:"product_id"`
	ServerDomain string `json:"server_domain,omitempty"`
	Error        string `json:"error"`
	// Retryable marks lock timeouts and external-dependency failures, which
	// the caller should re-queue with backoff.
	Retryable bool `json:"retryable"`
}

// ImportReport summarizes one batch import.
type ImportReport struct {
	Stored    int                  `json:"stored"`
	Rejected  []RejectedPrediction `json:"rejected,omitempty"`
	Products  int                  `json:"products"`
	Created   int                  `json:"created"`
	Updated   int                  `json:"updated"`
	Obsoleted int                  `json:"obsoleted"`
	Skipped   int                  `json:"skipped"`
	Failures  []ProductFailure     `json:"failures,omitempty"`
}

// ImportService runs the insight import pipeline: store predictions, then
// per product generate candidates, reconcile them against stored insights
// and apply the plan under the product's import lock.
type ImportService interface {
	// ImportBatch validates and stores a batch of predictions, then runs the
	// pipeline for every touched product.
	ImportBatch(ctx context.Context, batch *PredictionBatch) (*ImportReport, error)

	// RefreshProduct re-runs the pipeline for one product from its stored
	// predictions (used after administrative prediction deletion).
	RefreshProduct(ctx context.Context, productID, serverDomain string) error
}

type importService struct {
	predictions repositories.PredictionRepository
	insights    repositories.InsightRepository
	locker      locks.Locker
	registry    *GeneratorRegistry
	reconciler  *Reconciler
	cfg         config.ImportConfig
	logger      *zap.Logger
}

// NewImportService creates a new ImportService.
func NewImportService(
	predictions repositories.PredictionRepository,
	insights repositories.InsightRepository,
	locker locks.Locker,
	registry *GeneratorRegistry,
	reconciler *Reconciler,
	cfg config.ImportConfig,
	logger *zap.Logger,
) ImportService {
	return &importService{
		predictions: predictions,
		insights:    insights,
		locker:      locker,
		registry:    registry,
		reconciler:  reconciler,
		cfg:         cfg,
		logger:      logger.Named("import-service"),
	}
}

var _ ImportService = (*importService)(nil)

func (s *importService) ImportBatch(ctx context.Context, batch *PredictionBatch) (*ImportReport, error) {
	report := &ImportReport{}

	// Validate per record: a malformed prediction never blocks its batch.
	valid := make([]*models.Prediction, 0, len(batch.Predictions))
	for i, p := range batch.Predictions {
		if p.ServerDomain == "" {
			p.ServerDomain = batch.ServerDomain
		}
		if err := p.Validate(); err != nil {
			s.logger.Warn("Rejected prediction",
				zap.Int("index", i),
				zap.String("product_id", p.ProductID),
				zap.String("type", string(p.Type)),
				zap.Error(err))
			report.Rejected = append(report.Rejected, RejectedPrediction{Index: i, Reason: err.Error()})
			continue
		}
		valid = append(valid, p)
	}

	if err := s.predictions.CreateBatch(ctx, valid); err != nil {
		return nil, fmt.Errorf("store predictions: %w", err)
	}
	report.Stored = len(valid)

	products := groupByProduct(valid)
	report.Products = len(products)

	// Per-product pipelines run in parallel; the import lock is the only
	// serialization point.
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Workers)

	for _, ref := range products {
		group.Go(func() error {
			plan, err := s.runProduct(groupCtx, ref.ProductID, ref.ServerDomain, batch.Campaigns)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Isolation across products: record, do not abort the batch.
				report.Failures = append(report.Failures, ProductFailure{
					ProductID:    ref.ProductID,
					ServerDomain: ref.ServerDomain,
					Error:        err.Error(),
					Retryable:    isRetryableFailure(err),
				})
				return nil
			}
			report.Created += len(plan.Create)
			report.Updated += len(plan.Update)
			report.Obsoleted += len(plan.MarkObsolete)
			report.Skipped += plan.Skipped
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		a, b := report.Failures[i], report.Failures[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.ServerDomain < b.ServerDomain
	})
	return report, nil
}

func (s *importService) RefreshProduct(ctx context.Context, productID, serverDomain string) error {
	_, err := s.runProduct(ctx, productID, serverDomain, nil)
	return err
}

// runProduct executes generate -> reconcile -> apply for one product under
// its import lock. Lock acquisition is retried with backoff within the
// bounded wait; if the lock stays unavailable the job is deferred, never run
// unlocked.
func (s *importService) runProduct(ctx context.Context, productID, serverDomain string, campaigns []string) (*models.ReconciliationPlan, error) {
	lockKey := serverDomain + ":" + productID

	var plan *models.ReconciliationPlan
	err := locks.WithLock(ctx, s.locker, lockKey, s.cfg.LockTTL, s.cfg.LockWait, func(ctx context.Context) error {
		var err error
		plan, err = s.reconcileLocked(ctx, productID, serverDomain, campaigns)
		return err
	})
	if errors.Is(err, apperrors.ErrLockTimeout) {
		s.logger.Info("Import deferred, product locked",
			zap.String("product_id", productID),
			zap.String("server_domain", serverDomain))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *importService) reconcileLocked(ctx context.Context, productID, serverDomain string, campaigns []string) (*models.ReconciliationPlan, error) {
	predictions, err := s.predictions.ListByProduct(ctx, productID, serverDomain)
	if err != nil {
		return nil, err
	}
	existing, err := s.insights.ListByProduct(ctx, productID, serverDomain)
	if err != nil {
		return nil, err
	}

	candidates, covered := s.generate(ctx, productID, predictions)

	plan := s.reconciler.Reconcile(productID, serverDomain, candidates, existing, covered)
	for _, ins := range plan.Create {
		ins.Campaigns = mergeTags(ins.Campaigns, campaigns)
	}

	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return s.insights.ApplyPlan(ctx, plan)
	}); err != nil {
		return nil, fmt.Errorf("apply plan for %s: %w", productID, err)
	}

	s.logger.Debug("Reconciled product",
		zap.String("product_id", productID),
		zap.Int("created", len(plan.Create)),
		zap.Int("updated", len(plan.Update)),
		zap.Int("obsoleted", len(plan.MarkObsolete)),
		zap.Int("skipped", plan.Skipped))
	return plan, nil
}

// generate runs every registered generator over the product's predictions.
// A failing type (taxonomy unreachable) is skipped for this run and its
// stored insights left untouched; other types proceed.
func (s *importService) generate(ctx context.Context, productID string, predictions []*models.Prediction) ([]*Candidate, map[models.InsightType]bool) {
	byType := make(map[models.InsightType][]*models.Prediction)
	for _, p := range predictions {
		byType[p.Type] = append(byType[p.Type], p)
	}

	var candidates []*Candidate
	covered := make(map[models.InsightType]bool)
	for _, t := range s.registry.Types() {
		gen, _ := s.registry.Get(t)
		generated, err := gen.GenerateCandidates(ctx, productID, byType[t])
		if err != nil {
			s.logger.Warn("Candidate generation skipped for type",
				zap.String("product_id", productID),
				zap.String("type", string(t)),
				zap.Error(err))
			continue
		}
		covered[t] = true
		candidates = append(candidates, generated...)
	}
	return candidates, covered
}

// groupByProduct collects the distinct (product, server domain) pairs in the
// batch. A prediction may carry its own server domain, so one product can
// appear under several domains; each pair gets its own pipeline run.
func groupByProduct(predictions []*models.Prediction) []repositories.ProductRef {
	seen := make(map[repositories.ProductRef]bool)
	var refs []repositories.ProductRef
	for _, p := range predictions {
		ref := repositories.ProductRef{ProductID: p.ProductID, ServerDomain: p.ServerDomain}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ProductID != refs[j].ProductID {
			return refs[i].ProductID < refs[j].ProductID
		}
		return refs[i].ServerDomain < refs[j].ServerDomain
	})
	return refs
}

func mergeTags(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := append([]string(nil), existing...)
	for _, tag := range existing {
		seen[tag] = true
	}
	for _, tag := range extra {
		if tag != "" && !seen[tag] {
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	return merged
}

func isRetryableFailure(err error) bool {
	return errors.Is(err, apperrors.ErrLockTimeout) ||
		errors.Is(err, apperrors.ErrExternalDependency) ||
		retry.IsRetryable(err)
}
