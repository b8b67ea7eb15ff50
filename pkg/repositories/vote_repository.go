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

// CascadePolicy is the vote-agreement policy evaluated after each cast.
// Configurable, not a hard constant.
type CascadePolicy struct {
	// Threshold is the number of agreeing terminal votes that annotates a
	// pending insight.
	Threshold int
}

// CastResult reports the outcome of recording one vote.
type CastResult struct {
	Insight  *models.Insight
	Tally    models.VoteTally
	Cascaded bool
}

// VoteRepository provides data access for votes. Casting and cascade
// evaluation run in one transaction under a row lock on the insight, so two
// concurrent casts can never double-count or trigger two cascades.
type VoteRepository interface {
	// CastVote inserts or replaces the voter's vote on a pending insight and
	// evaluates the cascade policy in the same transaction. Returns
	// apperrors.ErrAlreadyAnnotated when the insight is closed.
	CastVote(ctx context.Context, vote *models.Vote, policy CascadePolicy) (*CastResult, error)

	// ListByInsight returns the live votes on an insight, newest first.
	ListByInsight(ctx context.Context, insightID uuid.UUID) ([]*models.Vote, error)
}

type voteRepository struct {
	db *database.DB
}

// NewVoteRepository creates a new VoteRepository.
func NewVoteRepository(db *database.DB) VoteRepository {
	return &voteRepository{db: db}
}

var _ VoteRepository = (*voteRepository)(nil)

func (r *voteRepository) CastVote(ctx context.Context, vote *models.Vote, policy CascadePolicy) (*CastResult, error) {
	if err := vote.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin vote transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Per-insight lock: cascade evaluation must never race across callers.
	row := tx.QueryRow(ctx,
		`SELECT `+insightColumns+` FROM insights WHERE id = $1 FOR UPDATE`,
		vote.InsightID)
	insight, err := scanInsight(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock insight for vote: %w", err)
	}
	if insight.IsAnnotated() {
		return nil, apperrors.ErrAlreadyAnnotated
	}
	if insight.Obsolete {
		return nil, apperrors.ErrConflict
	}

	if vote.ID == uuid.Nil {
		vote.ID = uuid.New()
	}
	now := time.Now()
	vote.CastAt = now

	_, err = tx.Exec(ctx,
		`INSERT INTO votes (id, insight_id, value, corrected_data, voter_id, trusted, cast_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (insight_id, voter_id) DO UPDATE SET
			value = EXCLUDED.value,
			corrected_data = EXCLUDED.corrected_data,
			trusted = EXCLUDED.trusted,
			cast_at = EXCLUDED.cast_at`,
		vote.ID, vote.InsightID, int16(vote.Value), nullableJSON(vote.CorrectedData),
		vote.VoterID, vote.Trusted, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert vote: %w", err)
	}

	tally, anonymous, err := tallyVotes(ctx, tx, vote.InsightID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE insights SET anonymous_votes = $2, updated_at = $3 WHERE id = $1`,
		vote.InsightID, anonymous, now)
	if err != nil {
		return nil, fmt.Errorf("update vote counter: %w", err)
	}
	insight.AnonymousVotes = anonymous

	result := &CastResult{Insight: insight, Tally: tally}

	if outcome, ok := cascadeOutcome(tally, policy); ok {
		annotatedBy := models.CascadeAnnotator
		row := tx.QueryRow(ctx,
			`UPDATE insights SET
				annotation = $2, annotated_by = $3, annotated_at = $4, updated_at = $4
			 WHERE id = $1 AND annotation IS NULL
			 RETURNING `+insightColumns,
			vote.InsightID, int16(outcome), annotatedBy, now)
		annotated, err := scanInsight(row)
		if err != nil {
			return nil, fmt.Errorf("cascade annotation: %w", err)
		}

		// Votes are consumed once they trigger an annotation.
		if _, err := tx.Exec(ctx, `DELETE FROM votes WHERE insight_id = $1`, vote.InsightID); err != nil {
			return nil, fmt.Errorf("consume votes: %w", err)
		}

		result.Insight = annotated
		result.Cascaded = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit vote transaction: %w", err)
	}
	return result, nil
}

// cascadeOutcome evaluates the agreement policy. A cascade fires only when
// the agreeing side reaches the threshold with no disqualifying disagreement.
// Correction votes never cascade anonymously; they require a trusted
// annotator to pick the corrected payload.
func cascadeOutcome(tally models.VoteTally, policy CascadePolicy) (models.Annotation, bool) {
	if policy.Threshold < 1 {
		return 0, false
	}
	if tally.Accept >= policy.Threshold && tally.Reject == 0 {
		return models.AnnotationAccept, true
	}
	if tally.Reject >= policy.Threshold && tally.Accept == 0 {
		return models.AnnotationReject, true
	}
	return 0, false
}

func tallyVotes(ctx context.Context, tx pgx.Tx, insightID uuid.UUID) (models.VoteTally, int, error) {
	rows, err := tx.Query(ctx,
		`SELECT value, trusted, count(*) FROM votes WHERE insight_id = $1 GROUP BY value, trusted`,
		insightID)
	if err != nil {
		return models.VoteTally{}, 0, fmt.Errorf("tally votes: %w", err)
	}
	defer rows.Close()

	var tally models.VoteTally
	var anonymous int
	for rows.Next() {
		var value int16
		var trusted bool
		var count int
		if err := rows.Scan(&value, &trusted, &count); err != nil {
			return models.VoteTally{}, 0, fmt.Errorf("scan tally: %w", err)
		}
		if !trusted {
			anonymous += count
		}
		switch models.Annotation(value) {
		case models.AnnotationAccept:
			tally.Accept += count
		case models.AnnotationReject:
			tally.Reject += count
		case models.AnnotationUnknown:
			tally.Unknown += count
		case models.AnnotationCorrect:
			tally.Correct += count
		}
	}
	return tally, anonymous, rows.Err()
}

func (r *voteRepository) ListByInsight(ctx context.Context, insightID uuid.UUID) ([]*models.Vote, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, insight_id, value, corrected_data, voter_id, trusted, cast_at
		 FROM votes
		 WHERE insight_id = $1
		 ORDER BY cast_at DESC, id`,
		insightID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []*models.Vote
	for rows.Next() {
		var v models.Vote
		var value int16
		if err := rows.Scan(&v.ID, &v.InsightID, &value, &v.CorrectedData, &v.VoterID, &v.Trusted, &v.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Value = models.Annotation(value)
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}
