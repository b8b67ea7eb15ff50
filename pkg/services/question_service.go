package services

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/config"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/repositories"
)

// questionPoolLimit bounds the pending pool fetched per request before the
// session shuffle slices a page out of it.
const questionPoolLimit = 1000

// QuestionRequest selects a page of pending insights to review.
type QuestionRequest struct {
	Types         []models.InsightType
	Campaign      string
	Country       string
	Brand         string
	MinConfidence *float64
	ValueTag      string
	ServerDomain  string

	// SessionToken seeds the shuffle so one session sees a stable order
	// across pages while different sessions see different insights first.
	SessionToken string

	// Anonymous enforces the per-insight anonymous-vote quota.
	Anonymous bool

	Page  int
	Count int
}

// Question is one pending insight rendered for review.
type Question struct {
	InsightID    uuid.UUID          `json:"insight_id"`
	ProductID    string             `json:"product_id"`
	Type         models.InsightType `json:"type"`
	Text         string             `json:"text"`
	Value        string             `json:"value,omitempty"`
	ValueTag     string             `json:"value_tag,omitempty"`
	Data         json.RawMessage    `json:"data,omitempty"`
	Confidence   *float64           `json:"confidence,omitempty"`
	ServerDomain string             `json:"server_domain,omitempty"`
}

// QuestionPage is one page of questions plus the size of the matching pool.
// Total counts at most the fetched pool; when the pool hit its fetch limit,
// Capped is set and more questions match than Total reports.
type QuestionPage struct {
	Questions []Question `json:"questions"`
	Total     int        `json:"total"`
	Capped    bool       `json:"capped,omitempty"`
	Page      int        `json:"page"`
	Count     int        `json:"count"`
}

// questionTexts renders the per-type question. The value is substituted by
// the client; the text carries the yes/no claim being reviewed.
var questionTexts = map[models.InsightType]string{
	models.InsightTypeCategory:      "Does the product belong to this category?",
	models.InsightTypeBrand:         "Does the product belong to this brand?",
	models.InsightTypeLabel:         "Does the product have this label?",
	models.InsightTypePackaging:     "Does the product have this packaging?",
	models.InsightTypeProductWeight: "Does this weight match what is printed on the product?",
}

// QuestionService serves pending insights as review questions.
type QuestionService interface {
	ListQuestions(ctx context.Context, req QuestionRequest) (*QuestionPage, error)
}

type questionService struct {
	insights repositories.InsightRepository
	cfg      config.QuestionsConfig
	voting   config.VotingConfig
	logger   *zap.Logger
}

// NewQuestionService creates a new QuestionService.
func NewQuestionService(
	insights repositories.InsightRepository,
	cfg config.QuestionsConfig,
	voting config.VotingConfig,
	logger *zap.Logger,
) QuestionService {
	return &questionService{
		insights: insights,
		cfg:      cfg,
		voting:   voting,
		logger:   logger.Named("question-service"),
	}
}

var _ QuestionService = (*questionService)(nil)

func (s *questionService) ListQuestions(ctx context.Context, req QuestionRequest) (*QuestionPage, error) {
	count := req.Count
	if count <= 0 {
		count = s.cfg.DefaultPageSize
	}
	if count > s.cfg.MaxPageSize {
		count = s.cfg.MaxPageSize
	}
	page := req.Page
	if page < 1 {
		page = 1
	}

	filters := repositories.QuestionFilters{
		Types:         req.Types,
		Campaign:      req.Campaign,
		Country:       req.Country,
		Brand:         req.Brand,
		MinConfidence: req.MinConfidence,
		ValueTag:      req.ValueTag,
		ServerDomain:  req.ServerDomain,
		Limit:         questionPoolLimit,
	}
	if req.Anonymous {
		filters.MaxAnonymousVotes = s.voting.MaxAnonymousVotes
	}

	pool, err := s.insights.ListPending(ctx, filters)
	if err != nil {
		return nil, err
	}

	shuffleWithinPriority(pool, sessionSeed(req.SessionToken))

	result := &QuestionPage{
		Total:  len(pool),
		Capped: len(pool) == questionPoolLimit,
		Page:   page,
		Count:  count,
	}
	offset := (page - 1) * count
	if offset >= len(pool) {
		result.Questions = []Question{}
		return result, nil
	}
	end := offset + count
	if end > len(pool) {
		end = len(pool)
	}

	result.Questions = make([]Question, 0, end-offset)
	for _, insight := range pool[offset:end] {
		result.Questions = append(result.Questions, Question{
			InsightID:    insight.ID,
			ProductID:    insight.ProductID,
			Type:         insight.Type,
			Text:         questionTexts[insight.Type],
			Value:        insight.Value,
			ValueTag:     insight.ValueTag,
			Data:         insight.Data,
			Confidence:   insight.Confidence,
			ServerDomain: insight.ServerDomain,
		})
	}
	return result, nil
}

// shuffleWithinPriority shuffles each run of equal-priority insights in
// place. Priority order is preserved; the order inside a band depends only on
// the seed and the band contents, so one session pages through a stable
// sequence.
func shuffleWithinPriority(pool []*models.Insight, seed int64) {
	rng := rand.New(rand.NewSource(seed))

	start := 0
	for i := 1; i <= len(pool); i++ {
		if i < len(pool) && pool[i].Priority == pool[start].Priority {
			continue
		}
		band := pool[start:i]
		rng.Shuffle(len(band), func(a, b int) {
			band[a], band[b] = band[b], band[a]
		})
		start = i
	}
}

// sessionSeed derives a shuffle seed from the session token. An empty token
// still gets a fixed, valid seed.
func sessionSeed(token string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return int64(h.Sum64())
}
