package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/config"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/retry"
)

// Notifier delivers applied insights to the downstream product database.
// Delivery is at-least-once; the insight ID doubles as the idempotency key so
// the receiver can drop duplicates.
type Notifier interface {
	NotifyApplied(ctx context.Context, insight *models.Insight) error
}

// AppliedEvent is the wire payload of one write-back delivery.
type AppliedEvent struct {
	EventID      string          `json:"event_id"`
	ProductID    string          `json:"product_id"`
	Type         string          `json:"type"`
	Value        string          `json:"value,omitempty"`
	ValueTag     string          `json:"value_tag,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Annotation   int             `json:"annotation"`
	AnnotatedBy  string          `json:"annotated_by,omitempty"`
	AutoApplied  bool            `json:"auto_applied"`
	ServerDomain string          `json:"server_domain,omitempty"`
	AppliedAt    time.Time       `json:"applied_at"`
}

// webhookNotifier posts applied insights to a configured webhook with
// exponential backoff. A delivery failure is logged and surfaced but never
// rolls back the annotation that triggered it.
type webhookNotifier struct {
	url    string
	client *http.Client
	retry  *retry.Config
	logger *zap.Logger
}

// NewNotifier creates a webhook Notifier, or a no-op one when no webhook URL
// is configured.
func NewNotifier(cfg config.WritebackConfig, logger *zap.Logger) Notifier {
	if cfg.WebhookURL == "" {
		return &noopNotifier{}
	}
	return &webhookNotifier{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: cfg.Timeout},
		retry:  retry.WritebackConfig(cfg.MaxRetries),
		logger: logger.Named("writeback"),
	}
}

var _ Notifier = (*webhookNotifier)(nil)

func (n *webhookNotifier) NotifyApplied(ctx context.Context, insight *models.Insight) error {
	event := AppliedEvent{
		EventID:      insight.ID.String(),
		ProductID:    insight.ProductID,
		Type:         string(insight.Type),
		Value:        insight.Value,
		ValueTag:     insight.ValueTag,
		Data:         insight.Data,
		AutoApplied:  insight.AutoApplied,
		ServerDomain: insight.ServerDomain,
		AppliedAt:    time.Now(),
	}
	if insight.Annotation != nil {
		event.Annotation = int(*insight.Annotation)
	}
	if insight.AnnotatedBy != nil {
		event.AnnotatedBy = *insight.AnnotatedBy
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal writeback event: %w", err)
	}

	err = retry.DoIfRetryable(ctx, n.retry, func() error {
		return n.deliver(ctx, body)
	})
	if err != nil {
		n.logger.Error("Write-back delivery failed",
			zap.String("insight_id", event.EventID),
			zap.String("product_id", event.ProductID),
			zap.Error(err))
		return err
	}

	n.logger.Info("Write-back delivered",
		zap.String("insight_id", event.EventID),
		zap.String("product_id", event.ProductID),
		zap.Bool("auto_applied", event.AutoApplied))
	return nil
}

func (n *webhookNotifier) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build writeback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post writeback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("writeback rejected: status code %d", resp.StatusCode)
	}
	return nil
}

// noopNotifier is used when no downstream webhook is configured.
type noopNotifier struct{}

var _ Notifier = (*noopNotifier)(nil)

func (n *noopNotifier) NotifyApplied(ctx context.Context, insight *models.Insight) error {
	return nil
}
