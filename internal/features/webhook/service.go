package webhook

import (
	"context"
	"time"

	common_models "brd-sync/internal/common/models"
	"brd-sync/internal/features/audit"
	"brd-sync/internal/features/connection"

	"go.uber.org/zap"
)

type WebhookService interface {
	// Ingest authenticates and dispatches one notification. The error is
	// for logging only and must never reach the remote caller.
	Ingest(ctx context.Context, connID string, body []byte, signature string) error
	ListDeliveries(ctx context.Context, connID string, limit int64) ([]Delivery, error)
}

// SecretSource resolves the per-connection shared secret.
type SecretSource interface {
	WebhookSecret(ctx context.Context, connID string) (string, error)
}

type WebhookServiceImpl struct {
	Secrets      SecretSource
	Trigger      Trigger
	Repo         DeliveryRepository
	AuditService audit.AuditService
	Logger       *zap.Logger
}

func NewWebhookService(credentials connection.CredentialManager, trigger Trigger, repo DeliveryRepository, auditService audit.AuditService, logger *zap.Logger) WebhookService {
	return &WebhookServiceImpl{
		Secrets:      credentials,
		Trigger:      trigger,
		Repo:         repo,
		AuditService: auditService,
		Logger:       logger.Named("webhook"),
	}
}

func (s *WebhookServiceImpl) Ingest(ctx context.Context, connID string, body []byte, signature string) error {
	start := time.Now()
	delivery := &Delivery{ConnectionID: connID, BodySize: len(body)}
	defer func() {
		delivery.Duration = time.Since(start).Milliseconds()
		if err := s.Repo.Create(context.Background(), delivery); err != nil {
			s.Logger.Warn("Failed to record webhook delivery", zap.Error(err))
		}
	}()

	// unknown and inactive connections are rejected exactly like a bad signature
	secret, err := s.Secrets.WebhookSecret(ctx, connID)
	if err != nil || !Verify(secret, body, signature) {
		delivery.Reason = "signature"
		s.reject(ctx, connID, err)
		return ErrBadSignature
	}

	event, err := ParseEvent(body)
	if err != nil {
		delivery.Reason = "payload"
		s.Logger.Warn("Ignoring unreadable webhook payload",
			zap.String("connection_id", connID), zap.Error(err))
		return err
	}
	delivery.Event = event.EventType
	delivery.RemoteKey = event.RemoteKey

	job, err := s.Trigger.HandleWebhook(ctx, connID, event)
	if err != nil {
		delivery.Reason = "trigger"
		s.Logger.Error("Failed to enqueue webhook sync",
			zap.String("connection_id", connID),
			zap.String("remote_key", event.RemoteKey),
			zap.Error(err))
		return err
	}

	delivery.Accepted = true
	if job == nil {
		delivery.Reason = "unmapped"
		s.Logger.Debug("Webhook for unsynced issue",
			zap.String("connection_id", connID), zap.String("remote_key", event.RemoteKey))
		return nil
	}
	delivery.JobID = job.ID.Hex()
	s.Logger.Info("Webhook sync enqueued",
		zap.String("connection_id", connID),
		zap.String("remote_key", event.RemoteKey),
		zap.String("job_id", delivery.JobID),
		zap.String("webhook_event", event.EventType))
	return nil
}

func (s *WebhookServiceImpl) reject(ctx context.Context, connID string, cause error) {
	fields := []zap.Field{
		zap.String("event", "security"),
		zap.String("connection_id", connID),
	}
	if cause != nil {
		fields = append(fields, zap.NamedError("secret_error", cause))
	}
	s.Logger.Warn("Rejected webhook with invalid signature", fields...)

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSecurity, "webhook", connID, map[string]common_models.Change{
		"signature": {New: "rejected"},
	})
}

func (s *WebhookServiceImpl) ListDeliveries(ctx context.Context, connID string, limit int64) ([]Delivery, error) {
	return s.Repo.List(ctx, connID, limit)
}
