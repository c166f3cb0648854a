package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

// Service is the single entry point for creating and delivering
// notifications. It persists in-app notifications to the database,
// delivers them to any of the recipient's live connections via the
// connection registry, and fans out to external channels (email, webhook).
type Service interface {
	// NotifyExecutionComplete tells the requesting user a pipeline run
	// finished successfully.
	NotifyExecutionComplete(ctx context.Context, userID, executionID uuid.UUID, projectName string) error

	// NotifyExecutionFailed tells the requesting user a pipeline run failed.
	// errMsg is included in the body.
	NotifyExecutionFailed(ctx context.Context, userID, executionID uuid.UUID, projectName, errMsg string) error
}

// notificationService is the concrete implementation of Service.
type notificationService struct {
	notifRepo repository.NotificationRepository
	users     repository.UserRepository
	conns     *registry.Registry
	bus       *eventbus.Bus
	email     *emailSender
	webhook   *webhookSender
	logger    *zap.Logger
}

// Config holds the dependencies required to build a notification Service.
type Config struct {
	NotifRepo    repository.NotificationRepository
	SettingsRepo SettingsRepository
	Users        repository.UserRepository
	Conns        *registry.Registry
	Bus          *eventbus.Bus
	Logger       *zap.Logger
}

// SettingsRepository is the narrow read interface this package needs from
// the generic key-value settings store to load SMTP/webhook config.
type SettingsRepository interface {
	GetMany(ctx context.Context, keyPrefix string) ([]db.Setting, error)
}

// NewService creates a new notification Service. The email and webhook
// senders are wired internally — callers only need to provide Config.
func NewService(cfg Config) Service {
	svc := &notificationService{
		notifRepo: cfg.NotifRepo,
		users:     cfg.Users,
		conns:     cfg.Conns,
		bus:       cfg.Bus,
		logger:    cfg.Logger.Named("notification"),
	}

	// Config is reloaded on every send — no restart needed after settings
	// change.
	svc.email = newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(ctx, cfg.SettingsRepo)
	})
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.SettingsRepo)
	})

	return svc
}

func (s *notificationService) NotifyExecutionComplete(ctx context.Context, userID, executionID uuid.UUID, projectName string) error {
	payload := map[string]any{
		"execution_id": executionID.String(),
		"project_name": projectName,
	}
	return s.notify(ctx, userID, event{
		notifType: "execution_complete",
		title:     fmt.Sprintf("Run finished: %s", projectName),
		body:      fmt.Sprintf("The pipeline for %q completed successfully at %s.", projectName, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

func (s *notificationService) NotifyExecutionFailed(ctx context.Context, userID, executionID uuid.UUID, projectName, errMsg string) error {
	payload := map[string]any{
		"execution_id": executionID.String(),
		"project_name": projectName,
		"error":        errMsg,
	}
	return s.notify(ctx, userID, event{
		notifType: "execution_failed",
		title:     fmt.Sprintf("Run failed: %s", projectName),
		body:      fmt.Sprintf("The pipeline for %q failed at %s: %s", projectName, time.Now().UTC().Format(time.RFC3339), errMsg),
		payload:   payload,
	})
}

// event carries the data for a single notification before it is fanned out
// to the recipient and the external delivery channels.
type event struct {
	notifType string
	title     string
	body      string
	payload   map[string]any
}

// notify persists one db.Notification for userID, pushes it to any of that
// user's live connections, and fans out to email/webhook. External channel
// errors are logged, not returned, so an SMTP failure never prevents the
// in-app notification from being saved.
func (s *notificationService) notify(ctx context.Context, userID uuid.UUID, ev event) error {
	payloadJSON, err := json.Marshal(ev.payload)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal payload: %w", err)
	}

	n := &db.Notification{
		UserID:  userID,
		Type:    ev.notifType,
		Title:   ev.title,
		Body:    ev.body,
		Payload: string(payloadJSON),
	}
	if err := s.notifRepo.Create(ctx, n); err != nil {
		return fmt.Errorf("notification: failed to persist notification: %w", err)
	}

	// Deliver to any of the user's live connections immediately, so a
	// connected GUI tab receives it without polling.
	s.conns.SendTo(registry.Target{UserID: userID.String()}, map[string]any{
		"type": "notification",
		"notification": map[string]any{
			"id":         n.ID.String(),
			"type":       n.Type,
			"title":      n.Title,
			"body":       n.Body,
			"payload":    ev.payload,
			"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
		},
	}, nil)

	if to := s.recipientEmail(ctx, userID); len(to) > 0 {
		if err := s.email.Send(ctx, to, ev.title, ev.body); err != nil {
			s.logger.Warn("email notification delivery failed", zap.String("type", ev.notifType), zap.Error(err))
		}
	}
	if err := s.webhook.Send(ctx, ev.notifType, ev.title, ev.body, ev.payload); err != nil {
		s.logger.Warn("webhook notification delivery failed", zap.String("type", ev.notifType), zap.Error(err))
	}

	return nil
}

// recipientEmail resolves userID's email for the outbound channel. Returns
// nil (not an error) if no user repository was configured or the lookup
// fails, since email delivery is best-effort and must never block the
// in-app notification that already succeeded above.
func (s *notificationService) recipientEmail(ctx context.Context, userID uuid.UUID) []string {
	if s.users == nil {
		return nil
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user.Email == "" {
		return nil
	}
	return []string{user.Email}
}
