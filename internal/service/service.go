package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"kirimaja/backend/internal/cache"
	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/metrics"
	"kirimaja/backend/internal/notify"
	"kirimaja/backend/internal/store"
	"kirimaja/backend/internal/xid"
)

var ErrForbidden = errors.New("insufficient role")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// DiscountComputer is the external coupon/discount collaborator. The core
// hands over the subtotal and line items and takes back an amount; it never
// inspects coupon internals.
type DiscountComputer interface {
	ComputeDiscount(ctx context.Context, subtotalCents int64, items []domain.OrderItem, couponCode string) (int64, error)
}

type NoopDiscountComputer struct{}

func (NoopDiscountComputer) ComputeDiscount(_ context.Context, _ int64, _ []domain.OrderItem, _ string) (int64, error) {
	return 0, nil
}

type Options struct {
	ReturnWindow           time.Duration
	ReturnShippingFeeCents int64
	StatsCacheTTL          time.Duration
}

type Service struct {
	repo      store.Repository
	notifier  notify.Notifier
	discounts DiscountComputer
	stats     cache.StatsCache
	logger    *zap.Logger

	returnWindow           time.Duration
	returnShippingFeeCents int64
	statsCacheTTL          time.Duration
}

func New(repo store.Repository, notifier notify.Notifier, discounts DiscountComputer, stats cache.StatsCache, logger *zap.Logger, opts Options) *Service {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if discounts == nil {
		discounts = NoopDiscountComputer{}
	}
	if stats == nil {
		stats = cache.NoopStatsCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReturnWindow <= 0 {
		opts.ReturnWindow = 7 * 24 * time.Hour
	}
	if opts.ReturnShippingFeeCents < 0 {
		opts.ReturnShippingFeeCents = 0
	}
	if opts.StatsCacheTTL <= 0 {
		opts.StatsCacheTTL = 30 * time.Second
	}

	return &Service{
		repo:                   repo,
		notifier:               notifier,
		discounts:              discounts,
		stats:                  stats,
		logger:                 logger,
		returnWindow:           opts.ReturnWindow,
		returnShippingFeeCents: opts.ReturnShippingFeeCents,
		statsCacheTTL:          opts.StatsCacheTTL,
	}
}

func (s *Service) actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "system"
}

func (s *Service) requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, ErrForbidden
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// notifyAsync publishes best-effort on a detached context so a slow or dead
// broker cannot delay or fail the committed operation.
func (s *Service) notifyAsync(customerID, kind, entityID string, payload map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := s.notifier.Notify(ctx, notify.Event{
			Kind:       kind,
			CustomerID: customerID,
			EntityID:   entityID,
			Payload:    payload,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			metrics.NotificationFailuresTotal.Inc()
		}
	}()
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireRole(ctx, "admin"); err != nil {
		return nil, err
	}

	day := time.Now().UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}
