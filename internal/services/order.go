package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
)

const claimAttempts = 3

// OrderService turns plan purchases into provisioned keys
type OrderService struct {
	store       *storage.Storage
	templates   *TemplateService
	provisioner Provisioner
	pendingTTL  time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(store *storage.Storage, templates *TemplateService, provisioner Provisioner, pendingTTL time.Duration, log *zap.SugaredLogger) *OrderService {
	return &OrderService{
		store:       store,
		templates:   templates,
		provisioner: provisioner,
		pendingTTL:  pendingTTL,
		log:         log,
		now:         time.Now,
	}
}

// CreateOrder returns the user's pending order for the plan, creating it if
// needed. A repeated request refreshes the existing pending order instead of
// adding a second one.
func (s *OrderService) CreateOrder(ctx context.Context, userID, userUsername, planID string) (*models.Order, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(planID) == "" {
		return nil, invalid("user id and plan id are required")
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", planID, err)
	}
	if plan == nil || !plan.IsActive {
		return nil, notFound("plan %s", planID)
	}

	now := s.now()
	expiresAt := now.Add(s.pendingTTL)
	order := &models.Order{
		ID:           uuid.New().String(),
		UserID:       userID,
		UserUsername: userUsername,
		PlanID:       plan.ID,
		PlanName:     plan.Name,
		Price:        plan.Price,
		Status:       models.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    &expiresAt,
	}

	// The record goes in first so a slot holder always points at a real order.
	if err := s.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		holder, claimed, err := s.store.ClaimPendingOrder(ctx, userID, planID, order.ID)
		if err != nil {
			s.discard(ctx, order)
			return nil, fmt.Errorf("claim pending order: %w", err)
		}
		if claimed {
			s.log.Infow("order created", "order_id", order.ID, "user", userUsername, "plan", plan.Name)
			return order, nil
		}

		existing, err := s.refreshPending(ctx, holder)
		if err != nil {
			s.discard(ctx, order)
			return nil, err
		}
		if existing != nil {
			s.discard(ctx, order)
			s.log.Infow("pending order refreshed", "order_id", existing.ID, "user", userUsername, "plan", plan.Name)
			return existing, nil
		}

		swapped, err := s.store.ReplacePendingOrder(ctx, userID, planID, holder, order.ID)
		if err != nil {
			s.discard(ctx, order)
			return nil, fmt.Errorf("replace pending order: %w", err)
		}
		if swapped {
			s.log.Infow("order created", "order_id", order.ID, "user", userUsername, "plan", plan.Name, "replaced", holder)
			return order, nil
		}
	}

	s.discard(ctx, order)
	return nil, conflict("pending order for plan %s is being created concurrently", planID)
}

// refreshPending pushes a pending order's expiry forward. It returns nil when
// the order is gone or no longer pending.
func (s *OrderService) refreshPending(ctx context.Context, id string) (*models.Order, error) {
	now := s.now()
	expiresAt := now.Add(s.pendingTTL)

	order, err := s.store.UpdateOrderIf(ctx, id, func(o *models.Order) (map[string]string, error) {
		if o == nil || o.Status != models.OrderStatusPending {
			return nil, nil
		}
		return map[string]string{
			"createdAt": storage.FormatTime(&now),
			"expiresAt": storage.FormatTime(&expiresAt),
		}, nil
	})
	if err != nil {
		return nil, mapStoreErr(err, "order "+id)
	}
	if order == nil || order.Status != models.OrderStatusPending {
		return nil, nil
	}
	return order, nil
}

func (s *OrderService) discard(ctx context.Context, o *models.Order) {
	if err := s.store.DeleteOrder(ctx, o); err != nil {
		s.log.Warnw("failed to discard order", "order_id", o.ID, "error", err)
	}
}

// ActivateOrder provisions a key for a pending order from its plan's template
func (s *OrderService) ActivateOrder(ctx context.Context, orderID, activatedBy string) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, conflict("order %s is %s, not pending", orderID, order.Status)
	}

	plan, err := s.store.GetPlan(ctx, order.PlanID)
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", order.PlanID, err)
	}
	if plan == nil {
		return nil, notFound("plan %s", order.PlanID)
	}

	tmpl, err := s.templates.GetTemplateByPlanID(ctx, plan.ID)
	if err != nil {
		return nil, err
	}

	prefix := orderID
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	key, err := s.templates.GenerateFromTemplate(ctx, tmpl.ID, order.UserID, order.UserUsername, &models.KeyOverrides{
		Name:    plan.Name + order.UserUsername + prefix,
		OrderID: &orderID,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var expiresAt *time.Time
	if plan.Type == models.PlanTypeMonthly {
		t := now.AddDate(0, 0, plan.Duration)
		expiresAt = &t
	}

	activated, err := s.store.UpdateOrderIf(ctx, orderID, func(o *models.Order) (map[string]string, error) {
		if o == nil {
			return nil, notFound("order %s", orderID)
		}
		if o.Status != models.OrderStatusPending {
			return nil, conflict("order %s is %s, not pending", orderID, o.Status)
		}
		return map[string]string{
			"status":      string(models.OrderStatusActivated),
			"apiKeyId":    key.ID,
			"activatedBy": activatedBy,
			"activatedAt": storage.FormatTime(&now),
			"expiresAt":   storage.FormatTime(expiresAt),
		}, nil
	})
	if err == nil && activated == nil {
		err = notFound("order %s", orderID)
	}
	if err != nil {
		err = mapStoreErr(err, "order "+orderID)
		deactivateKey(ctx, s.provisioner, s.log, key.ID, "order_id", orderID)
		return nil, err
	}

	if err := s.store.ReleasePendingOrder(ctx, order.UserID, order.PlanID, orderID); err != nil {
		s.log.Warnw("failed to release pending slot", "order_id", orderID, "error", err)
	}

	s.log.Infow("order activated", "order_id", orderID, "api_key_id", key.ID, "activated_by", activatedBy)
	return activated, nil
}

// DeleteOrder removes an order that has not been activated
func (s *OrderService) DeleteOrder(ctx context.Context, orderID string) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusActivated {
		return conflict("cannot delete activated order %s", orderID)
	}

	if err := s.store.DeleteOrder(ctx, order); err != nil {
		return fmt.Errorf("delete order %s: %w", orderID, err)
	}

	s.log.Infow("order deleted", "order_id", orderID)
	return nil
}

// CheckOrderExpiration marks pending and activated orders past their expiry
// as expired and returns how many were transitioned.
func (s *OrderService) CheckOrderExpiration(ctx context.Context) (int, error) {
	orders, err := s.store.GetAllOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list orders: %w", err)
	}

	now := s.now()
	expired := 0
	for _, o := range orders {
		if !expiredAt(o, now) {
			continue
		}

		updated, err := s.store.UpdateOrderIf(ctx, o.ID, func(cur *models.Order) (map[string]string, error) {
			if cur == nil || !expiredAt(cur, now) {
				return nil, nil
			}
			return map[string]string{"status": string(models.OrderStatusExpired)}, nil
		})
		if errors.Is(err, storage.ErrStateChanged) {
			s.log.Debugw("order changed during sweep", "order_id", o.ID)
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire order %s: %w", o.ID, err)
		}
		if updated == nil || updated.Status != models.OrderStatusExpired {
			continue
		}

		if o.Status == models.OrderStatusPending {
			if err := s.store.ReleasePendingOrder(ctx, o.UserID, o.PlanID, o.ID); err != nil {
				s.log.Warnw("failed to release pending slot", "order_id", o.ID, "error", err)
			}
		}
		expired++
		s.log.Infow("order expired", "order_id", o.ID, "previous_status", o.Status)
	}

	if expired > 0 {
		s.log.Infow("order expiration check finished", "expired", expired)
	}
	return expired, nil
}

func expiredAt(o *models.Order, now time.Time) bool {
	if o.ExpiresAt == nil || !o.ExpiresAt.Before(now) {
		return false
	}
	return o.Status == models.OrderStatusPending || o.Status == models.OrderStatusActivated
}

// GetOrder returns the order or ErrNotFound
func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if order == nil {
		return nil, notFound("order %s", id)
	}
	return order, nil
}

// GetUserOrders returns a user's orders, newest first
func (s *OrderService) GetUserOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	orders, err := s.store.GetUserOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %s: %w", userID, err)
	}
	sortOrders(orders)
	return orders, nil
}

// GetAllOrders returns all orders, optionally filtered by status, newest first
func (s *OrderService) GetAllOrders(ctx context.Context, status models.OrderStatus) ([]*models.Order, error) {
	all, err := s.store.GetAllOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := all
	if status != "" {
		orders = make([]*models.Order, 0, len(all))
		for _, o := range all {
			if o.Status == status {
				orders = append(orders, o)
			}
		}
	}
	sortOrders(orders)
	return orders, nil
}

func sortOrders(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
