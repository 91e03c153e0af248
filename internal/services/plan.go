package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
)

const defaultPlanDuration = 30

// PlanService manages subscription plan definitions
type PlanService struct {
	store *storage.Storage
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewPlanService creates a new plan service
func NewPlanService(store *storage.Storage, log *zap.SugaredLogger) *PlanService {
	return &PlanService{store: store, log: log, now: time.Now}
}

// CalculateSpeedMultiplier is display/actual, or 1 when actual is zero
func CalculateSpeedMultiplier(display, actual float64) float64 {
	if actual == 0 {
		return 1
	}
	return display / actual
}

// CreatePlan validates and stores a new plan
func (s *PlanService) CreatePlan(ctx context.Context, in *models.PlanInput) (*models.Plan, error) {
	if in == nil || strings.TrimSpace(in.Name) == "" {
		return nil, invalid("plan name is required")
	}
	if !in.Type.Valid() {
		return nil, invalid("plan type must be %q or %q", models.PlanTypeMonthly, models.PlanTypeUsage)
	}

	now := s.now()
	plan := &models.Plan{
		ID:               in.ID,
		Name:             strings.TrimSpace(in.Name),
		Type:             in.Type,
		Price:            in.Price.Float64(),
		IsActive:         true,
		APIKeyTemplateID: in.APIKeyTemplateID,
		SpeedMultiplier:  1,
		Description:      in.Description,
		PurchaseLink:     in.PurchaseLink,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if in.IsActive != nil {
		plan.IsActive = *in.IsActive
	}

	switch plan.Type {
	case models.PlanTypeMonthly:
		plan.Duration = in.Duration.Int()
		if plan.Duration <= 0 {
			plan.Duration = defaultPlanDuration
		}
		plan.DailyLimitActual = in.DailyLimitActual.Float64()
		plan.DailyLimitDisplay = in.DailyLimitDisplay.Float64()
		plan.SpeedMultiplier = CalculateSpeedMultiplier(plan.DailyLimitDisplay, plan.DailyLimitActual)
	case models.PlanTypeUsage:
		plan.TotalLimitActual = in.TotalLimitActual.Float64()
		plan.TotalLimitDisplay = in.TotalLimitDisplay.Float64()
		plan.SpeedMultiplier = CalculateSpeedMultiplier(plan.TotalLimitDisplay, plan.TotalLimitActual)
	}

	if in.ID != "" {
		existing, err := s.store.GetPlan(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("get plan %s: %w", in.ID, err)
		}
		if existing != nil {
			return nil, conflict("plan %s already exists", in.ID)
		}
	}

	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}

	s.log.Infow("plan created", "plan_id", plan.ID, "name", plan.Name, "type", plan.Type)
	return plan, nil
}

// GetPlan returns the plan or ErrNotFound
func (s *PlanService) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	if plan == nil {
		return nil, notFound("plan %s", id)
	}
	return plan, nil
}

// ListPlans returns plans sorted by name
func (s *PlanService) ListPlans(ctx context.Context, includeInactive bool) ([]*models.Plan, error) {
	all, err := s.store.GetAllPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	plans := make([]*models.Plan, 0, len(all))
	for _, p := range all {
		if p.IsActive || includeInactive {
			plans = append(plans, p)
		}
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Name == plans[j].Name {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].Name < plans[j].Name
	})
	return plans, nil
}

// UpdatePlan applies a partial update. The plan type is fixed at creation,
// so only the limit pair belonging to the stored type is considered.
func (s *PlanService) UpdatePlan(ctx context.Context, id string, upd *models.PlanUpdate) (*models.Plan, error) {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd == nil {
		return plan, nil
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, invalid("plan name is required")
		}
		plan.Name = name
	}
	if upd.Price != nil {
		plan.Price = upd.Price.Float64()
	}
	if upd.IsActive != nil {
		plan.IsActive = *upd.IsActive
	}
	if upd.APIKeyTemplateID != nil {
		plan.APIKeyTemplateID = *upd.APIKeyTemplateID
	}
	if upd.Description != nil {
		plan.Description = *upd.Description
	}
	if upd.PurchaseLink != nil {
		plan.PurchaseLink = *upd.PurchaseLink
	}

	switch plan.Type {
	case models.PlanTypeMonthly:
		if upd.Duration != nil && upd.Duration.Int() > 0 {
			plan.Duration = upd.Duration.Int()
		}
		if upd.DailyLimitDisplay != nil || upd.DailyLimitActual != nil {
			if upd.DailyLimitDisplay != nil {
				plan.DailyLimitDisplay = upd.DailyLimitDisplay.Float64()
			}
			if upd.DailyLimitActual != nil {
				plan.DailyLimitActual = upd.DailyLimitActual.Float64()
			}
			plan.SpeedMultiplier = CalculateSpeedMultiplier(plan.DailyLimitDisplay, plan.DailyLimitActual)
		}
	case models.PlanTypeUsage:
		if upd.TotalLimitDisplay != nil || upd.TotalLimitActual != nil {
			if upd.TotalLimitDisplay != nil {
				plan.TotalLimitDisplay = upd.TotalLimitDisplay.Float64()
			}
			if upd.TotalLimitActual != nil {
				plan.TotalLimitActual = upd.TotalLimitActual.Float64()
			}
			plan.SpeedMultiplier = CalculateSpeedMultiplier(plan.TotalLimitDisplay, plan.TotalLimitActual)
		}
	}
	plan.UpdatedAt = s.now()

	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}

	s.log.Infow("plan updated", "plan_id", id)
	return plan, nil
}

// DeletePlan removes a plan
func (s *PlanService) DeletePlan(ctx context.Context, id string) error {
	if _, err := s.GetPlan(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeletePlan(ctx, id); err != nil {
		return fmt.Errorf("delete plan %s: %w", id, err)
	}

	s.log.Infow("plan deleted", "plan_id", id)
	return nil
}
