package storage

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/models"
)

func planToHash(p *models.Plan) map[string]string {
	fields := map[string]string{
		"id":               p.ID,
		"name":             p.Name,
		"type":             string(p.Type),
		"price":            formatFloat(p.Price),
		"isActive":         formatBool(p.IsActive),
		"apiKeyTemplateId": p.APIKeyTemplateID,
		"speedMultiplier":  formatFloat(p.SpeedMultiplier),
		"description":      p.Description,
		"purchaseLink":     p.PurchaseLink,
		"createdAt":        formatTime(&p.CreatedAt),
		"updatedAt":        formatTime(&p.UpdatedAt),
	}

	switch p.Type {
	case models.PlanTypeMonthly:
		fields["duration"] = strconv.Itoa(p.Duration)
		fields["dailyLimitActual"] = formatFloat(p.DailyLimitActual)
		fields["dailyLimitDisplay"] = formatFloat(p.DailyLimitDisplay)
	case models.PlanTypeUsage:
		fields["totalLimitActual"] = formatFloat(p.TotalLimitActual)
		fields["totalLimitDisplay"] = formatFloat(p.TotalLimitDisplay)
	}
	return fields
}

func planFromHash(h map[string]string) *models.Plan {
	p := &models.Plan{
		ID:               h["id"],
		Name:             h["name"],
		Type:             models.PlanType(h["type"]),
		Price:            parseFloat(h["price"]),
		IsActive:         parseBool(h["isActive"]),
		APIKeyTemplateID: h["apiKeyTemplateId"],
		SpeedMultiplier:  parseFloat(h["speedMultiplier"]),
		Description:      h["description"],
		PurchaseLink:     h["purchaseLink"],
		CreatedAt:        parseTimeOrZero(h["createdAt"]),
		UpdatedAt:        parseTimeOrZero(h["updatedAt"]),
	}
	if p.SpeedMultiplier == 0 {
		p.SpeedMultiplier = 1
	}

	switch p.Type {
	case models.PlanTypeMonthly:
		p.Duration = parseInt(h["duration"], 30)
		if p.Duration == 0 {
			p.Duration = 30
		}
		p.DailyLimitActual = parseFloat(h["dailyLimitActual"])
		p.DailyLimitDisplay = parseFloat(h["dailyLimitDisplay"])
	case models.PlanTypeUsage:
		p.TotalLimitActual = parseFloat(h["totalLimitActual"])
		p.TotalLimitDisplay = parseFloat(h["totalLimitDisplay"])
	}
	return p
}

// SavePlan writes the full plan record, replacing any previous fields
func (s *Storage) SavePlan(ctx context.Context, plan *models.Plan) error {
	key := planKey(plan.ID)
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hashToArgs(planToHash(plan)))
		pipe.SAdd(ctx, planListKey, plan.ID)
		return nil
	})
	return err
}

// GetPlan returns nil when the plan does not exist
func (s *Storage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	data, err := s.getHash(ctx, planKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return planFromHash(data), nil
}

// GetAllPlans returns every stored plan
func (s *Storage) GetAllPlans(ctx context.Context) ([]*models.Plan, error) {
	ids, err := s.redis.client.SMembers(ctx, planListKey).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = planKey(id)
	}

	hashes, err := s.getHashes(ctx, keys)
	if err != nil {
		return nil, err
	}

	plans := make([]*models.Plan, 0, len(hashes))
	for _, h := range hashes {
		plans = append(plans, planFromHash(h))
	}
	return plans, nil
}

// DeletePlan removes a plan and its index entry
func (s *Storage) DeletePlan(ctx context.Context, id string) error {
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, planKey(id))
		pipe.SRem(ctx, planListKey, id)
		return nil
	})
	return err
}
