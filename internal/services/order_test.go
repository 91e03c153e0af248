package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relay-billing-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPlanWithTemplate(t *testing.T, env *testEnv, planType models.PlanType) (*models.Plan, *models.APIKeyTemplate) {
	t.Helper()
	ctx := context.Background()

	in := &models.PlanInput{Name: "Pro", Type: planType, Price: 29.9}
	if planType == models.PlanTypeMonthly {
		in.Duration = 30
		in.DailyLimitDisplay = 100
		in.DailyLimitActual = 50
	} else {
		in.TotalLimitDisplay = 1000
		in.TotalLimitActual = 500
	}
	plan, err := env.plans.CreatePlan(ctx, in)
	require.NoError(t, err)

	tmpl, err := env.templates.CreateTemplate(ctx, newTemplate(plan.ID))
	require.NoError(t, err)
	return plan, tmpl
}

func TestCreateOrder(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeMonthly)

	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, "Pro", order.PlanName)
	assert.Equal(t, 29.9, order.Price)
	require.NotNil(t, order.ExpiresAt)
	assert.Equal(t, env.clock.Now().Add(72*time.Hour), *order.ExpiresAt)

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)
	assert.Equal(t, "alice", stored.UserUsername)
}

func TestCreateOrderIsIdempotentPerUserAndPlan(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeMonthly)

	first, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	second, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ExpiresAt.After(*first.ExpiresAt))
	assert.Equal(t, env.clock.Now(), second.CreatedAt)

	orders, err := env.orders.GetUserOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	other, err := env.orders.CreateOrder(ctx, "u2", "bob", plan.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	all, err := env.orders.GetAllOrders(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCreateOrderConcurrentRequestsShareOneOrder(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeUsage)

	const n = 8
	ids := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			o, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
			if err != nil {
				errs <- err
				return
			}
			ids <- o.ID
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		select {
		case id := <-ids:
			seen[id] = true
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Len(t, seen, 1)

	pending, err := env.orders.GetAllOrders(ctx, models.OrderStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCreateOrderReplacesStaleSlot(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeUsage)

	_, claimed, err := env.store.ClaimPendingOrder(ctx, "u1", plan.ID, "ghost")
	require.NoError(t, err)
	require.True(t, claimed)

	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "ghost", order.ID)

	again, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)
}

func TestCreateOrderAfterExpiry(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeUsage)

	first, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)

	env.clock.Advance(73 * time.Hour)
	n, err := env.orders.CheckOrderExpiration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.OrderStatusPending, second.Status)
}

func TestCreateOrderRejectsMissingOrInactivePlan(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.orders.CreateOrder(ctx, "u1", "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	inactive, err := env.plans.CreatePlan(ctx, &models.PlanInput{Name: "Old", Type: models.PlanTypeUsage, IsActive: ptr(false)})
	require.NoError(t, err)
	_, err = env.orders.CreateOrder(ctx, "u1", "alice", inactive.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.orders.CreateOrder(ctx, "", "alice", inactive.ID)
	assert.ErrorIs(t, err, ErrValidation)

	orders, err := env.orders.GetAllOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestActivateOrderMonthly(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeMonthly)

	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	activated, err := env.orders.ActivateOrder(ctx, order.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusActivated, activated.Status)
	assert.Equal(t, "key-1", activated.APIKeyID)
	assert.Equal(t, "admin", activated.ActivatedBy)
	require.NotNil(t, activated.ActivatedAt)
	assert.Equal(t, env.clock.Now(), *activated.ActivatedAt)
	require.NotNil(t, activated.ExpiresAt)
	assert.Equal(t, env.clock.Now().AddDate(0, 0, 30), *activated.ExpiresAt)

	cfg := env.prov.lastConfig()
	assert.Equal(t, "Proalice"+order.ID[:4], cfg.Name)
	assert.Equal(t, order.ID, cfg.OrderID)
	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, int64(100000), *cfg.TokenLimit)
	assert.Equal(t, int64(2), *cfg.ConcurrencyLimit)
	assert.Equal(t, 5.5, *cfg.DailyCostLimit)

	_, err = env.orders.ActivateOrder(ctx, order.ID, "admin")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, env.prov.configs, 1)
}

func TestActivateOrderUsagePlanHasNoExpiry(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeUsage)

	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)

	activated, err := env.orders.ActivateOrder(ctx, order.ID, "admin")
	require.NoError(t, err)
	assert.Nil(t, activated.ExpiresAt)

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ExpiresAt)
	assert.Equal(t, models.OrderStatusActivated, stored.Status)
}

func TestActivateOrderReleasesPendingSlot(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeUsage)

	first, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	_, err = env.orders.ActivateOrder(ctx, first.ID, "admin")
	require.NoError(t, err)

	second, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.OrderStatusPending, second.Status)
}

func TestActivateOrderWithoutTemplate(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	plan, err := env.plans.CreatePlan(ctx, &models.PlanInput{Name: "Bare", Type: models.PlanTypeUsage})
	require.NoError(t, err)
	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)

	_, err = env.orders.ActivateOrder(ctx, order.ID, "admin")
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Empty(t, env.prov.configs)
}

func TestActivateOrderProvisioningFailureKeepsOrderPending(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeUsage)

	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)

	env.prov.generateErr = errors.New("upstream down")
	_, err = env.orders.ActivateOrder(ctx, order.ID, "admin")
	require.Error(t, err)

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Empty(t, stored.APIKeyID)
}

func TestActivateOrderNotFound(t *testing.T) {
	env := setupTestEnv(t)
	_, err := env.orders.ActivateOrder(context.Background(), "missing", "admin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteOrder(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	plan, _ := seedPlanWithTemplate(t, env, models.PlanTypeUsage)

	pending, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	require.NoError(t, env.orders.DeleteOrder(ctx, pending.ID))
	_, err = env.orders.GetOrder(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	assert.NotEqual(t, pending.ID, order.ID)
	_, err = env.orders.ActivateOrder(ctx, order.ID, "admin")
	require.NoError(t, err)

	assert.ErrorIs(t, env.orders.DeleteOrder(ctx, order.ID), ErrConflict)
	assert.ErrorIs(t, env.orders.DeleteOrder(ctx, "missing"), ErrNotFound)
}

func TestCheckOrderExpiration(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	orders := []*models.Order{
		{ID: "pending-past", UserID: "u1", PlanID: "p1", Status: models.OrderStatusPending, CreatedAt: now, ExpiresAt: &yesterday},
		{ID: "pending-future", UserID: "u1", PlanID: "p2", Status: models.OrderStatusPending, CreatedAt: now, ExpiresAt: &tomorrow},
		{ID: "active-past", UserID: "u2", PlanID: "p1", Status: models.OrderStatusActivated, CreatedAt: now, ExpiresAt: &yesterday},
		{ID: "active-forever", UserID: "u2", PlanID: "p3", Status: models.OrderStatusActivated, CreatedAt: now},
		{ID: "already-expired", UserID: "u3", PlanID: "p1", Status: models.OrderStatusExpired, CreatedAt: now, ExpiresAt: &yesterday},
	}
	for _, o := range orders {
		require.NoError(t, env.store.SaveOrder(ctx, o))
	}

	n, err := env.orders.CheckOrderExpiration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := map[string]models.OrderStatus{
		"pending-past":    models.OrderStatusExpired,
		"pending-future":  models.OrderStatusPending,
		"active-past":     models.OrderStatusExpired,
		"active-forever":  models.OrderStatusActivated,
		"already-expired": models.OrderStatusExpired,
	}
	for id, status := range want {
		o, err := env.orders.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, o.Status, id)
	}

	n, err = env.orders.CheckOrderExpiration(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetOrdersSortedNewestFirst(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	p1, err := env.plans.CreatePlan(ctx, &models.PlanInput{Name: "One", Type: models.PlanTypeUsage})
	require.NoError(t, err)
	p2, err := env.plans.CreatePlan(ctx, &models.PlanInput{Name: "Two", Type: models.PlanTypeUsage})
	require.NoError(t, err)

	older, err := env.orders.CreateOrder(ctx, "u1", "alice", p1.ID)
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	newer, err := env.orders.CreateOrder(ctx, "u1", "alice", p2.ID)
	require.NoError(t, err)

	orders, err := env.orders.GetUserOrders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, newer.ID, orders[0].ID)
	assert.Equal(t, older.ID, orders[1].ID)

	none, err := env.orders.GetUserOrders(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOrderLifecycleEndToEnd(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	plan, err := env.plans.CreatePlan(ctx, &models.PlanInput{
		Name:              "Usage 1000",
		Type:              models.PlanTypeUsage,
		Price:             10,
		TotalLimitDisplay: 1000,
		TotalLimitActual:  250,
	})
	require.NoError(t, err)
	assert.Equal(t, 4.0, plan.SpeedMultiplier)

	_, err = env.templates.CreateTemplate(ctx, &models.APIKeyTemplate{
		Name:      "Usage key",
		PlanID:    plan.ID,
		KeyLimits: models.KeyLimits{TotalCostLimit: ptr(250.0)},
	})
	require.NoError(t, err)

	order, err := env.orders.CreateOrder(ctx, "u1", "alice", plan.ID)
	require.NoError(t, err)
	activated, err := env.orders.ActivateOrder(ctx, order.ID, "admin")
	require.NoError(t, err)

	key := env.prov.key(activated.APIKeyID)
	require.NotNil(t, key)
	assert.Equal(t, 250.0, *key.TotalCostLimit)
	assert.Equal(t, order.ID, key.OrderID)
	assert.Equal(t, "u1", key.UserID)

	env.clock.Advance(365 * 24 * time.Hour)
	n, err := env.orders.CheckOrderExpiration(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
