package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvisioner records every request and can be told to fail
type fakeProvisioner struct {
	mu      sync.Mutex
	keys    map[string]*models.APIKey
	plain   map[string]string
	configs []*models.KeyConfig
	seq     int

	generateErr error
	updateErr   error
	getErr      error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		keys:  make(map[string]*models.APIKey),
		plain: make(map[string]string),
	}
}

func (p *fakeProvisioner) GenerateAPIKey(_ context.Context, cfg *models.KeyConfig) (*models.ProvisionedKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.configs = append(p.configs, cfg)
	if p.generateErr != nil {
		return nil, p.generateErr
	}

	p.seq++
	key := &models.APIKey{
		ID:              fmt.Sprintf("key-%d", p.seq),
		Name:            cfg.Name,
		Description:     cfg.Description,
		UserID:          cfg.UserID,
		UserUsername:    cfg.UserUsername,
		OrderID:         cfg.OrderID,
		KeyLimits:       cfg.KeyLimits,
		KeyRestrictions: cfg.KeyRestrictions,
		AccountBindings: cfg.AccountBindings,
		Permissions:     cfg.Permissions,
		Tags:            cfg.Tags,
		CreatedBy:       cfg.CreatedBy,
		IsActive:        true,
		ExpiresAt:       cfg.ExpiresAt,
	}
	p.keys[key.ID] = key
	p.plain[key.ID] = fmt.Sprintf("cr_secret_%d", p.seq)

	copied := *key
	return &models.ProvisionedKey{APIKey: &copied, PlainKey: p.plain[key.ID]}, nil
}

func (p *fakeProvisioner) UpdateAPIKey(_ context.Context, id string, upd *models.APIKeyUpdate) (*models.APIKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.updateErr != nil {
		return nil, p.updateErr
	}
	key, ok := p.keys[id]
	if !ok {
		return nil, notFound("api key %s", id)
	}
	if upd.UserID != nil {
		key.UserID = *upd.UserID
	}
	if upd.UserUsername != nil {
		key.UserUsername = *upd.UserUsername
	}
	if upd.Tags != nil {
		key.Tags = upd.Tags
	}
	if upd.BoundRedeemCode != nil {
		key.BoundRedeemCode = *upd.BoundRedeemCode
	}
	if upd.CreatedBy != nil {
		key.CreatedBy = *upd.CreatedBy
	}
	if upd.IsActive != nil {
		key.IsActive = *upd.IsActive
	}
	copied := *key
	return &copied, nil
}

func (p *fakeProvisioner) GetAPIKeyByID(_ context.Context, id string) (*models.APIKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.getErr != nil {
		return nil, p.getErr
	}
	key, ok := p.keys[id]
	if !ok {
		return nil, nil
	}
	copied := *key
	return &copied, nil
}

func (p *fakeProvisioner) key(id string) *models.APIKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[id]
}

func (p *fakeProvisioner) lastConfig() *models.KeyConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.configs) == 0 {
		return nil
	}
	return p.configs[len(p.configs)-1]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store     *storage.Storage
	mr        *miniredis.Miniredis
	prov      *fakeProvisioner
	clock     *testClock
	plans     *PlanService
	templates *TemplateService
	orders    *OrderService
	redeems   *RedeemService
}

var testCipher *PayloadCipher

func redeemTestCipher(t *testing.T) *PayloadCipher {
	t.Helper()
	if testCipher == nil {
		c, err := NewPayloadCipher("test-encryption-secret", RedeemPayloadSalt)
		require.NoError(t, err)
		testCipher = c
	}
	return testCipher
}

func setupTestStore(t *testing.T) (*storage.Storage, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return storage.NewStorage(storage.WrapClient(client)), mr
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, mr := setupTestStore(t)
	log := zap.NewNop().Sugar()
	prov := newFakeProvisioner()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	plans := NewPlanService(store, log)
	plans.now = clock.Now
	templates := NewTemplateService(store, prov, log)
	templates.now = clock.Now
	orders := NewOrderService(store, templates, prov, 72*time.Hour, log)
	orders.now = clock.Now
	redeems := NewRedeemService(store, prov, redeemTestCipher(t), NewWorkerPool(4), log)
	redeems.now = clock.Now

	return &testEnv{
		store:     store,
		mr:        mr,
		prov:      prov,
		clock:     clock,
		plans:     plans,
		templates: templates,
		orders:    orders,
		redeems:   redeems,
	}
}

func ptr[T any](v T) *T { return &v }

func num(v float64) *models.Number {
	n := models.Number(v)
	return &n
}
