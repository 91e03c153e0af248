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

// TemplateService manages API key templates and turns them into keys
type TemplateService struct {
	store       *storage.Storage
	provisioner Provisioner
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewTemplateService creates a new template service
func NewTemplateService(store *storage.Storage, provisioner Provisioner, log *zap.SugaredLogger) *TemplateService {
	return &TemplateService{
		store:       store,
		provisioner: provisioner,
		log:         log,
		now:         time.Now,
	}
}

// CreateTemplate stores a new template and binds it to its plan, if any
func (s *TemplateService) CreateTemplate(ctx context.Context, t *models.APIKeyTemplate) (*models.APIKeyTemplate, error) {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return nil, invalid("template name is required")
	}

	tmpl := *t
	tmpl.Name = strings.TrimSpace(tmpl.Name)
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	tmpl.Tags = nonNil(tmpl.Tags)
	tmpl.RestrictedModels = nonNil(tmpl.RestrictedModels)
	tmpl.AllowedClients = nonNil(tmpl.AllowedClients)
	now := s.now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	existing, err := s.store.GetTemplate(ctx, tmpl.ID)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", tmpl.ID, err)
	}
	if existing != nil {
		return nil, conflict("template %s already exists", tmpl.ID)
	}

	if err := s.store.SaveTemplate(ctx, &tmpl, ""); err != nil {
		return nil, mapStoreErr(fmt.Errorf("save template: %w", err), "template "+tmpl.ID)
	}

	s.log.Infow("template created", "template_id", tmpl.ID, "name", tmpl.Name, "plan_id", tmpl.PlanID)
	return &tmpl, nil
}

// GetTemplate returns the template or ErrNotFound
func (s *TemplateService) GetTemplate(ctx context.Context, id string) (*models.APIKeyTemplate, error) {
	tmpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	if tmpl == nil {
		return nil, notFound("template %s", id)
	}
	return tmpl, nil
}

// GetTemplateByPlanID returns the template bound to planID or ErrNotFound
func (s *TemplateService) GetTemplateByPlanID(ctx context.Context, planID string) (*models.APIKeyTemplate, error) {
	tmpl, err := s.store.GetTemplateByPlanID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get template for plan %s: %w", planID, err)
	}
	if tmpl == nil {
		return nil, notFound("template for plan %s", planID)
	}
	return tmpl, nil
}

// ListTemplates returns all templates, newest first
func (s *TemplateService) ListTemplates(ctx context.Context) ([]*models.APIKeyTemplate, error) {
	templates, err := s.store.GetAllTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.After(templates[j].CreatedAt)
	})
	return templates, nil
}

// UpdateTemplate applies a partial update and moves the plan binding when
// the plan changes.
func (s *TemplateService) UpdateTemplate(ctx context.Context, id string, upd *models.APIKeyTemplateUpdate) (*models.APIKeyTemplate, error) {
	tmpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd == nil {
		return tmpl, nil
	}
	previousPlanID := tmpl.PlanID

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, invalid("template name is required")
		}
		tmpl.Name = name
	}
	if upd.Description != nil {
		tmpl.Description = *upd.Description
	}
	if upd.PlanID != nil {
		tmpl.PlanID = *upd.PlanID
	}

	if upd.TokenLimit != nil {
		tmpl.TokenLimit = upd.TokenLimit
	}
	if upd.ConcurrencyLimit != nil {
		tmpl.ConcurrencyLimit = upd.ConcurrencyLimit
	}
	if upd.RateLimitWindow != nil {
		tmpl.RateLimitWindow = upd.RateLimitWindow
	}
	if upd.RateLimitRequests != nil {
		tmpl.RateLimitRequests = upd.RateLimitRequests
	}
	if upd.RateLimitCost != nil {
		tmpl.RateLimitCost = upd.RateLimitCost
	}
	if upd.DailyCostLimit != nil {
		tmpl.DailyCostLimit = upd.DailyCostLimit
	}
	if upd.TotalCostLimit != nil {
		tmpl.TotalCostLimit = upd.TotalCostLimit
	}
	if upd.WeeklyOpusCostLimit != nil {
		tmpl.WeeklyOpusCostLimit = upd.WeeklyOpusCostLimit
	}

	if upd.EnableModelRestriction != nil {
		tmpl.EnableModelRestriction = *upd.EnableModelRestriction
	}
	if upd.RestrictedModels != nil {
		tmpl.RestrictedModels = upd.RestrictedModels
	}
	if upd.EnableClientRestriction != nil {
		tmpl.EnableClientRestriction = *upd.EnableClientRestriction
	}
	if upd.AllowedClients != nil {
		tmpl.AllowedClients = upd.AllowedClients
	}

	if upd.AccountBindings != nil {
		tmpl.AccountBindings = *upd.AccountBindings
	}
	if upd.Permissions != nil {
		tmpl.Permissions = *upd.Permissions
	}
	if upd.Tags != nil {
		tmpl.Tags = upd.Tags
	}
	if upd.Icon != nil {
		tmpl.Icon = *upd.Icon
	}
	tmpl.UpdatedAt = s.now()

	if err := s.store.SaveTemplate(ctx, tmpl, previousPlanID); err != nil {
		return nil, mapStoreErr(fmt.Errorf("save template: %w", err), "template "+id)
	}

	s.log.Infow("template updated", "template_id", id, "plan_id", tmpl.PlanID)
	return tmpl, nil
}

// DeleteTemplate removes a template and its plan binding
func (s *TemplateService) DeleteTemplate(ctx context.Context, id string) error {
	tmpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTemplate(ctx, tmpl); err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}

	s.log.Infow("template deleted", "template_id", id)
	return nil
}

// GenerateFromTemplate provisions a key for a user from a template. The
// override name wins when set; every other supplied override replaces the
// template value outright.
func (s *TemplateService) GenerateFromTemplate(ctx context.Context, templateID, userID, userUsername string, overrides *models.KeyOverrides) (*models.ProvisionedKey, error) {
	tmpl, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	cfg := configFromTemplate(tmpl, userID, userUsername)
	if overrides != nil {
		applyOverrides(cfg, overrides)
	}

	key, err := s.provisioner.GenerateAPIKey(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate key from template %s: %w", templateID, err)
	}

	s.log.Infow("key generated from template", "template_id", templateID, "api_key_id", key.ID, "user", userUsername)
	return key, nil
}

func configFromTemplate(t *models.APIKeyTemplate, userID, userUsername string) *models.KeyConfig {
	name := t.Name
	if name == "" {
		name = "Unnamed Key"
	}
	permissions := t.Permissions
	if permissions == "" {
		permissions = "all"
	}

	return &models.KeyConfig{
		UserID:       userID,
		UserUsername: userUsername,
		Name:         name,
		Description:  t.Description,
		KeyLimits:    t.KeyLimits,
		KeyRestrictions: models.KeyRestrictions{
			EnableModelRestriction:  t.EnableModelRestriction,
			RestrictedModels:        append([]string{}, t.RestrictedModels...),
			EnableClientRestriction: t.EnableClientRestriction,
			AllowedClients:          append([]string{}, t.AllowedClients...),
		},
		AccountBindings: t.AccountBindings,
		Permissions:     permissions,
		Tags:            append([]string{}, t.Tags...),
		Icon:            t.Icon,
	}
}

func applyOverrides(cfg *models.KeyConfig, o *models.KeyOverrides) {
	if o.Name != "" {
		cfg.Name = o.Name
	}
	if o.OrderID != nil {
		cfg.OrderID = *o.OrderID
	}
	if o.Description != nil {
		cfg.Description = *o.Description
	}

	if o.TokenLimit != nil {
		cfg.TokenLimit = o.TokenLimit
	}
	if o.ConcurrencyLimit != nil {
		cfg.ConcurrencyLimit = o.ConcurrencyLimit
	}
	if o.RateLimitWindow != nil {
		cfg.RateLimitWindow = o.RateLimitWindow
	}
	if o.RateLimitRequests != nil {
		cfg.RateLimitRequests = o.RateLimitRequests
	}
	if o.RateLimitCost != nil {
		cfg.RateLimitCost = o.RateLimitCost
	}
	if o.DailyCostLimit != nil {
		cfg.DailyCostLimit = o.DailyCostLimit
	}
	if o.TotalCostLimit != nil {
		cfg.TotalCostLimit = o.TotalCostLimit
	}
	if o.WeeklyOpusCostLimit != nil {
		cfg.WeeklyOpusCostLimit = o.WeeklyOpusCostLimit
	}

	if o.EnableModelRestriction != nil {
		cfg.EnableModelRestriction = *o.EnableModelRestriction
	}
	if o.RestrictedModels != nil {
		cfg.RestrictedModels = o.RestrictedModels
	}
	if o.EnableClientRestriction != nil {
		cfg.EnableClientRestriction = *o.EnableClientRestriction
	}
	if o.AllowedClients != nil {
		cfg.AllowedClients = o.AllowedClients
	}

	if o.Permissions != nil {
		cfg.Permissions = *o.Permissions
	}
	if o.Tags != nil {
		cfg.Tags = o.Tags
	}
	if o.Icon != nil {
		cfg.Icon = *o.Icon
	}
	if o.ExpiresAt != nil {
		cfg.ExpiresAt = o.ExpiresAt
	}
}
