package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/models"
)

func templateToHash(t *models.APIKeyTemplate) map[string]string {
	fields := map[string]string{
		"id":          t.ID,
		"name":        t.Name,
		"description": t.Description,
		"planId":      t.PlanID,
		"permissions": t.Permissions,
		"tags":        formatList(t.Tags),
		"icon":        t.Icon,
		"createdAt":   formatTime(&t.CreatedAt),
		"updatedAt":   formatTime(&t.UpdatedAt),
	}
	putLimits(fields, &t.KeyLimits)
	putRestrictions(fields, &t.KeyRestrictions)
	putBindings(fields, &t.AccountBindings)
	return fields
}

func templateFromHash(h map[string]string) *models.APIKeyTemplate {
	return &models.APIKeyTemplate{
		ID:              h["id"],
		Name:            h["name"],
		Description:     h["description"],
		PlanID:          h["planId"],
		KeyLimits:       readLimits(h),
		KeyRestrictions: readRestrictions(h),
		AccountBindings: readBindings(h),
		Permissions:     h["permissions"],
		Tags:            parseList(h["tags"]),
		Icon:            h["icon"],
		CreatedAt:       parseTimeOrZero(h["createdAt"]),
		UpdatedAt:       parseTimeOrZero(h["updatedAt"]),
	}
}

func putLimits(fields map[string]string, l *models.KeyLimits) {
	fields["tokenLimit"] = formatNullableInt(l.TokenLimit)
	fields["concurrencyLimit"] = formatNullableInt(l.ConcurrencyLimit)
	fields["rateLimitWindow"] = formatNullableInt(l.RateLimitWindow)
	fields["rateLimitRequests"] = formatNullableInt(l.RateLimitRequests)
	fields["rateLimitCost"] = formatNullableFloat(l.RateLimitCost)
	fields["dailyCostLimit"] = formatNullableFloat(l.DailyCostLimit)
	fields["totalCostLimit"] = formatNullableFloat(l.TotalCostLimit)
	fields["weeklyOpusCostLimit"] = formatNullableFloat(l.WeeklyOpusCostLimit)
}

func readLimits(h map[string]string) models.KeyLimits {
	return models.KeyLimits{
		TokenLimit:          parseNullableInt(h["tokenLimit"]),
		ConcurrencyLimit:    parseNullableInt(h["concurrencyLimit"]),
		RateLimitWindow:     parseNullableInt(h["rateLimitWindow"]),
		RateLimitRequests:   parseNullableInt(h["rateLimitRequests"]),
		RateLimitCost:       parseNullableFloat(h["rateLimitCost"]),
		DailyCostLimit:      parseNullableFloat(h["dailyCostLimit"]),
		TotalCostLimit:      parseNullableFloat(h["totalCostLimit"]),
		WeeklyOpusCostLimit: parseNullableFloat(h["weeklyOpusCostLimit"]),
	}
}

func putRestrictions(fields map[string]string, r *models.KeyRestrictions) {
	fields["enableModelRestriction"] = formatBool(r.EnableModelRestriction)
	fields["restrictedModels"] = formatList(r.RestrictedModels)
	fields["enableClientRestriction"] = formatBool(r.EnableClientRestriction)
	fields["allowedClients"] = formatList(r.AllowedClients)
}

func readRestrictions(h map[string]string) models.KeyRestrictions {
	return models.KeyRestrictions{
		EnableModelRestriction:  parseBool(h["enableModelRestriction"]),
		RestrictedModels:        parseList(h["restrictedModels"]),
		EnableClientRestriction: parseBool(h["enableClientRestriction"]),
		AllowedClients:          parseList(h["allowedClients"]),
	}
}

func putBindings(fields map[string]string, b *models.AccountBindings) {
	fields["claudeAccountId"] = b.ClaudeAccountID
	fields["claudeConsoleAccountId"] = b.ClaudeConsoleAccountID
	fields["geminiAccountId"] = b.GeminiAccountID
	fields["openaiAccountId"] = b.OpenAIAccountID
	fields["azureOpenaiAccountId"] = b.AzureOpenAIAccountID
	fields["bedrockAccountId"] = b.BedrockAccountID
	fields["droidAccountId"] = b.DroidAccountID
}

func readBindings(h map[string]string) models.AccountBindings {
	return models.AccountBindings{
		ClaudeAccountID:        h["claudeAccountId"],
		ClaudeConsoleAccountID: h["claudeConsoleAccountId"],
		GeminiAccountID:        h["geminiAccountId"],
		OpenAIAccountID:        h["openaiAccountId"],
		AzureOpenAIAccountID:   h["azureOpenaiAccountId"],
		BedrockAccountID:       h["bedrockAccountId"],
		DroidAccountID:         h["droidAccountId"],
	}
}

// SaveTemplate writes the full template record. The plan index is only
// written when the template binds to a plan it did not hold before
// (previousPlanID); a template displaced from that plan loses its planId.
func (s *Storage) SaveTemplate(ctx context.Context, t *models.APIKeyTemplate, previousPlanID string) error {
	key := templateKey(t.ID)
	write := func(pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hashToArgs(templateToHash(t)))
		pipe.SAdd(ctx, templateListKey, t.ID)
		if previousPlanID != "" && previousPlanID != t.PlanID {
			compareAndDelete.Eval(ctx, pipe, []string{templatePlanKey(previousPlanID)}, t.ID)
		}
	}

	if t.PlanID == "" || t.PlanID == previousPlanID {
		_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}

	index := templatePlanKey(t.PlanID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, index).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		displaced := false
		if holder != "" && holder != t.ID {
			n, err := tx.Exists(ctx, templateKey(holder)).Result()
			if err != nil {
				return err
			}
			displaced = n > 0
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			if displaced {
				pipe.HSet(ctx, templateKey(holder), "planId", "")
			}
			pipe.Set(ctx, index, t.ID, 0)
			return nil
		})
		return err
	}, index)
}

// GetTemplate returns nil when the template does not exist
func (s *Storage) GetTemplate(ctx context.Context, id string) (*models.APIKeyTemplate, error) {
	data, err := s.getHash(ctx, templateKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return templateFromHash(data), nil
}

// GetTemplateByPlanID resolves the plan index; a dangling index reads as nil
func (s *Storage) GetTemplateByPlanID(ctx context.Context, planID string) (*models.APIKeyTemplate, error) {
	id, err := s.redis.client.Get(ctx, templatePlanKey(planID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return s.GetTemplate(ctx, id)
}

// GetAllTemplates returns every stored template
func (s *Storage) GetAllTemplates(ctx context.Context) ([]*models.APIKeyTemplate, error) {
	ids, err := s.redis.client.SMembers(ctx, templateListKey).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = templateKey(id)
	}

	hashes, err := s.getHashes(ctx, keys)
	if err != nil {
		return nil, err
	}

	templates := make([]*models.APIKeyTemplate, 0, len(hashes))
	for _, h := range hashes {
		templates = append(templates, templateFromHash(h))
	}
	return templates, nil
}

// DeleteTemplate removes a template together with its plan binding
func (s *Storage) DeleteTemplate(ctx context.Context, t *models.APIKeyTemplate) error {
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, templateKey(t.ID))
		pipe.SRem(ctx, templateListKey, t.ID)
		if t.PlanID != "" {
			compareAndDelete.Eval(ctx, pipe, []string{templatePlanKey(t.PlanID)}, t.ID)
		}
		return nil
	})
	return err
}
