package storage

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/models"
)

func apiKeyToHash(k *models.APIKey) map[string]string {
	fields := map[string]string{
		"id":              k.ID,
		"name":            k.Name,
		"description":     k.Description,
		"userId":          k.UserID,
		"userUsername":    k.UserUsername,
		"orderId":         k.OrderID,
		"apiKey":          k.HashedKey,
		"permissions":     k.Permissions,
		"tags":            formatList(k.Tags),
		"icon":            k.Icon,
		"createdBy":       k.CreatedBy,
		"boundRedeemCode": k.BoundRedeemCode,
		"isActive":        formatBool(k.IsActive),
		"createdAt":       formatTime(&k.CreatedAt),
		"expiresAt":       formatTime(k.ExpiresAt),
		"activationDays":  strconv.Itoa(k.ActivationDays),
		"activationUnit":  k.ActivationUnit,
		"expirationMode":  k.ExpirationMode,
	}
	putLimits(fields, &k.KeyLimits)
	putRestrictions(fields, &k.KeyRestrictions)
	putBindings(fields, &k.AccountBindings)
	return fields
}

func apiKeyFromHash(h map[string]string) *models.APIKey {
	return &models.APIKey{
		ID:              h["id"],
		Name:            h["name"],
		Description:     h["description"],
		UserID:          h["userId"],
		UserUsername:    h["userUsername"],
		OrderID:         h["orderId"],
		HashedKey:       h["apiKey"],
		KeyLimits:       readLimits(h),
		KeyRestrictions: readRestrictions(h),
		AccountBindings: readBindings(h),
		Permissions:     h["permissions"],
		Tags:            parseList(h["tags"]),
		Icon:            h["icon"],
		CreatedBy:       h["createdBy"],
		BoundRedeemCode: h["boundRedeemCode"],
		IsActive:        parseBool(h["isActive"]),
		CreatedAt:       parseTimeOrZero(h["createdAt"]),
		ExpiresAt:       parseTime(h["expiresAt"]),
		ActivationDays:  parseInt(h["activationDays"], 0),
		ActivationUnit:  h["activationUnit"],
		ExpirationMode:  h["expirationMode"],
	}
}

// SaveAPIKey stores a provisioned key and its hash lookup entry
func (s *Storage) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	id := apiKeyKey(key.ID)
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, id)
		pipe.HSet(ctx, id, hashToArgs(apiKeyToHash(key)))
		pipe.SAdd(ctx, apiKeyListKey, key.ID)
		if key.HashedKey != "" {
			pipe.HSet(ctx, apiKeyHashMap, key.HashedKey, key.ID)
		}
		return nil
	})
	return err
}

// GetAPIKey returns nil when the key does not exist
func (s *Storage) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	data, err := s.getHash(ctx, apiKeyKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return apiKeyFromHash(data), nil
}

// FindAPIKeyIDByHash resolves a hashed secret to its key id
func (s *Storage) FindAPIKeyIDByHash(ctx context.Context, hashed string) (string, error) {
	id, err := s.redis.client.HGet(ctx, apiKeyHashMap, hashed).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// GetAllAPIKeys returns every stored key, hash included
func (s *Storage) GetAllAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	ids, err := s.redis.client.SMembers(ctx, apiKeyListKey).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = apiKeyKey(id)
	}

	hashes, err := s.getHashes(ctx, keys)
	if err != nil {
		return nil, err
	}

	result := make([]*models.APIKey, 0, len(hashes))
	for _, h := range hashes {
		result = append(result, apiKeyFromHash(h))
	}
	return result, nil
}

func (s *Storage) CountAPIKeys(ctx context.Context) (int, error) {
	n, err := s.redis.client.SCard(ctx, apiKeyListKey).Result()
	return int(n), err
}
