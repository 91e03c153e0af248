package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/google/uuid"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
)

// Provisioner issues and manages API keys. The plaintext secret is only ever
// returned by GenerateAPIKey.
type Provisioner interface {
	GenerateAPIKey(ctx context.Context, cfg *models.KeyConfig) (*models.ProvisionedKey, error)
	UpdateAPIKey(ctx context.Context, id string, upd *models.APIKeyUpdate) (*models.APIKey, error)
	GetAPIKeyByID(ctx context.Context, id string) (*models.APIKey, error)
}

// APIKeyService is the Redis-backed Provisioner
type APIKeyService struct {
	store      *storage.Storage
	localCache *bigcache.BigCache
	prefix     string
	log        *zap.SugaredLogger
	now        func() time.Time
}

// NewAPIKeyService creates a new API key service
func NewAPIKeyService(store *storage.Storage, prefix string, cacheTTL time.Duration, cacheSizeMB int, log *zap.SugaredLogger) (*APIKeyService, error) {
	config := bigcache.DefaultConfig(cacheTTL)
	config.Shards = 16
	config.MaxEntriesInWindow = 10000
	config.MaxEntrySize = 2048
	config.HardMaxCacheSize = cacheSizeMB
	config.Verbose = false

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("init key cache: %w", err)
	}

	return &APIKeyService{
		store:      store,
		localCache: cache,
		prefix:     prefix,
		log:        log,
		now:        time.Now,
	}, nil
}

// Close releases the local cache
func (s *APIKeyService) Close() error {
	return s.localCache.Close()
}

// GenerateAPIKey creates a key from a resolved configuration
func (s *APIKeyService) GenerateAPIKey(ctx context.Context, cfg *models.KeyConfig) (*models.ProvisionedKey, error) {
	if cfg == nil {
		return nil, invalid("key configuration is required")
	}

	plain, err := s.newSecret()
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = "Unnamed Key"
	}
	permissions := cfg.Permissions
	if permissions == "" {
		permissions = "all"
	}
	createdBy := cfg.CreatedBy
	if createdBy == "" {
		createdBy = "user"
	}

	key := &models.APIKey{
		ID:              uuid.New().String(),
		Name:            name,
		Description:     cfg.Description,
		UserID:          cfg.UserID,
		UserUsername:    cfg.UserUsername,
		OrderID:         cfg.OrderID,
		HashedKey:       hashSecret(plain),
		KeyLimits:       cfg.KeyLimits,
		KeyRestrictions: cfg.KeyRestrictions,
		AccountBindings: cfg.AccountBindings,
		Permissions:     permissions,
		Tags:            nonNil(cfg.Tags),
		Icon:            cfg.Icon,
		CreatedBy:       createdBy,
		IsActive:        true,
		CreatedAt:       s.now(),
		ExpiresAt:       cfg.ExpiresAt,
		ActivationDays:  cfg.ActivationDays,
		ActivationUnit:  cfg.ActivationUnit,
		ExpirationMode:  cfg.ExpirationMode,
	}

	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("save api key: %w", err)
	}

	s.log.Infow("api key generated", "api_key_id", key.ID, "name", key.Name, "user_id", key.UserID)
	return &models.ProvisionedKey{APIKey: key, PlainKey: plain}, nil
}

// UpdateAPIKey applies a partial update to a stored key
func (s *APIKeyService) UpdateAPIKey(ctx context.Context, id string, upd *models.APIKeyUpdate) (*models.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, notFound("api key %s", id)
	}
	if upd == nil {
		return key, nil
	}

	if upd.Name != nil {
		key.Name = *upd.Name
	}
	if upd.Description != nil {
		key.Description = *upd.Description
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

	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("save api key: %w", err)
	}
	s.Forget(id)

	return key, nil
}

// GetAPIKeyByID returns the redacted key, or nil when it does not exist
func (s *APIKeyService) GetAPIKeyByID(ctx context.Context, id string) (*models.APIKey, error) {
	if data, err := s.localCache.Get(id); err == nil {
		var cached models.APIKey
		if json.Unmarshal(data, &cached) == nil {
			return &cached, nil
		}
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		s.log.Debugw("key cache read failed", "api_key_id", id, "error", err)
	}

	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil || key == nil {
		return nil, err
	}
	key.HashedKey = ""

	if data, err := json.Marshal(key); err == nil {
		_ = s.localCache.Set(id, data)
	}
	return key, nil
}

// Forget evicts a key from the local cache
func (s *APIKeyService) Forget(id string) {
	_ = s.localCache.Delete(id)
}

// LookupByPlaintext resolves a presented secret to its key
func (s *APIKeyService) LookupByPlaintext(ctx context.Context, plain string) (*models.APIKey, error) {
	id, err := s.store.FindAPIKeyIDByHash(ctx, hashSecret(plain))
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetAPIKeyByID(ctx, id)
}

// deactivateKey switches off a key that was provisioned for a record that
// was never written
func deactivateKey(ctx context.Context, p Provisioner, log *zap.SugaredLogger, keyID string, keysAndValues ...interface{}) {
	inactive := false
	fields := append([]interface{}{"api_key_id", keyID}, keysAndValues...)
	if _, err := p.UpdateAPIKey(ctx, keyID, &models.APIKeyUpdate{IsActive: &inactive}); err != nil {
		log.Errorw("orphaned api key left active", append(fields, "error", err)...)
		return
	}
	log.Warnw("orphaned api key deactivated", fields...)
}

func (s *APIKeyService) newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return s.prefix + hex.EncodeToString(buf), nil
}

func hashSecret(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
