package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
)

const (
	redeemAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	redeemCodeLength = 16
	redeemCodeTries  = 5
	redeemTag        = "redeem"
)

// RedeemService mints one-time codes backed by pre-provisioned keys
type RedeemService struct {
	store       *storage.Storage
	provisioner Provisioner
	cipher      *PayloadCipher
	pool        *WorkerPool
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewRedeemService creates a new redeem service
func NewRedeemService(store *storage.Storage, provisioner Provisioner, cipher *PayloadCipher, pool *WorkerPool, log *zap.SugaredLogger) *RedeemService {
	return &RedeemService{
		store:       store,
		provisioner: provisioner,
		cipher:      cipher,
		pool:        pool,
		log:         log,
		now:         time.Now,
	}
}

// generateCode draws from a 32-symbol alphabet; 256 is a multiple of 32 so
// taking each random byte modulo 32 is uniform.
func generateCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = redeemAlphabet[int(b)%len(redeemAlphabet)]
	}
	return string(buf), nil
}

// CreateRedeem provisions a key and wraps it behind a new code
func (s *RedeemService) CreateRedeem(ctx context.Context, opts *models.RedeemOptions) (*models.RedeemCreated, error) {
	o := models.RedeemOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Name == "" {
		o.Name = "Redeem Key"
	}
	if o.ActivationUnit == "" {
		o.ActivationUnit = "days"
	}
	if o.ExpirationMode == "" {
		o.ExpirationMode = "fixed"
	}
	if o.ActivationDays < 0 {
		return nil, invalid("activation days must not be negative")
	}

	key, err := s.provisioner.GenerateAPIKey(ctx, &models.KeyConfig{
		Name:           o.Name,
		Description:    o.Description,
		ExpiresAt:      o.ExpiresAt,
		ActivationDays: o.ActivationDays,
		ActivationUnit: o.ActivationUnit,
		ExpirationMode: o.ExpirationMode,
		Permissions:    "all",
		CreatedBy:      "admin",
		Tags:           []string{redeemTag},
	})
	if err != nil {
		return nil, fmt.Errorf("provision redeem key: %w", err)
	}

	enc, err := s.cipher.Encrypt(key.PlainKey)
	if err != nil {
		deactivateKey(ctx, s.provisioner, s.log, key.ID)
		return nil, fmt.Errorf("encrypt redeem key: %w", err)
	}

	redeem := &models.Redeem{
		Status:           models.RedeemStatusUnused,
		CreatedAt:        s.now(),
		ExpiresAt:        o.ExpiresAt,
		APIKeyID:         key.ID,
		CreatedByAdminID: o.AdminID,
		Notes:            o.Notes,
		PlaintextKeyEnc:  enc,
	}
	if err := s.insert(ctx, redeem); err != nil {
		deactivateKey(ctx, s.provisioner, s.log, key.ID)
		return nil, err
	}

	code := redeem.Code
	if _, err := s.provisioner.UpdateAPIKey(ctx, key.ID, &models.APIKeyUpdate{BoundRedeemCode: &code}); err != nil {
		s.log.Debugw("failed to annotate key with redeem code", "code", code, "api_key_id", key.ID, "error", err)
	}

	s.log.Infow("redeem code created", "code", code, "api_key_id", key.ID, "admin_id", o.AdminID)
	return &models.RedeemCreated{Code: code, APIKeyID: key.ID, ExpiresAt: o.ExpiresAt}, nil
}

func (s *RedeemService) insert(ctx context.Context, r *models.Redeem) error {
	for i := 0; i < redeemCodeTries; i++ {
		code, err := generateCode(redeemCodeLength)
		if err != nil {
			return err
		}
		r.Code = code

		created, err := s.store.CreateRedeem(ctx, r)
		if err != nil {
			return fmt.Errorf("save redeem: %w", err)
		}
		if created {
			return nil
		}
		s.log.Warnw("redeem code collision", "code", code)
	}
	return conflict("could not allocate a unique redeem code")
}

// ActivateRedeem claims an unused code for user and returns the key's
// plaintext secret. A code past its expiry is marked expired instead.
func (s *RedeemService) ActivateRedeem(ctx context.Context, code string, user models.Identity) (*models.RedeemActivation, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || user.ID == "" {
		return nil, invalid("code and user are required")
	}

	now := s.now()
	claimed, err := s.store.UpdateRedeemIf(ctx, code, func(r *models.Redeem) (map[string]string, error) {
		if r == nil {
			return nil, notFound("redeem code %s", code)
		}
		if r.Status != models.RedeemStatusUnused {
			return nil, conflict("redeem code %s is %s", code, r.Status)
		}
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			return map[string]string{"status": string(models.RedeemStatusExpired)},
				fmt.Errorf("redeem code %s: %w", code, ErrExpired)
		}
		return map[string]string{
			"status":      string(models.RedeemStatusUsed),
			"userId":      user.ID,
			"activatedAt": storage.FormatTime(&now),
		}, nil
	})
	if err != nil {
		return nil, mapStoreErr(err, "redeem code "+code)
	}

	plain, err := s.cipher.Decrypt(claimed.PlaintextKeyEnc)
	if err != nil {
		s.rollback(ctx, code, user.ID)
		return nil, fmt.Errorf("decrypt redeem key: %w", err)
	}

	owner := user.ID
	username := user.Username
	createdBy := "admin"
	if _, err := s.provisioner.UpdateAPIKey(ctx, claimed.APIKeyID, &models.APIKeyUpdate{
		UserID:          &owner,
		UserUsername:    &username,
		Tags:            []string{redeemTag},
		BoundRedeemCode: &code,
		CreatedBy:       &createdBy,
	}); err != nil {
		s.rollback(ctx, code, user.ID)
		return nil, fmt.Errorf("rebind redeem key %s: %w", claimed.APIKeyID, err)
	}

	if err := s.store.AddUserRedeem(ctx, user.ID, code); err != nil {
		s.log.Errorw("failed to record user redeem", "code", code, "user_id", user.ID, "error", err)
	}

	s.log.Infow("redeem code activated", "code", code, "user_id", user.ID, "api_key_id", claimed.APIKeyID)
	return &models.RedeemActivation{APIKeyID: claimed.APIKeyID, APIKey: plain}, nil
}

// rollback returns a code claimed by userID to unused
func (s *RedeemService) rollback(ctx context.Context, code, userID string) {
	_, err := s.store.UpdateRedeemIf(ctx, code, func(r *models.Redeem) (map[string]string, error) {
		if r == nil || r.Status != models.RedeemStatusUsed || r.UserID != userID {
			return nil, nil
		}
		return map[string]string{
			"status":      string(models.RedeemStatusUnused),
			"userId":      "",
			"activatedAt": "",
		}, nil
	})
	if err != nil {
		s.log.Errorw("failed to roll back redeem claim", "code", code, "user_id", userID, "error", err)
		return
	}
	s.log.Warnw("redeem claim rolled back", "code", code, "user_id", userID)
}

// GetRedeem returns the code or ErrNotFound
func (s *RedeemService) GetRedeem(ctx context.Context, code string) (*models.Redeem, error) {
	redeem, err := s.store.GetRedeem(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get redeem %s: %w", code, err)
	}
	if redeem == nil {
		return nil, notFound("redeem code %s", code)
	}
	return redeem, nil
}

// ListRedeems returns every code with its key name and description attached
// where the key can still be read, newest first
func (s *RedeemService) ListRedeems(ctx context.Context) ([]*models.Redeem, error) {
	redeems, err := s.store.GetAllRedeems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list redeems: %w", err)
	}
	if _, err := s.enrich(ctx, redeems); err != nil {
		return nil, err
	}

	sort.Slice(redeems, func(i, j int) bool {
		return redeems[i].CreatedAt.After(redeems[j].CreatedAt)
	})
	return redeems, nil
}

// GetUserRedeems returns the codes a user activated, most recent first
func (s *RedeemService) GetUserRedeems(ctx context.Context, userID string) ([]*models.Redeem, error) {
	codes, err := s.store.GetUserRedeemCodes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list redeem codes for user %s: %w", userID, err)
	}
	redeems, err := s.store.GetRedeemsByCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("load redeems for user %s: %w", userID, err)
	}
	if _, err := s.enrich(ctx, redeems); err != nil {
		return nil, err
	}

	sort.Slice(redeems, func(i, j int) bool {
		return redeemRecency(redeems[i]).After(redeemRecency(redeems[j]))
	})
	return redeems, nil
}

func redeemRecency(r *models.Redeem) time.Time {
	if r.ActivatedAt != nil {
		return *r.ActivatedAt
	}
	return r.CreatedAt
}

// enrich attaches key names and descriptions. Lookups that fail or find no
// key leave the record as is; the number of such records is returned.
func (s *RedeemService) enrich(ctx context.Context, redeems []*models.Redeem) (int, error) {
	missing := make([]bool, len(redeems))
	err := s.pool.Each(ctx, len(redeems), func(ctx context.Context, i int) error {
		r := redeems[i]
		key, err := s.provisioner.GetAPIKeyByID(ctx, r.APIKeyID)
		if err != nil {
			s.log.Debugw("failed to load key for redeem", "code", r.Code, "api_key_id", r.APIKeyID, "error", err)
			missing[i] = true
			return nil
		}
		if key == nil {
			missing[i] = true
			return nil
		}
		r.APIKeyName = key.Name
		r.APIKeyDescription = key.Description
		return nil
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range missing {
		if m {
			n++
		}
	}
	return n, nil
}

// UpdateRedeem changes status, expiry or notes; nothing else is mutable
func (s *RedeemService) UpdateRedeem(ctx context.Context, code string, upd *models.RedeemUpdate) (*models.Redeem, error) {
	if upd != nil && upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, invalid("unknown redeem status %q", *upd.Status)
		}
		if *upd.Status == models.RedeemStatusUsed {
			return nil, invalid("status %s is only set by activation", models.RedeemStatusUsed)
		}
	}

	redeem, err := s.store.UpdateRedeemIf(ctx, code, func(r *models.Redeem) (map[string]string, error) {
		if r == nil {
			return nil, notFound("redeem code %s", code)
		}
		fields := map[string]string{}
		if upd == nil {
			return fields, nil
		}
		if upd.Status != nil && *upd.Status != r.Status {
			if r.Status == models.RedeemStatusUsed {
				return nil, conflict("redeem code %s is already used", code)
			}
			fields["status"] = string(*upd.Status)
		}
		if upd.ExpiresAt != nil {
			fields["expiresAt"] = storage.FormatTime(upd.ExpiresAt)
		}
		if upd.Notes != nil {
			fields["notes"] = *upd.Notes
		}
		return fields, nil
	})
	if err != nil {
		return nil, mapStoreErr(err, "redeem code "+code)
	}

	s.log.Infow("redeem code updated", "code", code)
	return redeem, nil
}

// DeleteRedeem removes a code that has not been used
func (s *RedeemService) DeleteRedeem(ctx context.Context, code string) error {
	err := s.store.DeleteRedeemIf(ctx, code, func(r *models.Redeem) error {
		if r == nil {
			return notFound("redeem code %s", code)
		}
		if r.Status == models.RedeemStatusUsed {
			return conflict("cannot delete used redeem code %s", code)
		}
		return nil
	})
	if err != nil {
		return mapStoreErr(err, "redeem code "+code)
	}

	s.log.Infow("redeem code deleted", "code", code)
	return nil
}
