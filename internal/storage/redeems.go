package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/models"
)

func redeemToHash(r *models.Redeem) map[string]string {
	return map[string]string{
		"code":             r.Code,
		"status":           string(r.Status),
		"createdAt":        formatTime(&r.CreatedAt),
		"expiresAt":        formatTime(r.ExpiresAt),
		"apiKeyId":         r.APIKeyID,
		"userId":           r.UserID,
		"activatedAt":      formatTime(r.ActivatedAt),
		"createdByAdminId": r.CreatedByAdminID,
		"notes":            r.Notes,
		"plaintextKeyEnc":  r.PlaintextKeyEnc,
	}
}

func redeemFromHash(h map[string]string) *models.Redeem {
	return &models.Redeem{
		Code:             h["code"],
		Status:           models.RedeemStatus(h["status"]),
		CreatedAt:        parseTimeOrZero(h["createdAt"]),
		ExpiresAt:        parseTime(h["expiresAt"]),
		APIKeyID:         h["apiKeyId"],
		UserID:           h["userId"],
		ActivatedAt:      parseTime(h["activatedAt"]),
		CreatedByAdminID: h["createdByAdminId"],
		Notes:            h["notes"],
		PlaintextKeyEnc:  h["plaintextKeyEnc"],
	}
}

// CreateRedeem stores a new code. It returns false without writing anything
// when the code already exists.
func (s *Storage) CreateRedeem(ctx context.Context, r *models.Redeem) (bool, error) {
	key := redeemKey(r.Code)
	created := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashToArgs(redeemToHash(r)))
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, key)
	if err == ErrStateChanged {
		return false, nil
	}
	return created, err
}

// SaveRedeem overwrites a redeem record wholesale
func (s *Storage) SaveRedeem(ctx context.Context, r *models.Redeem) error {
	key := redeemKey(r.Code)
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hashToArgs(redeemToHash(r)))
		if r.UserID != "" {
			pipe.SAdd(ctx, userRedeemsKey(r.UserID), r.Code)
		}
		return nil
	})
	return err
}

// GetRedeem returns nil when the code does not exist
func (s *Storage) GetRedeem(ctx context.Context, code string) (*models.Redeem, error) {
	data, err := s.getHash(ctx, redeemKey(code))
	if err != nil || data == nil {
		return nil, err
	}
	return redeemFromHash(data), nil
}

// GetAllRedeems scans the keyspace for redeem codes
func (s *Storage) GetAllRedeems(ctx context.Context) ([]*models.Redeem, error) {
	keys, err := s.scanKeys(ctx, redeemPrefix+"*")
	if err != nil {
		return nil, err
	}
	return s.redeemsFromKeys(ctx, keys)
}

// GetRedeemsByCodes loads the given codes, skipping missing ones
func (s *Storage) GetRedeemsByCodes(ctx context.Context, codes []string) ([]*models.Redeem, error) {
	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = redeemKey(code)
	}
	return s.redeemsFromKeys(ctx, keys)
}

func (s *Storage) redeemsFromKeys(ctx context.Context, keys []string) ([]*models.Redeem, error) {
	hashes, err := s.getHashes(ctx, keys)
	if err != nil {
		return nil, err
	}

	redeems := make([]*models.Redeem, 0, len(hashes))
	for _, h := range hashes {
		redeems = append(redeems, redeemFromHash(h))
	}
	return redeems, nil
}

// CountRedeems counts stored codes without loading them
func (s *Storage) CountRedeems(ctx context.Context) (int, error) {
	keys, err := s.scanKeys(ctx, redeemPrefix+"*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// UpdateRedeemIf has the same contract as UpdateOrderIf, for redeem codes
func (s *Storage) UpdateRedeemIf(ctx context.Context, code string, fn func(r *models.Redeem) (map[string]string, error)) (*models.Redeem, error) {
	key := redeemKey(code)
	var result *models.Redeem
	var fnErr error

	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		var current *models.Redeem
		if len(data) > 0 {
			current = redeemFromHash(data)
		}

		fields, ferr := fn(current)
		fnErr = ferr
		if len(fields) == 0 {
			result = current
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashToArgs(fields))
			return nil
		})
		if err != nil {
			return err
		}

		for k, v := range fields {
			data[k] = v
		}
		result = redeemFromHash(data)
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return result, fnErr
}

// DeleteRedeemIf deletes the code only when check passes on the current record
func (s *Storage) DeleteRedeemIf(ctx context.Context, code string, check func(r *models.Redeem) error) error {
	key := redeemKey(code)
	return s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		var current *models.Redeem
		if len(data) > 0 {
			current = redeemFromHash(data)
		}
		if err := check(current); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}

// AddUserRedeem records that userID activated code
func (s *Storage) AddUserRedeem(ctx context.Context, userID, code string) error {
	return s.redis.client.SAdd(ctx, userRedeemsKey(userID), code).Err()
}

// GetUserRedeemCodes lists codes activated by userID
func (s *Storage) GetUserRedeemCodes(ctx context.Context, userID string) ([]string, error) {
	return s.redis.client.SMembers(ctx, userRedeemsKey(userID)).Result()
}
