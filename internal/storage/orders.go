package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/models"
)

func orderToHash(o *models.Order) map[string]string {
	return map[string]string{
		"id":           o.ID,
		"userId":       o.UserID,
		"userUsername": o.UserUsername,
		"planId":       o.PlanID,
		"planName":     o.PlanName,
		"price":        formatFloat(o.Price),
		"status":       string(o.Status),
		"createdAt":    formatTime(&o.CreatedAt),
		"expiresAt":    formatTime(o.ExpiresAt),
		"apiKeyId":     o.APIKeyID,
		"activatedBy":  o.ActivatedBy,
		"activatedAt":  formatTime(o.ActivatedAt),
	}
}

func orderFromHash(h map[string]string) *models.Order {
	return &models.Order{
		ID:           h["id"],
		UserID:       h["userId"],
		UserUsername: h["userUsername"],
		PlanID:       h["planId"],
		PlanName:     h["planName"],
		Price:        parseFloat(h["price"]),
		Status:       models.OrderStatus(h["status"]),
		CreatedAt:    parseTimeOrZero(h["createdAt"]),
		ExpiresAt:    parseTime(h["expiresAt"]),
		APIKeyID:     h["apiKeyId"],
		ActivatedBy:  h["activatedBy"],
		ActivatedAt:  parseTime(h["activatedAt"]),
	}
}

// SaveOrder writes the full order record and its user/global indexes
func (s *Storage) SaveOrder(ctx context.Context, o *models.Order) error {
	key := orderKey(o.ID)
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hashToArgs(orderToHash(o)))
		pipe.SAdd(ctx, orderListKey, o.ID)
		pipe.SAdd(ctx, userOrdersKey(o.UserID), o.ID)
		return nil
	})
	return err
}

// GetOrder returns nil when the order does not exist
func (s *Storage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	data, err := s.getHash(ctx, orderKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return orderFromHash(data), nil
}

// GetAllOrders returns every stored order
func (s *Storage) GetAllOrders(ctx context.Context) ([]*models.Order, error) {
	return s.ordersFromSet(ctx, orderListKey)
}

// GetUserOrders returns the orders placed by one user
func (s *Storage) GetUserOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	return s.ordersFromSet(ctx, userOrdersKey(userID))
}

func (s *Storage) ordersFromSet(ctx context.Context, setKey string) ([]*models.Order, error) {
	ids, err := s.redis.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = orderKey(id)
	}

	hashes, err := s.getHashes(ctx, keys)
	if err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(hashes))
	for _, h := range hashes {
		orders = append(orders, orderFromHash(h))
	}
	return orders, nil
}

// UpdateOrderFields sets individual hash fields on an existing order
func (s *Storage) UpdateOrderFields(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.redis.client.HSet(ctx, orderKey(id), hashToArgs(fields)).Err()
}

// UpdateOrderIf reads the order under WATCH and hands it to fn. The fields
// fn returns are written in a single MULTI only if nobody touched the order
// in between; otherwise ErrStateChanged is returned. fn receives nil when the
// order does not exist. An error from fn is returned after any fields it
// produced have been written.
func (s *Storage) UpdateOrderIf(ctx context.Context, id string, fn func(o *models.Order) (map[string]string, error)) (*models.Order, error) {
	key := orderKey(id)
	var result *models.Order
	var fnErr error

	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		var current *models.Order
		if len(data) > 0 {
			current = orderFromHash(data)
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
		result = orderFromHash(data)
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return result, fnErr
}

// DeleteOrder removes an order and its index entries
func (s *Storage) DeleteOrder(ctx context.Context, o *models.Order) error {
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, orderKey(o.ID))
		pipe.SRem(ctx, orderListKey, o.ID)
		pipe.SRem(ctx, userOrdersKey(o.UserID), o.ID)
		compareAndDelete.Eval(ctx, pipe, []string{pendingOrderKey(o.UserID, o.PlanID)}, o.ID)
		return nil
	})
	return err
}

// ClaimPendingOrder atomically reserves the (user, plan) pending slot for
// orderID. When the slot is taken it returns the current holder.
func (s *Storage) ClaimPendingOrder(ctx context.Context, userID, planID, orderID string) (string, bool, error) {
	key := pendingOrderKey(userID, planID)
	ok, err := s.redis.client.SetNX(ctx, key, orderID, 0).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return orderID, true, nil
	}

	holder, err := s.redis.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Released between SETNX and GET; try once more.
		ok, err = s.redis.client.SetNX(ctx, key, orderID, 0).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return orderID, true, nil
		}
		holder, err = s.redis.client.Get(ctx, key).Result()
	}
	if err != nil {
		return "", false, err
	}
	return holder, false, nil
}

// ReplacePendingOrder swaps a stale slot holder for orderID, provided the slot
// still points at staleID.
func (s *Storage) ReplacePendingOrder(ctx context.Context, userID, planID, staleID, orderID string) (bool, error) {
	key := pendingOrderKey(userID, planID)
	swapped := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil && holder != staleID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, orderID, 0)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)
	if err == ErrStateChanged {
		return false, nil
	}
	return swapped, err
}

// ReleasePendingOrder frees the pending slot if orderID still holds it
func (s *Storage) ReleasePendingOrder(ctx context.Context, userID, planID, orderID string) error {
	return compareAndDelete.Run(ctx, s.redis.client, []string{pendingOrderKey(userID, planID)}, orderID).Err()
}
