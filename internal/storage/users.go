package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/models"
)

// ClaimUsername reserves a lower-cased username for userID
func (s *Storage) ClaimUsername(ctx context.Context, username, userID string) (bool, error) {
	return s.redis.client.SetNX(ctx, clientUsernameKey(username), userID, 0).Result()
}

// ClaimEmail reserves a lower-cased email for userID
func (s *Storage) ClaimEmail(ctx context.Context, email, userID string) (bool, error) {
	return s.redis.client.SetNX(ctx, clientEmailKey(email), userID, 0).Result()
}

// ReleaseUsername undoes ClaimUsername when registration fails part way
func (s *Storage) ReleaseUsername(ctx context.Context, username, userID string) error {
	return compareAndDelete.Run(ctx, s.redis.client, []string{clientUsernameKey(username)}, userID).Err()
}

// ReleaseEmail undoes ClaimEmail when registration fails part way
func (s *Storage) ReleaseEmail(ctx context.Context, email, userID string) error {
	return compareAndDelete.Run(ctx, s.redis.client, []string{clientEmailKey(email)}, userID).Err()
}

// ResolveUserID looks the identifier up as a username first, then as an email
func (s *Storage) ResolveUserID(ctx context.Context, identifier string) (string, error) {
	id, err := s.redis.client.Get(ctx, clientUsernameKey(identifier)).Result()
	if err == nil {
		return id, nil
	}
	if err != redis.Nil {
		return "", err
	}

	id, err = s.redis.client.Get(ctx, clientEmailKey(identifier)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// SaveClientUser stores the user record as JSON
func (s *Storage) SaveClientUser(ctx context.Context, user *models.ClientUser) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.redis.client.Set(ctx, clientUserKey(user.ID), data, 0).Err()
}

// GetClientUser returns nil when the user does not exist
func (s *Storage) GetClientUser(ctx context.Context, id string) (*models.ClientUser, error) {
	data, err := s.redis.client.Get(ctx, clientUserKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var user models.ClientUser
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetAllClientUsers scans for every stored user record
func (s *Storage) GetAllClientUsers(ctx context.Context) ([]*models.ClientUser, error) {
	keys, err := s.scanKeys(ctx, clientUserGlob)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*models.ClientUser{}, nil
	}

	values, err := s.redis.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	users := make([]*models.ClientUser, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var user models.ClientUser
		if err := json.Unmarshal([]byte(data), &user); err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, nil
}

// SaveClientSession stores a session that Redis expires on its own after
// ttl and records the token against its user.
func (s *Storage) SaveClientSession(ctx context.Context, token string, session *models.ClientSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	userSessions := clientUserSessionsKey(session.UserID)
	_, err = s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, clientSessionKey(token), data, ttl)
		pipe.SAdd(ctx, userSessions, token)
		pipe.Expire(ctx, userSessions, ttl)
		return nil
	})
	return err
}

// DeleteUserSessions drops every session opened by userID and returns how
// many tokens were tracked.
func (s *Storage) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	userSessions := clientUserSessionsKey(userID)
	tokens, err := s.redis.client.SMembers(ctx, userSessions).Result()
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, clientSessionKey(token))
	}
	keys = append(keys, userSessions)
	if err := s.redis.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(tokens), nil
}

func (s *Storage) GetClientSession(ctx context.Context, token string) (*models.ClientSession, error) {
	data, err := s.redis.client.Get(ctx, clientSessionKey(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var session models.ClientSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Storage) DeleteClientSession(ctx context.Context, token string) error {
	return s.redis.client.Del(ctx, clientSessionKey(token)).Err()
}

// Admin session operations

func (s *Storage) SaveSession(ctx context.Context, session *models.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.redis.client.Set(ctx, sessionKey(session.ID), data, ttl).Err()
}

func (s *Storage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.redis.client.Get(ctx, sessionKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	return s.redis.client.Del(ctx, sessionKey(id)).Err()
}
