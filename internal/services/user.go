package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
)

// UserService is the admin view over registered client users
type UserService struct {
	store       *storage.Storage
	provisioner Provisioner
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewUserService creates a new user service
func NewUserService(store *storage.Storage, provisioner Provisioner, log *zap.SugaredLogger) *UserService {
	return &UserService{
		store:       store,
		provisioner: provisioner,
		log:         log,
		now:         time.Now,
	}
}

// ListUsers returns users newest first, optionally filtered by active state
func (s *UserService) ListUsers(ctx context.Context, active *bool) ([]*models.UserProfile, error) {
	users, err := s.store.GetAllClientUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})

	profiles := make([]*models.UserProfile, 0, len(users))
	for _, u := range users {
		if active != nil && u.IsActive != *active {
			continue
		}
		profiles = append(profiles, u.Profile())
	}
	return profiles, nil
}

// GetUser returns the user or ErrNotFound
func (s *UserService) GetUser(ctx context.Context, id string) (*models.UserProfile, error) {
	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return user.Profile(), nil
}

// SetUserStatus enables or disables a user. Disabling closes the user's
// sessions and switches off every API key they own.
func (s *UserService) SetUserStatus(ctx context.Context, id string, active bool) (*models.UserProfile, error) {
	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if active && user.DeletedAt != nil {
		return nil, conflict("user %s has been deleted", id)
	}

	now := s.now()
	user.IsActive = active
	user.UpdatedAt = &now
	if err := s.store.SaveClientUser(ctx, user); err != nil {
		return nil, fmt.Errorf("save user %s: %w", id, err)
	}

	if !active {
		s.shutOut(ctx, user)
	}

	s.log.Infow("user status updated", "user_id", id, "username", user.Username, "active", active)
	return user.Profile(), nil
}

// DeleteUser soft-deletes a user: the record stays for order and redeem
// history but the account can no longer sign in.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	user, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	user.IsActive = false
	user.UpdatedAt = &now
	user.DeletedAt = &now
	if err := s.store.SaveClientUser(ctx, user); err != nil {
		return fmt.Errorf("save user %s: %w", id, err)
	}
	s.shutOut(ctx, user)

	s.log.Infow("user deleted", "user_id", id, "username", user.Username)
	return nil
}

func (s *UserService) load(ctx context.Context, id string) (*models.ClientUser, error) {
	user, err := s.store.GetClientUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if user == nil {
		return nil, notFound("user %s", id)
	}
	return user, nil
}

// shutOut closes sessions and deactivates keys; failures are logged
func (s *UserService) shutOut(ctx context.Context, user *models.ClientUser) {
	sessions, err := s.store.DeleteUserSessions(ctx, user.ID)
	if err != nil {
		s.log.Errorw("failed to close user sessions", "user_id", user.ID, "error", err)
	}

	keys, err := s.store.GetAllAPIKeys(ctx)
	if err != nil {
		s.log.Errorw("failed to list api keys for disabled user", "user_id", user.ID, "error", err)
		return
	}

	inactive := false
	disabled := 0
	for _, k := range keys {
		if k.UserID != user.ID || !k.IsActive {
			continue
		}
		if _, err := s.provisioner.UpdateAPIKey(ctx, k.ID, &models.APIKeyUpdate{IsActive: &inactive}); err != nil {
			s.log.Errorw("failed to disable api key", "user_id", user.ID, "api_key_id", k.ID, "error", err)
			continue
		}
		disabled++
	}

	s.log.Infow("user shut out", "user_id", user.ID, "sessions", sessions, "api_keys_disabled", disabled)
}
