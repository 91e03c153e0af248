package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ClientAuthService registers end users and manages their sessions
type ClientAuthService struct {
	store      *storage.Storage
	validate   *validator.Validate
	sessionTTL time.Duration
	log        *zap.SugaredLogger
	now        func() time.Time
}

// NewClientAuthService creates a new client auth service
func NewClientAuthService(store *storage.Storage, sessionTTL time.Duration, log *zap.SugaredLogger) *ClientAuthService {
	return &ClientAuthService{
		store:      store,
		validate:   newValidator(),
		sessionTTL: sessionTTL,
		log:        log,
		now:        time.Now,
	}
}

// Register creates a user after validating the request. Usernames and
// emails are unique case-insensitively.
func (s *ClientAuthService) Register(ctx context.Context, req *models.RegisterRequest) (*models.UserProfile, error) {
	if req == nil {
		return nil, invalid("registration data is required")
	}
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	username := strings.ToLower(req.Username)
	email := strings.ToLower(req.Email)
	userID := uuid.New().String()

	ok, err := s.store.ClaimUsername(ctx, username, userID)
	if err != nil {
		return nil, fmt.Errorf("claim username: %w", err)
	}
	if !ok {
		return nil, conflict("username %s is already taken", username)
	}

	ok, err = s.store.ClaimEmail(ctx, email, userID)
	if err != nil || !ok {
		s.releaseUsername(ctx, username, userID)
		if err != nil {
			return nil, fmt.Errorf("claim email: %w", err)
		}
		return nil, conflict("email %s is already registered", email)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.releaseClaims(ctx, username, email, userID)
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.ClientUser{
		ID:           userID,
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
		IsActive:     true,
	}
	if err := s.store.SaveClientUser(ctx, user); err != nil {
		s.releaseClaims(ctx, username, email, userID)
		return nil, fmt.Errorf("save user: %w", err)
	}

	s.log.Infow("client user registered", "user_id", userID, "username", username)
	return user.Profile(), nil
}

func (s *ClientAuthService) releaseUsername(ctx context.Context, username, userID string) {
	if err := s.store.ReleaseUsername(ctx, username, userID); err != nil {
		s.log.Warnw("failed to release username", "username", username, "error", err)
	}
}

func (s *ClientAuthService) releaseClaims(ctx context.Context, username, email, userID string) {
	s.releaseUsername(ctx, username, userID)
	if err := s.store.ReleaseEmail(ctx, email, userID); err != nil {
		s.log.Warnw("failed to release email", "email", email, "error", err)
	}
}

// Login authenticates by username or email and opens a session
func (s *ClientAuthService) Login(ctx context.Context, identifier, password string) (string, *models.UserProfile, error) {
	user, err := s.FindUser(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, fmt.Errorf("invalid credentials: %w", ErrUnauthorized)
		}
		return "", nil, err
	}
	if !user.IsActive {
		return "", nil, fmt.Errorf("account disabled: %w", ErrUnauthorized)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.log.Warnw("invalid password attempt", "identifier", identifier)
		return "", nil, fmt.Errorf("invalid credentials: %w", ErrUnauthorized)
	}

	now := s.now()
	user.LastLoginAt = &now
	if err := s.store.SaveClientUser(ctx, user); err != nil {
		s.log.Warnw("failed to record last login", "user_id", user.ID, "error", err)
	}

	token, err := newSessionToken()
	if err != nil {
		return "", nil, err
	}
	session := &models.ClientSession{
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.SaveClientSession(ctx, token, session, s.sessionTTL); err != nil {
		return "", nil, fmt.Errorf("save session: %w", err)
	}

	s.log.Infow("client user logged in", "user_id", user.ID, "username", user.Username)
	return token, user.Profile(), nil
}

// ValidateSession resolves a session token to the acting identity. The
// session is dropped when its user has been removed or disabled.
func (s *ClientAuthService) ValidateSession(ctx context.Context, token string) (*models.Identity, error) {
	session, err := s.activeSession(ctx, token)
	if err != nil {
		return nil, err
	}
	return &models.Identity{ID: session.UserID, Username: session.Username, Email: session.Email}, nil
}

func (s *ClientAuthService) activeSession(ctx context.Context, token string) (*models.ClientSession, error) {
	if token == "" {
		return nil, fmt.Errorf("missing session token: %w", ErrUnauthorized)
	}

	session, err := s.store.GetClientSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session expired or invalid: %w", ErrUnauthorized)
	}
	if s.now().After(session.ExpiresAt) {
		s.dropSession(ctx, token)
		return nil, fmt.Errorf("session expired or invalid: %w", ErrUnauthorized)
	}

	user, err := s.store.GetClientUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", session.UserID, err)
	}
	if user == nil || !user.IsActive {
		s.dropSession(ctx, token)
		s.log.Infow("session closed for inactive user", "user_id", session.UserID)
		return nil, fmt.Errorf("account disabled or removed: %w", ErrUnauthorized)
	}
	return session, nil
}

func (s *ClientAuthService) dropSession(ctx context.Context, token string) {
	if err := s.store.DeleteClientSession(ctx, token); err != nil {
		s.log.Warnw("failed to delete client session", "error", err)
	}
}

// RefreshSession extends a valid session by the full session TTL
func (s *ClientAuthService) RefreshSession(ctx context.Context, token string) (*models.SessionRefresh, error) {
	session, err := s.activeSession(ctx, token)
	if err != nil {
		return nil, err
	}

	session.ExpiresAt = s.now().Add(s.sessionTTL)
	if err := s.store.SaveClientSession(ctx, token, session, s.sessionTTL); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.log.Debugw("client session refreshed", "user_id", session.UserID)
	return &models.SessionRefresh{Token: token, ExpiresAt: session.ExpiresAt}, nil
}

// Logout drops the session
func (s *ClientAuthService) Logout(ctx context.Context, token string) error {
	if err := s.store.DeleteClientSession(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// GetProfile returns the public view of a user
func (s *ClientAuthService) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	user, err := s.store.GetClientUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user == nil {
		return nil, notFound("user %s", userID)
	}
	return user.Profile(), nil
}

// FindUser looks a user up by username or email
func (s *ClientAuthService) FindUser(ctx context.Context, identifier string) (*models.ClientUser, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		return nil, invalid("identifier is required")
	}

	id, err := s.store.ResolveUserID(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	if id == "" {
		return nil, notFound("user %s", identifier)
	}

	user, err := s.store.GetClientUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if user == nil {
		return nil, notFound("user %s", identifier)
	}
	return user, nil
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
