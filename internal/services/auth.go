package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
)

const adminSubject = "admin"

// AuthService handles admin authentication
type AuthService struct {
	store         *storage.Storage
	adminPassword string
	jwtSecret     []byte
	sessionTTL    time.Duration
	log           *zap.SugaredLogger
	now           func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(store *storage.Storage, adminPassword, jwtSecret string, sessionTTL time.Duration, log *zap.SugaredLogger) *AuthService {
	return &AuthService{
		store:         store,
		adminPassword: adminPassword,
		jwtSecret:     []byte(jwtSecret),
		sessionTTL:    sessionTTL,
		log:           log,
		now:           time.Now,
	}
}

// IsAuthRequired checks if authentication is required
func (s *AuthService) IsAuthRequired() bool {
	return s.adminPassword != ""
}

// ValidatePassword checks if the password is correct
func (s *AuthService) ValidatePassword(password string) bool {
	if !s.IsAuthRequired() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.adminPassword)) == 1
}

// Login checks the admin password and issues a session id and a JWT
func (s *AuthService) Login(ctx context.Context, password string) (string, string, error) {
	if !s.ValidatePassword(password) {
		s.log.Warnw("admin login rejected")
		return "", "", fmt.Errorf("invalid admin password: %w", ErrUnauthorized)
	}

	sessionID, err := s.CreateSession(ctx)
	if err != nil {
		return "", "", err
	}
	token, err := s.GenerateJWT()
	if err != nil {
		return "", "", err
	}

	s.log.Infow("admin logged in", "session_id", sessionID)
	return sessionID, token, nil
}

// CreateSession stores a new admin session that Redis expires after the TTL
func (s *AuthService) CreateSession(ctx context.Context) (string, error) {
	now := s.now()
	session := &models.Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	if err := s.store.SaveSession(ctx, session, s.sessionTTL); err != nil {
		return "", fmt.Errorf("save admin session: %w", err)
	}
	return session.ID, nil
}

// ValidateSession checks if a session is valid
func (s *AuthService) ValidateSession(ctx context.Context, sessionID string) bool {
	if !s.IsAuthRequired() {
		return true
	}
	if sessionID == "" {
		return false
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.log.Warnw("failed to read admin session", "error", err)
		return false
	}
	if session == nil {
		return false
	}

	if s.now().After(session.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, sessionID)
		return false
	}
	return true
}

// DeleteSession removes a session
func (s *AuthService) DeleteSession(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// GenerateJWT creates a bearer token for the admin API
func (s *AuthService) GenerateJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT validates a JWT token
func (s *AuthService) ValidateJWT(tokenString string) bool {
	if !s.IsAuthRequired() {
		return true
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return false
	}
	return claims.Subject == adminSubject
}
