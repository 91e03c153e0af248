package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/services"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	adminSessionCookie  = "session"
	clientSessionCookie = "client_session"
	clientTokenHeader   = "X-Client-Token"
	identityKey         = "identity"
)

// AuthMiddleware admits admin requests carrying a valid session cookie or
// bearer JWT
func AuthMiddleware(authService *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/admin/login" {
			return c.Next()
		}
		if !authService.IsAuthRequired() {
			return c.Next()
		}

		sessionID := c.Cookies(adminSessionCookie)
		if sessionID != "" && authService.ValidateSession(c.UserContext(), sessionID) {
			return c.Next()
		}

		if token := bearerToken(c); token != "" && authService.ValidateJWT(token) {
			return c.Next()
		}

		return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{Error: "Unauthorized"})
	}
}

// ClientAuthMiddleware resolves the client session and stores the identity
// in the request locals
func ClientAuthMiddleware(clientAuth *services.ClientAuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Path() {
		case "/client/register", "/client/login":
			return c.Next()
		}

		identity, err := clientAuth.ValidateSession(c.UserContext(), clientToken(c))
		if err != nil {
			return err
		}
		c.Locals(identityKey, identity)
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

func clientToken(c *fiber.Ctx) string {
	if token := c.Get(clientTokenHeader); token != "" {
		return token
	}
	if token := bearerToken(c); token != "" {
		return token
	}
	return c.Cookies(clientSessionCookie)
}

func currentIdentity(c *fiber.Ctx) *models.Identity {
	identity, _ := c.Locals(identityKey).(*models.Identity)
	return identity
}

// RateLimitMiddleware throttles a route to perMinute requests per client IP
func RateLimitMiddleware(perMinute int, log *zap.SugaredLogger) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:               perMinute,
		Expiration:        time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Warnw("rate limit exceeded", "ip", c.IP(), "path", c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{Error: "Too many requests"})
		},
	})
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userThrottle keeps one token bucket per signed-in client user
type userThrottle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

func newUserThrottle(perMinute, burst int) *userThrottle {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &userThrottle{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		idle:    10 * time.Minute,
	}
}

func (t *userThrottle) allow(userID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buckets) > 1024 {
		for key, b := range t.buckets {
			if now.Sub(b.lastSeen) > t.idle {
				delete(t.buckets, key)
			}
		}
	}

	b, ok := t.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// ActivationThrottle limits redeem attempts per client user. Must run after
// ClientAuthMiddleware.
func ActivationThrottle(perMinute, burst int, log *zap.SugaredLogger) fiber.Handler {
	throttle := newUserThrottle(perMinute, burst)
	return func(c *fiber.Ctx) error {
		identity := currentIdentity(c)
		if identity == nil {
			return c.Next()
		}
		if !throttle.allow(identity.ID, time.Now()) {
			log.Warnw("redeem attempts throttled", "user_id", identity.ID, "ip", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{Error: "Too many redeem attempts"})
		}
		return c.Next()
	}
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrExpired):
		return fiber.StatusGone
	case errors.Is(err, services.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusInternalServerError
	}
}

// NewErrorHandler renders every handler error in the JSON envelope. Internal
// errors are logged and hidden from the client.
func NewErrorHandler(log *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)
		message := err.Error()
		if code == fiber.StatusInternalServerError {
			log.Errorw("request failed", "method", c.Method(), "path", c.Path(), "error", err)
			message = "Internal Server Error"
		}
		return c.Status(code).JSON(models.ErrorResponse{Error: message})
	}
}
