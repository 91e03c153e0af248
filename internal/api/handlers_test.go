package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/relay-billing-go/internal/config"
	"github.com/relay-billing-go/internal/services"
	"github.com/relay-billing-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func testConfig(adminPassword string) *config.Config {
	return &config.Config{
		Env:              "test",
		AdminPassword:    adminPassword,
		JWTSecret:        "test-jwt-secret",
		SessionTTL:       time.Hour,
		ClientSessionTTL: time.Hour,
		EncryptionKey:    "test-encryption-secret",
		APIKeyPrefix:     "cr_",
		PendingOrderTTL:  72 * time.Hour,
		MaxWorkers:       4,
		CacheTTL:         time.Minute,
		LocalCacheSize:   8,
		RateLimit:        60,
		RedeemRateLimit:  60,
		RedeemRateBurst:  100,
	}
}

func setupTestApp(t *testing.T, cfg *config.Config) *fiber.App {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	log := zap.NewNop().Sugar()
	store := storage.NewStorage(storage.WrapClient(client))

	cipher, err := services.NewPayloadCipher(cfg.EncryptionKey, services.RedeemPayloadSalt)
	require.NoError(t, err)
	apiKeys, err := services.NewAPIKeyService(store, cfg.APIKeyPrefix, cfg.CacheTTL, cfg.LocalCacheSize, log)
	require.NoError(t, err)
	t.Cleanup(func() { apiKeys.Close() })

	pool := services.NewWorkerPool(cfg.MaxWorkers)
	templates := services.NewTemplateService(store, apiKeys, log)
	svc := Services{
		Auth:       services.NewAuthService(store, cfg.AdminPassword, cfg.JWTSecret, cfg.SessionTTL, log),
		ClientAuth: services.NewClientAuthService(store, cfg.ClientSessionTTL, log),
		Plans:      services.NewPlanService(store, log),
		Templates:  templates,
		Orders:     services.NewOrderService(store, templates, apiKeys, cfg.PendingOrderTTL, log),
		Redeems:    services.NewRedeemService(store, apiKeys, cipher, pool, log),
		APIKeys:    apiKeys,
		Users:      services.NewUserService(store, apiKeys, log),
		Transfer:   services.NewTransferService(store, apiKeys, log),
		Pool:       pool,
	}

	app := fiber.New(fiber.Config{ErrorHandler: NewErrorHandler(log)})
	SetupRoutes(app, NewHandlers(svc, cfg, log))
	return app
}

func call(t *testing.T, app *fiber.App, method, path string, body interface{}, headers map[string]string) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp, env
}

func decode(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("plan x: %w", services.ErrNotFound), fiber.StatusNotFound},
		{fmt.Errorf("order x: %w", services.ErrConflict), fiber.StatusConflict},
		{fmt.Errorf("code x: %w", services.ErrExpired), fiber.StatusGone},
		{fmt.Errorf("name: %w", services.ErrValidation), fiber.StatusBadRequest},
		{fmt.Errorf("login: %w", services.ErrUnauthorized), fiber.StatusUnauthorized},
		{fiber.NewError(fiber.StatusForbidden, "nope"), fiber.StatusForbidden},
		{errors.New("redis exploded"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestHealth(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestErrorEnvelope(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	resp, env := call(t, app, http.MethodGet, "/admin/plans/missing", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "missing")

	resp, env = call(t, app, http.MethodPost, "/admin/plans", map[string]interface{}{"name": "x", "type": "weekly"}, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)

	req := httptest.NewRequest(http.MethodPost, "/admin/plans", bytes.NewReader([]byte("{not json")))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	raw, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, raw.StatusCode)
}

func TestAdminAuthRequired(t *testing.T) {
	app := setupTestApp(t, testConfig("s3cret"))

	resp, env := call(t, app, http.MethodGet, "/admin/plans", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", env.Error)

	resp, _ = call(t, app, http.MethodPost, "/admin/login", map[string]string{"password": "wrong"}, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, env = call(t, app, http.MethodPost, "/admin/login", map[string]string{"password": "s3cret"}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
	}
	decode(t, env, &login)
	require.NotEmpty(t, login.Token)

	var sessionCookie string
	for _, c := range resp.Cookies() {
		if c.Name == adminSessionCookie {
			sessionCookie = c.Value
		}
	}
	require.NotEmpty(t, sessionCookie)

	resp, _ = call(t, app, http.MethodGet, "/admin/plans", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = call(t, app, http.MethodGet, "/admin/plans", nil, map[string]string{"Cookie": adminSessionCookie + "=" + sessionCookie})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = call(t, app, http.MethodGet, "/admin/plans", nil, map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRateLimited(t *testing.T) {
	cfg := testConfig("s3cret")
	cfg.RateLimit = 2
	app := setupTestApp(t, cfg)

	for i := 0; i < 2; i++ {
		resp, _ := call(t, app, http.MethodPost, "/admin/login", map[string]string{"password": "wrong"}, nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	}
	resp, env := call(t, app, http.MethodPost, "/admin/login", map[string]string{"password": "s3cret"}, nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "Too many requests", env.Error)
}

func TestClientRoutesRequireSession(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	resp, env := call(t, app, http.MethodGet, "/client/profile", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.False(t, env.Success)

	resp, _ = call(t, app, http.MethodGet, "/client/orders", nil, map[string]string{clientTokenHeader: "bogus"})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func registerAndLogin(t *testing.T, app *fiber.App, username string) string {
	t.Helper()

	resp, _ := call(t, app, http.MethodPost, "/client/register", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "Passw0rdX",
	}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, env := call(t, app, http.MethodPost, "/client/login", map[string]string{
		"identifier": username,
		"password":   "Passw0rdX",
	}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var login struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	decode(t, env, &login)
	require.Equal(t, username, login.User.Username)
	return login.Token
}

func TestOrderFlowOverHTTP(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	resp, env := call(t, app, http.MethodPost, "/admin/plans", map[string]interface{}{
		"name":              "Monthly",
		"type":              "monthly",
		"price":             "19.9",
		"duration":          30,
		"dailyLimitDisplay": 100,
		"dailyLimitActual":  50,
	}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var plan struct {
		ID              string  `json:"id"`
		SpeedMultiplier float64 `json:"speedMultiplier"`
		Price           float64 `json:"price"`
	}
	decode(t, env, &plan)
	assert.Equal(t, 2.0, plan.SpeedMultiplier)
	assert.Equal(t, 19.9, plan.Price)

	resp, _ = call(t, app, http.MethodPost, "/admin/templates", map[string]interface{}{
		"name":       "Monthly key",
		"planId":     plan.ID,
		"tokenLimit": 1000,
		"tags":       []string{"monthly"},
	}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	token := registerAndLogin(t, app, "alice")
	auth := map[string]string{clientTokenHeader: token}

	resp, env = call(t, app, http.MethodPost, "/client/orders", map[string]string{"planId": plan.ID}, auth)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var order struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		APIKeyID string `json:"apiKeyId"`
	}
	decode(t, env, &order)
	assert.Equal(t, "pending", order.Status)

	resp, env = call(t, app, http.MethodPost, "/admin/orders", map[string]string{"planId": plan.ID, "user": "alice@example.com"}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var same struct {
		ID string `json:"id"`
	}
	decode(t, env, &same)
	assert.Equal(t, order.ID, same.ID)

	resp, env = call(t, app, http.MethodPost, "/admin/orders/"+order.ID+"/activate", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decode(t, env, &order)
	assert.Equal(t, "activated", order.Status)
	require.NotEmpty(t, order.APIKeyID)

	resp, _ = call(t, app, http.MethodPost, "/admin/orders/"+order.ID+"/activate", nil, nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, env = call(t, app, http.MethodGet, "/admin/api-keys/"+order.APIKeyID, nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var key struct {
		Name       string `json:"name"`
		TokenLimit *int64 `json:"tokenLimit"`
		OrderID    string `json:"orderId"`
	}
	decode(t, env, &key)
	assert.Equal(t, order.ID, key.OrderID)
	require.NotNil(t, key.TokenLimit)
	assert.Equal(t, int64(1000), *key.TokenLimit)

	resp, _ = call(t, app, http.MethodGet, "/client/orders/"+order.ID, nil, auth)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	other := registerAndLogin(t, app, "bobby")
	resp, _ = call(t, app, http.MethodGet, "/client/orders/"+order.ID, nil, map[string]string{clientTokenHeader: other})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, app, http.MethodDelete, "/admin/orders/"+order.ID, nil, nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestRedeemFlowOverHTTP(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	resp, env := call(t, app, http.MethodPost, "/admin/redeems", map[string]interface{}{"name": "Gift", "notes": "promo"}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var created struct {
		Code     string `json:"code"`
		APIKeyID string `json:"apiKeyId"`
	}
	decode(t, env, &created)
	require.NotEmpty(t, created.Code)

	resp, env = call(t, app, http.MethodGet, "/admin/redeems/"+created.Code, nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(env.Data), "plaintextKeyEnc")

	token := registerAndLogin(t, app, "alice")
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp, env = call(t, app, http.MethodPost, "/client/redeems/activate", map[string]string{"code": created.Code}, auth)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var activation struct {
		APIKeyID string `json:"apiKeyId"`
		APIKey   string `json:"apiKey"`
	}
	decode(t, env, &activation)
	assert.Equal(t, created.APIKeyID, activation.APIKeyID)
	assert.Contains(t, activation.APIKey, "cr_")

	resp, _ = call(t, app, http.MethodPost, "/client/redeems/activate", map[string]string{"code": created.Code}, auth)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, env = call(t, app, http.MethodPost, "/admin/api-keys/lookup", map[string]string{"apiKey": activation.APIKey}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var key struct {
		ID           string `json:"id"`
		UserUsername string `json:"userUsername"`
	}
	decode(t, env, &key)
	assert.Equal(t, created.APIKeyID, key.ID)
	assert.Equal(t, "alice", key.UserUsername)

	resp, env = call(t, app, http.MethodGet, "/client/redeems", nil, auth)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var mine []struct {
		Code       string `json:"code"`
		APIKeyName string `json:"apiKeyName"`
	}
	decode(t, env, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, "Gift", mine[0].APIKeyName)

	resp, _ = call(t, app, http.MethodDelete, "/admin/redeems/"+created.Code, nil, nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestDataExportImportOverHTTP(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	resp, _ := call(t, app, http.MethodPost, "/admin/plans", map[string]interface{}{"name": "Usage", "type": "usage"}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, env := call(t, app, http.MethodGet, "/admin/data/preview", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var preview struct {
		Plans int `json:"plans"`
	}
	decode(t, env, &preview)
	assert.Equal(t, 1, preview.Plans)

	resp, env = call(t, app, http.MethodGet, "/admin/data/export", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var bundle map[string]interface{}
	decode(t, env, &bundle)

	other := setupTestApp(t, testConfig(""))
	resp, env = call(t, other, http.MethodPost, "/admin/data/import", bundle, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var result struct {
		Imported int `json:"imported"`
		Skipped  int `json:"skipped"`
	}
	decode(t, env, &result)
	assert.Equal(t, 1, result.Imported)

	resp, env = call(t, other, http.MethodPost, "/admin/data/import", bundle, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decode(t, env, &result)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 1, result.Skipped)
}

func clientProfileID(t *testing.T, app *fiber.App, token string) string {
	t.Helper()
	resp, env := call(t, app, http.MethodGet, "/client/profile", nil, map[string]string{clientTokenHeader: token})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var profile struct {
		ID string `json:"id"`
	}
	decode(t, env, &profile)
	return profile.ID
}

func TestAdminUserManagementOverHTTP(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	token := registerAndLogin(t, app, "alice")
	auth := map[string]string{clientTokenHeader: token}
	id := clientProfileID(t, app, token)
	registerAndLogin(t, app, "bobby")

	resp, env := call(t, app, http.MethodGet, "/admin/users", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var users []struct {
		ID       string `json:"id"`
		IsActive bool   `json:"isActive"`
	}
	decode(t, env, &users)
	assert.Len(t, users, 2)
	assert.NotContains(t, string(env.Data), "passwordHash")

	resp, _ = call(t, app, http.MethodPut, "/admin/users/"+id+"/status", map[string]interface{}{}, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, env = call(t, app, http.MethodPut, "/admin/users/"+id+"/status", map[string]interface{}{"isActive": false}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = call(t, app, http.MethodGet, "/client/profile", nil, auth)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, env = call(t, app, http.MethodGet, "/admin/users?isActive=false", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decode(t, env, &users)
	require.Len(t, users, 1)
	assert.Equal(t, id, users[0].ID)
	assert.False(t, users[0].IsActive)

	resp, env = call(t, app, http.MethodGet, "/admin/users/"+id+"/orders", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(env.Data))
	resp, _ = call(t, app, http.MethodGet, "/admin/users/"+id+"/redeems", nil, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = call(t, app, http.MethodGet, "/admin/users/missing/redeems", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = call(t, app, http.MethodDelete, "/admin/users/"+id, nil, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = call(t, app, http.MethodPut, "/admin/users/"+id+"/status", map[string]interface{}{"isActive": true}, nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestClientRefreshOverHTTP(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	token := registerAndLogin(t, app, "alice")

	resp, env := call(t, app, http.MethodPost, "/client/refresh", nil, map[string]string{clientTokenHeader: token})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var refresh struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	decode(t, env, &refresh)
	assert.Equal(t, token, refresh.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), refresh.ExpiresAt, time.Minute)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == clientSessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, token, cookie.Value)

	resp, _ = call(t, app, http.MethodPost, "/client/refresh", nil, map[string]string{clientTokenHeader: "bogus"})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRedeemActivationThrottled(t *testing.T) {
	cfg := testConfig("")
	cfg.RedeemRateLimit = 1
	cfg.RedeemRateBurst = 2
	app := setupTestApp(t, cfg)

	auth := map[string]string{clientTokenHeader: registerAndLogin(t, app, "alice")}
	for i := 0; i < 2; i++ {
		resp, _ := call(t, app, http.MethodPost, "/client/redeems/activate", map[string]string{"code": fmt.Sprintf("NOPE%d", i)}, auth)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	}
	resp, env := call(t, app, http.MethodPost, "/client/redeems/activate", map[string]string{"code": "NOPE9"}, auth)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "Too many redeem attempts", env.Error)

	other := map[string]string{clientTokenHeader: registerAndLogin(t, app, "bobby")}
	resp, _ = call(t, app, http.MethodPost, "/client/redeems/activate", map[string]string{"code": "NOPE9"}, other)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestDataExportOptionsOverHTTP(t *testing.T) {
	app := setupTestApp(t, testConfig(""))

	resp, _ := call(t, app, http.MethodPost, "/admin/plans", map[string]interface{}{"name": "Usage", "type": "usage"}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	resp, _ = call(t, app, http.MethodPost, "/admin/redeems", map[string]interface{}{"name": "Gift"}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	registerAndLogin(t, app, "alice")

	resp, env := call(t, app, http.MethodGet, "/admin/data/export?types=plans,users&sanitize=true", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var bundle struct {
		Sanitized bool                     `json:"sanitized"`
		Plans     []map[string]interface{} `json:"plans"`
		Redeems   []map[string]interface{} `json:"redeems"`
		Users     []map[string]interface{} `json:"users"`
	}
	decode(t, env, &bundle)
	assert.True(t, bundle.Sanitized)
	assert.Len(t, bundle.Plans, 1)
	assert.Empty(t, bundle.Redeems)
	require.Len(t, bundle.Users, 1)
	assert.Empty(t, bundle.Users[0]["passwordHash"])

	resp, _ = call(t, app, http.MethodGet, "/admin/data/export?types=widgets", nil, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
