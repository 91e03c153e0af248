package models

import "time"

// PlanType distinguishes monthly subscriptions from usage-metered plans
type PlanType string

const (
	PlanTypeMonthly PlanType = "monthly"
	PlanTypeUsage   PlanType = "usage"
)

// Valid reports whether t is a known plan type
func (t PlanType) Valid() bool {
	return t == PlanTypeMonthly || t == PlanTypeUsage
}

// Plan represents a purchasable subscription definition
type Plan struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Type             PlanType  `json:"type"`
	Price            float64   `json:"price"`
	IsActive         bool      `json:"isActive"`
	APIKeyTemplateID string    `json:"apiKeyTemplateId"`
	SpeedMultiplier  float64   `json:"speedMultiplier"`
	Description      string    `json:"description,omitempty"`
	PurchaseLink     string    `json:"purchaseLink,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`

	// Monthly
	Duration          int     `json:"duration,omitempty"`
	DailyLimitActual  float64 `json:"dailyLimitActual,omitempty"`
	DailyLimitDisplay float64 `json:"dailyLimitDisplay,omitempty"`

	// Usage
	TotalLimitActual  float64 `json:"totalLimitActual,omitempty"`
	TotalLimitDisplay float64 `json:"totalLimitDisplay,omitempty"`
}

// PlanInput is the payload for creating a plan
type PlanInput struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Type              PlanType `json:"type"`
	Price             Number   `json:"price"`
	IsActive          *bool    `json:"isActive"`
	APIKeyTemplateID  string   `json:"apiKeyTemplateId"`
	Description       string   `json:"description"`
	PurchaseLink      string   `json:"purchaseLink"`
	Duration          Number   `json:"duration"`
	DailyLimitActual  Number   `json:"dailyLimitActual"`
	DailyLimitDisplay Number   `json:"dailyLimitDisplay"`
	TotalLimitActual  Number   `json:"totalLimitActual"`
	TotalLimitDisplay Number   `json:"totalLimitDisplay"`
}

// PlanUpdate is a partial plan update. Nil fields are left untouched; a
// non-nil zero is a real value.
type PlanUpdate struct {
	Name              *string `json:"name"`
	Price             *Number `json:"price"`
	IsActive          *bool   `json:"isActive"`
	APIKeyTemplateID  *string `json:"apiKeyTemplateId"`
	Description       *string `json:"description"`
	PurchaseLink      *string `json:"purchaseLink"`
	Duration          *Number `json:"duration"`
	DailyLimitActual  *Number `json:"dailyLimitActual"`
	DailyLimitDisplay *Number `json:"dailyLimitDisplay"`
	TotalLimitActual  *Number `json:"totalLimitActual"`
	TotalLimitDisplay *Number `json:"totalLimitDisplay"`
}

// AccountBindings pins a key to specific upstream accounts
type AccountBindings struct {
	ClaudeAccountID        string `json:"claudeAccountId,omitempty"`
	ClaudeConsoleAccountID string `json:"claudeConsoleAccountId,omitempty"`
	GeminiAccountID        string `json:"geminiAccountId,omitempty"`
	OpenAIAccountID        string `json:"openaiAccountId,omitempty"`
	AzureOpenAIAccountID   string `json:"azureOpenaiAccountId,omitempty"`
	BedrockAccountID       string `json:"bedrockAccountId,omitempty"`
	DroidAccountID         string `json:"droidAccountId,omitempty"`
}

// KeyLimits holds the nullable numeric limits shared by templates and keys
type KeyLimits struct {
	TokenLimit          *int64   `json:"tokenLimit"`
	ConcurrencyLimit    *int64   `json:"concurrencyLimit"`
	RateLimitWindow     *int64   `json:"rateLimitWindow"`
	RateLimitRequests   *int64   `json:"rateLimitRequests"`
	RateLimitCost       *float64 `json:"rateLimitCost"`
	DailyCostLimit      *float64 `json:"dailyCostLimit"`
	TotalCostLimit      *float64 `json:"totalCostLimit"`
	WeeklyOpusCostLimit *float64 `json:"weeklyOpusCostLimit"`
}

// KeyRestrictions holds model and client allow/deny lists
type KeyRestrictions struct {
	EnableModelRestriction  bool     `json:"enableModelRestriction"`
	RestrictedModels        []string `json:"restrictedModels"`
	EnableClientRestriction bool     `json:"enableClientRestriction"`
	AllowedClients          []string `json:"allowedClients"`
}

// APIKeyTemplate is a reusable bundle of key configuration
type APIKeyTemplate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PlanID      string `json:"planId"`
	KeyLimits
	KeyRestrictions
	AccountBindings
	Permissions string    `json:"permissions"`
	Tags        []string  `json:"tags"`
	Icon        string    `json:"icon,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// APIKeyTemplateUpdate is a partial template update. Nil fields are left
// untouched; a non-nil empty slice clears the list.
type APIKeyTemplateUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	PlanID      *string `json:"planId"`

	TokenLimit          *int64   `json:"tokenLimit"`
	ConcurrencyLimit    *int64   `json:"concurrencyLimit"`
	RateLimitWindow     *int64   `json:"rateLimitWindow"`
	RateLimitRequests   *int64   `json:"rateLimitRequests"`
	RateLimitCost       *float64 `json:"rateLimitCost"`
	DailyCostLimit      *float64 `json:"dailyCostLimit"`
	TotalCostLimit      *float64 `json:"totalCostLimit"`
	WeeklyOpusCostLimit *float64 `json:"weeklyOpusCostLimit"`

	EnableModelRestriction  *bool    `json:"enableModelRestriction"`
	RestrictedModels        []string `json:"restrictedModels"`
	EnableClientRestriction *bool    `json:"enableClientRestriction"`
	AllowedClients          []string `json:"allowedClients"`

	AccountBindings *AccountBindings `json:"accountBindings"`
	Permissions     *string          `json:"permissions"`
	Tags            []string         `json:"tags"`
	Icon            *string          `json:"icon"`
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusActivated OrderStatus = "activated"
	OrderStatusExpired   OrderStatus = "expired"
)

// Order records a user's intent to activate a plan
type Order struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId"`
	UserUsername string      `json:"userUsername"`
	PlanID       string      `json:"planId"`
	PlanName     string      `json:"planName"`
	Price        float64     `json:"price"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	ExpiresAt    *time.Time  `json:"expiresAt"`
	APIKeyID     string      `json:"apiKeyId,omitempty"`
	ActivatedBy  string      `json:"activatedBy,omitempty"`
	ActivatedAt  *time.Time  `json:"activatedAt,omitempty"`
}

// RedeemStatus is the lifecycle state of a redeem code
type RedeemStatus string

const (
	RedeemStatusUnused  RedeemStatus = "unused"
	RedeemStatusUsed    RedeemStatus = "used"
	RedeemStatusExpired RedeemStatus = "expired"
)

// Valid reports whether s is a known redeem status
func (s RedeemStatus) Valid() bool {
	return s == RedeemStatusUnused || s == RedeemStatusUsed || s == RedeemStatusExpired
}

// Redeem is a pre-provisioned API key behind a one-time activation code
type Redeem struct {
	Code             string       `json:"code"`
	Status           RedeemStatus `json:"status"`
	CreatedAt        time.Time    `json:"createdAt"`
	ExpiresAt        *time.Time   `json:"expiresAt"`
	APIKeyID         string       `json:"apiKeyId"`
	UserID           string       `json:"userId"`
	ActivatedAt      *time.Time   `json:"activatedAt"`
	CreatedByAdminID string       `json:"createdByAdminId"`
	Notes            string       `json:"notes"`
	PlaintextKeyEnc  string       `json:"-"`

	// Filled by listing, never persisted
	APIKeyName        string `json:"apiKeyName,omitempty"`
	APIKeyDescription string `json:"apiKeyDescription,omitempty"`
}

// RedeemOptions configures a new redeem code and its backing key
type RedeemOptions struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	ActivationDays int        `json:"activationDays"`
	ActivationUnit string     `json:"activationUnit"`
	ExpirationMode string     `json:"expirationMode"`
	Notes          string     `json:"notes"`
	AdminID        string     `json:"adminId"`
}

// RedeemCreated is returned once a code has been minted
type RedeemCreated struct {
	Code      string     `json:"code"`
	APIKeyID  string     `json:"apiKeyId"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// RedeemActivation carries the one-time plaintext key back to the user
type RedeemActivation struct {
	APIKeyID string `json:"apiKeyId"`
	APIKey   string `json:"apiKey"`
}

// RedeemUpdate lists the only fields mutable after creation
type RedeemUpdate struct {
	Status    *RedeemStatus `json:"status"`
	ExpiresAt *time.Time    `json:"expiresAt"`
	Notes     *string       `json:"notes"`
}

// Record kinds a transfer can be restricted to
const (
	TransferAll       = "all"
	TransferPlans     = "plans"
	TransferTemplates = "apiKeyTemplates"
	TransferOrders    = "orders"
	TransferRedeems   = "redeems"
	TransferAPIKeys   = "apikeys"
	TransferUsers     = "users"
)

// ExportBundle is the admin data-transfer payload
type ExportBundle struct {
	Version    string            `json:"version"`
	ExportedAt time.Time         `json:"exportedAt"`
	Sanitized  bool              `json:"sanitized"`
	Types      []string          `json:"types,omitempty"`
	Plans      []*Plan           `json:"plans"`
	Templates  []*APIKeyTemplate `json:"apiKeyTemplates"`
	Orders     []*Order          `json:"orders"`
	Redeems    []*RedeemExport   `json:"redeems"`
	APIKeys    []*APIKeyExport   `json:"apiKeys"`
	Users      []*ClientUser     `json:"users"`
}

// RedeemExport keeps the encrypted payload, which Redeem hides from JSON
type RedeemExport struct {
	*Redeem
	PlaintextKeyEnc string `json:"plaintextKeyEnc"`
}

// APIKeyExport keeps the secret hash, which APIKey hides from JSON
type APIKeyExport struct {
	*APIKey
	HashedKey string `json:"apiKey"`
}

// ExportOptions narrows an export. Sanitize drops secret hashes, password
// hashes and encrypted redeem payloads.
type ExportOptions struct {
	Types    []string
	Sanitize bool
}

// ImportOptions narrows an import. Existing ids are skipped unless
// Overwrite is set.
type ImportOptions struct {
	Types     []string
	Overwrite bool
}

// ExportPreview counts the records an export would contain
type ExportPreview struct {
	Plans     int `json:"plans"`
	Templates int `json:"apiKeyTemplates"`
	Orders    int `json:"orders"`
	Redeems   int `json:"redeems"`
	APIKeys   int `json:"apiKeys"`
	Users     int `json:"users"`
}

// ImportResult represents data import result
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
