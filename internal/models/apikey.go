package models

import "time"

// KeyConfig is a fully-resolved provisioning request
type KeyConfig struct {
	UserID       string `json:"userId"`
	UserUsername string `json:"userUsername"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	OrderID      string `json:"orderId,omitempty"`
	KeyLimits
	KeyRestrictions
	AccountBindings
	Permissions    string     `json:"permissions"`
	Tags           []string   `json:"tags"`
	Icon           string     `json:"icon,omitempty"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	ActivationDays int        `json:"activationDays,omitempty"`
	ActivationUnit string     `json:"activationUnit,omitempty"`
	ExpirationMode string     `json:"expirationMode,omitempty"`
}

// KeyOverrides replaces template defaults when generating a key.
// Name wins over the template name when non-empty. Every other non-nil
// pointer or non-nil slice replaces the template value, so an empty slice
// clears the corresponding list.
type KeyOverrides struct {
	Name        string  `json:"name"`
	OrderID     *string `json:"orderId"`
	Description *string `json:"description"`

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

	Permissions *string    `json:"permissions"`
	Tags        []string   `json:"tags"`
	Icon        *string    `json:"icon"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// APIKey is the redacted view of a provisioned key
type APIKey struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	UserID       string `json:"userId"`
	UserUsername string `json:"userUsername"`
	OrderID      string `json:"orderId,omitempty"`
	HashedKey    string `json:"-"`
	KeyLimits
	KeyRestrictions
	AccountBindings
	Permissions     string     `json:"permissions"`
	Tags            []string   `json:"tags"`
	Icon            string     `json:"icon,omitempty"`
	CreatedBy       string     `json:"createdBy"`
	BoundRedeemCode string     `json:"boundRedeemCode,omitempty"`
	IsActive        bool       `json:"isActive"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	ActivationDays  int        `json:"activationDays,omitempty"`
	ActivationUnit  string     `json:"activationUnit,omitempty"`
	ExpirationMode  string     `json:"expirationMode,omitempty"`
}

// ProvisionedKey is returned only by generation and carries the plaintext once
type ProvisionedKey struct {
	*APIKey
	PlainKey string `json:"apiKey"`
}

// APIKeyUpdate is a partial update of a provisioned key
type APIKeyUpdate struct {
	Name            *string  `json:"name"`
	Description     *string  `json:"description"`
	UserID          *string  `json:"userId"`
	UserUsername    *string  `json:"userUsername"`
	Tags            []string `json:"tags"`
	BoundRedeemCode *string  `json:"boundRedeemCode"`
	CreatedBy       *string  `json:"createdBy"`
	IsActive        *bool    `json:"isActive"`
}
