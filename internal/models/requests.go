package models

// CreateOrderRequest is used by clients (plan only) and by admins, who name
// the buyer by username or email
type CreateOrderRequest struct {
	PlanID string `json:"planId"`
	User   string `json:"user,omitempty"`
}

// ActivateRedeemRequest carries the code a client wants to redeem
type ActivateRedeemRequest struct {
	Code string `json:"code"`
}

// GenerateKeyRequest asks for a key built from a template
type GenerateKeyRequest struct {
	UserID       string        `json:"userId"`
	UserUsername string        `json:"userUsername"`
	Overrides    *KeyOverrides `json:"overrides"`
}

// LookupKeyRequest resolves a plaintext key to its record
type LookupKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// LoginResponse is returned by both login endpoints
type LoginResponse struct {
	Token string       `json:"token"`
	User  *UserProfile `json:"user,omitempty"`
}
