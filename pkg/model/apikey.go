package model

import "time"

// APIKey is the metadata view of a stored key. Hashes and plaintext never
// appear here.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type GenerateKeyRequest struct {
	Name        string `json:"name" binding:"required"`
	ExpiresDays int    `json:"expires_days,omitempty"`
}

// GenerateKeyResponse carries the plaintext key exactly once; it is never
// stored or shown again.
type GenerateKeyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

type APIKeyListResponse struct {
	Items []APIKey `json:"items"`
}
