package client

import (
	"context"

	"github.com/spullara/k7/pkg/model"
)

// APIKeyService manages daemon API keys.
type APIKeyService struct {
	client *Client
}

// Generate mints a new key. The plaintext in the response is shown exactly
// once; the daemon keeps only a hash. expiresDays of zero uses the daemon's
// default TTL.
func (s *APIKeyService) Generate(ctx context.Context, name string, expiresDays int) (*model.GenerateKeyResponse, error) {
	req := model.GenerateKeyRequest{Name: name, ExpiresDays: expiresDays}
	var resp model.GenerateKeyResponse
	if err := s.client.doJSON(ctx, "POST", s.client.buildPath("apikeys"), req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns key metadata. Hashes and plaintext never appear here.
func (s *APIKeyService) List(ctx context.Context) ([]model.APIKey, error) {
	var resp model.APIKeyListResponse
	if err := s.client.doJSON(ctx, "GET", s.client.buildPath("apikeys"), nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Revoke removes a key by id. Revoking an unknown id succeeds.
func (s *APIKeyService) Revoke(ctx context.Context, id string) error {
	return s.client.doEmptyResponse(ctx, "DELETE", s.client.buildPath("apikeys", id), nil, nil)
}
