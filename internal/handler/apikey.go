package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spullara/k7/internal/keystore"
	"github.com/spullara/k7/pkg/model"
)

type APIKeyHandler struct {
	keys *keystore.Store
}

func NewAPIKeyHandler(keys *keystore.Store) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

func (h *APIKeyHandler) RegisterRoutes(r *gin.RouterGroup) {
	apikeys := r.Group("/apikeys")
	{
		apikeys.POST("", h.Generate)
		apikeys.GET("", h.List)
		apikeys.DELETE("/:id", h.Revoke)
	}
}

// Generate mints a key and returns the plaintext exactly once.
func (h *APIKeyHandler) Generate(c *gin.Context) {
	var req model.GenerateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	ttl := time.Duration(req.ExpiresDays) * 24 * time.Hour
	resp, err := h.keys.Generate(req.Name, ttl)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, resp)
}

func (h *APIKeyHandler) List(c *gin.Context) {
	items, err := h.keys.List()
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, model.APIKeyListResponse{Items: items})
}

// Revoke is idempotent; revoking an unknown id succeeds.
func (h *APIKeyHandler) Revoke(c *gin.Context) {
	if err := h.keys.Revoke(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
