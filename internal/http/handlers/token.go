package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/auth"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// TokenHandler mints operator tokens in non-production environments. Real
// deployments receive tokens from the corporate identity provider; this
// endpoint exists so local and staging setups can exercise the admin surface.
type TokenHandler struct {
	jwt *auth.JWTService
	env string
	log *zap.Logger
}

// NewTokenHandler creates a new token handler.
func NewTokenHandler(jwt *auth.JWTService, env string, log *zap.Logger) *TokenHandler {
	return &TokenHandler{jwt: jwt, env: env, log: log}
}

// tokenRequest is the request body for POST /api/dev/token
type tokenRequest struct {
	OperatorID string `json:"operator_id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Role       string `json:"role" validate:"required,oneof=CS L1 L2 L3"`
}

// HandleMintToken handles POST /api/dev/token
func (h *TokenHandler) HandleMintToken(w http.ResponseWriter, r *http.Request) {
	if h.env == "production" {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}

	var req tokenRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	token, err := h.jwt.SignOperatorToken(req.OperatorID, req.Name, model.OperatorRole(req.Role))
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"token_type": "Bearer",
	})
}
