package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// AuthHandler exposes API key verification. The key itself is checked by
// the API key middleware, so reaching the handler means it is valid.
type AuthHandler struct{}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// VerifyKeyInput is the input for the verify-key endpoint.
type VerifyKeyInput struct{}

// VerifyKeyOutput is the output for the verify-key endpoint.
type VerifyKeyOutput struct {
	Body struct {
		Status  string `json:"status" example:"valid"`
		Message string `json:"message"`
	}
}

// Register registers the auth routes with the API.
func (h *AuthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "verifyKey",
		Method:      "GET",
		Path:        "/verify-key",
		Summary:     "Verify API key",
		Description: "Succeeds when the request carries a valid API key",
		Tags:        []string{"System"},
	}, h.VerifyKey)
}

// VerifyKey confirms the caller's API key.
func (h *AuthHandler) VerifyKey(_ context.Context, _ *VerifyKeyInput) (*VerifyKeyOutput, error) {
	out := &VerifyKeyOutput{}
	out.Body.Status = "valid"
	out.Body.Message = "API key is valid"
	return out, nil
}
