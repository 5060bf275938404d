package api

import (
	"context"
	"errors"
	"net/http"

	"keeper/cmd/internal/credential"
)

// SecondFactorManager enrols and removes TOTP second factors.
type SecondFactorManager interface {
	EnrollSecondFactor(ctx context.Context, userID, secret, code string) error
	RemoveSecondFactor(ctx context.Context, userID, code string) error
}

// WithSecondFactors enables the /auth/second_factor routes backed by m.
func WithSecondFactors(m SecondFactorManager) HandlerOption {
	return func(h *Handler) { h.factors = m }
}

// handleSecondFactorSetup returns a fresh secret. Nothing is stored until the
// client proves it with a code on POST /auth/second_factor.
func (h *Handler) handleSecondFactorSetup(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	secret, url, err := credential.GenerateTOTPSecret(h.cfg.TOTPIssuer, p.UserID)
	if err != nil {
		h.log.Error("auth.second_factor.setup.fail", "user_id", p.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, secondFactorSetupResponse{Secret: secret, OTPAuthURL: url})
}

func (h *Handler) handleSecondFactorEnroll(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req secondFactorEnrollRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.factors.EnrollSecondFactor(ctx, p.UserID, req.Secret, req.Code); err != nil {
		h.writeSecondFactorError(w, "auth.second_factor.enroll.fail", p.UserID, err)
		return
	}
	h.auditSecondFactor(ctx, "auth.second_factor.enrolled", p.UserID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSecondFactorRemove(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req secondFactorRemoveRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.factors.RemoveSecondFactor(ctx, p.UserID, req.Code); err != nil {
		h.writeSecondFactorError(w, "auth.second_factor.remove.fail", p.UserID, err)
		return
	}
	h.auditSecondFactor(ctx, "auth.second_factor.removed", p.UserID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeSecondFactorError(w http.ResponseWriter, event, userID string, err error) {
	switch {
	case errors.Is(err, credential.ErrSecondFactorRejected):
		writeError(w, http.StatusUnauthorized, "authentication_failed", "second factor code rejected")
	case errors.Is(err, credential.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "second factor already enrolled")
	case errors.Is(err, credential.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "secret and code are required")
	case errors.Is(err, credential.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	default:
		h.log.Error(event, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
