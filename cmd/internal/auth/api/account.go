package api

import (
	"context"
	"errors"
	"net/http"

	"keeper/cmd/internal/credential"
)

// AccountRemover deletes the credential record of a user. A record that is
// already gone reports credential.ErrNotFound.
type AccountRemover interface {
	DeleteUser(ctx context.Context, userID string) error
}

// WithAccounts enables DELETE /auth/account backed by accounts.
func WithAccounts(accounts AccountRemover) HandlerOption {
	return func(h *Handler) { h.accounts = accounts }
}

// handleDeleteAccount closes the caller's account. Sessions are revoked first
// so connected clients get a revoke notice, then the credential and every
// remaining session row are removed.
func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if _, err := h.sessions.RevokeAll(ctx, h.now(), p.UserID); err != nil {
		h.writeSessionError(w, "auth.account.delete.fail", err)
		return
	}
	if err := h.accounts.DeleteUser(ctx, p.UserID); err != nil && !errors.Is(err, credential.ErrNotFound) {
		h.log.Error("auth.account.delete.fail", "user_id", p.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	if err := h.sessions.PurgeUser(ctx, p.UserID); err != nil {
		h.writeSessionError(w, "auth.account.purge.fail", err)
		return
	}

	h.auditAccountDeleted(ctx, p.UserID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}
