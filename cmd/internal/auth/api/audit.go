package api

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"
)

func (h *Handler) auditLoginFailed(ctx context.Context, ip net.IP, ua, identifier, reason string) {
	h.audit(ctx, "auth.login.failed", "", ip, ua,
		slog.String("identifier", identifier),
		slog.String("reason", reason),
	)
}

func (h *Handler) auditLoginSuccess(ctx context.Context, userID string, ip net.IP, ua string) {
	h.audit(ctx, "auth.login.success", userID, ip, ua)
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, ip net.IP, ua string, retryAfter time.Duration) {
	h.audit(ctx, "auth.login.rate_limited", "", ip, ua,
		slog.Int64("retry_after_s", int64(retryAfter.Seconds())),
	)
}

func (h *Handler) auditRefreshSuccess(ctx context.Context, userID string, ip net.IP, ua string) {
	h.audit(ctx, "auth.refresh.success", userID, ip, ua)
}

func (h *Handler) auditRefreshReplay(ctx context.Context, ip net.IP, ua string) {
	h.audit(ctx, "auth.refresh.replay_detected", "", ip, ua)
}

func (h *Handler) auditLogout(ctx context.Context, userID string, repeat bool, ip net.IP, ua string) {
	h.audit(ctx, "auth.logout", userID, ip, ua, slog.Bool("repeat", repeat))
}

func (h *Handler) auditLogoutAll(ctx context.Context, userID string, revoked int64, ip net.IP, ua string) {
	h.audit(ctx, "auth.logout_all", userID, ip, ua, slog.Int64("revoked", revoked))
}

func (h *Handler) auditAccountDeleted(ctx context.Context, userID string, ip net.IP, ua string) {
	h.audit(ctx, "auth.account.deleted", userID, ip, ua)
}

func (h *Handler) auditSecondFactor(ctx context.Context, action, userID string, ip net.IP, ua string) {
	h.audit(ctx, action, userID, ip, ua)
}

// audit emits one audit record. Records go to the process logger under the
// "audit" group so a log shipper can route them separately.
func (h *Handler) audit(ctx context.Context, action, userID string, ip net.IP, ua string, extra ...slog.Attr) {
	if h == nil || h.log == nil {
		return
	}
	attrs := make([]any, 0, 4+len(extra))
	attrs = append(attrs, slog.String("action", action))
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if ip != nil {
		attrs = append(attrs, slog.String("ip", ip.String()))
	}
	if ua = strings.TrimSpace(ua); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	for _, a := range extra {
		attrs = append(attrs, a)
	}
	h.log.LogAttrs(ctx, slog.LevelInfo, "audit."+action, slog.Group("audit", attrs...))
}
