package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fitgate/internal/middleware"
	"github.com/hitoshi/fitgate/internal/model"
)

// PaywallSkipInterface はペイウォールスキップハンドラーが必要とするインターフェース。
type PaywallSkipInterface interface {
	Skip(ctx context.Context, userID string) error
	Clear(ctx context.Context, userID string) error
}

// PaywallHandler はペイウォールスキップのHTTPハンドラー。
type PaywallHandler struct {
	skip PaywallSkipInterface
}

// NewPaywallHandler はPaywallHandlerを生成する。
func NewPaywallHandler(skip PaywallSkipInterface) *PaywallHandler {
	return &PaywallHandler{skip: skip}
}

// Skip はペイウォールを今回スキップしたことを記録する。
// POST /api/paywall/skip
func (h *PaywallHandler) Skip(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.skip.Skip(r.Context(), userID); err != nil {
		slog.Error("failed to record paywall skip",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewPaywallFlagFailedError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Clear はペイウォールスキップの記録を取り消す。
// DELETE /api/paywall/skip
func (h *PaywallHandler) Clear(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.skip.Clear(r.Context(), userID); err != nil {
		slog.Error("failed to clear paywall skip",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewPaywallFlagFailedError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
