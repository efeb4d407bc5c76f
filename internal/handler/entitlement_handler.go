package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fitgate/internal/launch"
	"github.com/hitoshi/fitgate/internal/middleware"
	"github.com/hitoshi/fitgate/internal/model"
)

// 再確認の理由。
const (
	refreshReasonPurchase = "purchase"
	refreshReasonRestore  = "restore"
)

// EntitlementServiceInterface は権限ハンドラーが必要とするサービスインターフェース。
type EntitlementServiceInterface interface {
	// Check は現在の権限状態を返す。失敗時は非プレミアムに倒した結果を返す。
	Check(ctx context.Context, userID string) launch.EntitlementResult
	// Refresh は購入・復元の直後に権限を再確認する。
	Refresh(ctx context.Context, userID, reason string) launch.EntitlementResult
}

// EntitlementHandler はプレミアム権限のHTTPハンドラー。
type EntitlementHandler struct {
	service EntitlementServiceInterface
}

// NewEntitlementHandler はEntitlementHandlerを生成する。
func NewEntitlementHandler(service EntitlementServiceInterface) *EntitlementHandler {
	return &EntitlementHandler{service: service}
}

// refreshRequest は権限の再確認リクエストのボディ。
type refreshRequest struct {
	Reason string `json:"reason"`
}

// entitlementResponse は権限状態のAPIレスポンス。
type entitlementResponse struct {
	IsPremium     bool       `json:"is_premium"`
	ProductID     string     `json:"product_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	WillRenew     bool       `json:"will_renew"`
	PeriodType    string     `json:"period_type,omitempty"`
	InGracePeriod bool       `json:"in_grace_period"`
	Source        string     `json:"source"`
	CheckedAt     time.Time  `json:"checked_at"`
}

func toEntitlementResponse(res launch.EntitlementResult) entitlementResponse {
	s := res.Status
	return entitlementResponse{
		IsPremium:     s.IsPremium,
		ProductID:     s.ProductID,
		ExpiresAt:     s.ExpiresAt,
		WillRenew:     s.WillRenew,
		PeriodType:    string(s.PeriodType),
		InGracePeriod: s.InGracePeriod,
		Source:        string(res.Source),
		CheckedAt:     s.CheckedAt,
	}
}

// GetEntitlement は現在の権限状態を返す。
// GET /api/entitlement
func (h *EntitlementHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	res := h.service.Check(r.Context(), userID)
	writeJSON(w, http.StatusOK, toEntitlementResponse(res))
}

// Refresh は購入・復元の直後に権限を再確認する。
// POST /api/entitlement/refresh
//
// ユーザー操作による確認のため、起動時の判定と異なり失敗はエラーとして返す。
// 復元で有効な購入が見つからない場合は404 NO_PURCHASES_FOUNDを返す。
func (h *EntitlementHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディを解釈できません"))
		return
	}
	if req.Reason != refreshReasonPurchase && req.Reason != refreshReasonRestore {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("reasonにはpurchaseまたはrestoreを指定してください"))
		return
	}

	res := h.service.Refresh(r.Context(), userID, req.Reason)
	if res.Outcome != launch.OutcomeOK {
		slog.Warn("entitlement refresh did not complete",
			slog.String("user_id", userID),
			slog.String("reason", req.Reason),
			slog.String("outcome", res.Outcome.String()),
		)
		handleServiceError(w, model.NewEntitlementFailedError())
		return
	}
	if req.Reason == refreshReasonRestore && !res.Status.IsPremium {
		handleServiceError(w, model.NewNoPurchasesFoundError())
		return
	}

	writeJSON(w, http.StatusOK, toEntitlementResponse(res))
}
