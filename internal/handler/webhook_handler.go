package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fitgate/internal/entitlement"
	"github.com/hitoshi/fitgate/internal/model"
)

const (
	// signatureHeader はRevenueCat Webhookの署名ヘッダー。
	signatureHeader = "X-RevenueCat-Signature"
	// maxWebhookBody はWebhook本文の最大サイズ。
	maxWebhookBody = 1 << 20
)

// WebhookServiceInterface はWebhookハンドラーが必要とするインターフェース。
type WebhookServiceInterface interface {
	Handle(ctx context.Context, body []byte, signature string) (entitlement.WebhookResult, error)
}

// WebhookHandler は課金Webhookを受信するHTTPハンドラー。
type WebhookHandler struct {
	service WebhookServiceInterface
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(service WebhookServiceInterface) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// webhookResponse はWebhook受信のAPIレスポンス。
type webhookResponse struct {
	Received bool `json:"received"`
}

// RevenueCat はRevenueCatのWebhookを処理する。
// POST /webhooks/revenuecat
//
// 署名が不正な場合は401、本文を解釈できない場合は400を返す。
// 処理中のエラーは500を返し、送信元の再送に任せる。
func (h *WebhookHandler) RevenueCat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディを読み取れません"))
		return
	}

	result, err := h.service.Handle(r.Context(), body, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, entitlement.ErrInvalidSignature):
		slog.Warn("webhook signature rejected", slog.String("remote_addr", r.RemoteAddr))
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSignatureError())
		return
	case errors.Is(err, entitlement.ErrMalformedPayload):
		slog.Warn("malformed webhook payload", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Webhookの本文を解釈できません"))
		return
	default:
		slog.Error("failed to process webhook",
			slog.String("event_type", result.EventType),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}
