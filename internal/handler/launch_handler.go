package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fitgate/internal/launch"
	"github.com/hitoshi/fitgate/internal/middleware"
)

// defaultHeartbeat はSSE接続を維持するためのコメント送信間隔。
const defaultHeartbeat = 15 * time.Second

// LaunchResolverInterface は起動ルーティングハンドラーが必要とするインターフェース。
type LaunchResolverInterface interface {
	// Resolve は新しい解決パスを実行して遷移先を返す。
	Resolve(ctx context.Context, accessToken string) launch.Decision
	// ResolveKey はkeyをストアのキーとして解決パスを実行する。
	ResolveKey(ctx context.Context, key, accessToken string) launch.Decision
	// Store は途中経過を購読するためのストアを返す。
	Store() *launch.Store
}

// LaunchHandler は起動時の遷移先を返すHTTPハンドラー。
type LaunchHandler struct {
	resolver  LaunchResolverInterface
	heartbeat time.Duration
	newKey    func() string
}

// NewLaunchHandler はLaunchHandlerを生成する。
func NewLaunchHandler(resolver LaunchResolverInterface) *LaunchHandler {
	return &LaunchHandler{
		resolver:  resolver,
		heartbeat: defaultHeartbeat,
		newKey:    uuid.NewString,
	}
}

// launchResponse は起動ルーティングのAPIレスポンス。
type launchResponse struct {
	Route          string `json:"route"`
	State          string `json:"state"`
	Forced         bool   `json:"forced"`
	ProfileVerdict string `json:"profile_verdict,omitempty"`
	IsPremium      bool   `json:"is_premium"`
	PaywallSkipped bool   `json:"paywall_skipped"`
}

// launchEvent はSSEで送信するルーティング状態。
type launchEvent struct {
	Route          string `json:"route"`
	State          string `json:"state"`
	Final          bool   `json:"final"`
	Forced         bool   `json:"forced"`
	Version        uint64 `json:"version"`
	IsPremium      bool   `json:"is_premium"`
	PaywallSkipped bool   `json:"paywall_skipped"`
}

func toLaunchResponse(d launch.Decision) launchResponse {
	return launchResponse{
		Route:          string(d.Route),
		State:          string(d.State),
		Forced:         d.Forced,
		ProfileVerdict: string(d.ProfileVerdict),
		IsPremium:      d.Facts.IsPremium,
		PaywallSkipped: d.Facts.PaywallSkipped,
	}
}

func toLaunchEvent(s launch.Snapshot) launchEvent {
	return launchEvent{
		Route:          string(s.Route),
		State:          string(s.State),
		Final:          s.Final,
		Forced:         s.Forced,
		Version:        s.Version,
		IsPremium:      s.Facts.IsPremium,
		PaywallSkipped: s.Facts.PaywallSkipped,
	}
}

// GetLaunch は起動時の遷移先を返す。
// GET /api/launch
//
// Authorizationヘッダーは任意。トークンがない場合は未認証として判定する。
// 内部のエラーは判定に吸収されるため、常に200を返す。
func (h *LaunchHandler) GetLaunch(w http.ResponseWriter, r *http.Request) {
	d := h.resolver.Resolve(r.Context(), middleware.BearerToken(r))
	writeJSON(w, http.StatusOK, toLaunchResponse(d))
}

// StreamLaunch は解決パスの途中経過をServer-Sent Eventsで送信する。
// GET /api/launch/stream
//
// スナップショットごとに1件のstateイベントを送り、確定した時点で接続を閉じる。
func (h *LaunchHandler) StreamLaunch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		handleServiceError(w, fmt.Errorf("response writer does not support streaming"))
		return
	}

	ctx := r.Context()
	key := h.newKey()
	token := middleware.BearerToken(r)

	// パスの開始前に購読し、最初のスナップショットを取りこぼさない
	updates, unsubscribe := h.resolver.Store().Subscribe(key)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	go h.resolver.ResolveKey(ctx, key, token)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case snap := <-updates:
			if err := writeSSE(w, "state", toLaunchEvent(snap)); err != nil {
				slog.Warn("failed to write launch event",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				return
			}
			flusher.Flush()
			if snap.Final {
				return
			}
		}
	}
}

// writeSSE はeventとJSONデータを1件のSSEメッセージとして書き込む。
func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
