// Package entitlement は課金サービス（RevenueCat）との連携を提供する。
// REST APIクライアント、権限状態のキャッシュ、Webhookの処理を含む。
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/fitgate/internal/model"
	"github.com/hitoshi/fitgate/internal/timeutil"
)

const (
	// DefaultBaseURL はRevenueCat REST APIのベースURL。
	DefaultBaseURL = "https://api.revenuecat.com"
	// maxResponseSize はレスポンスボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
	// subscriberReuseWindow は同一ユーザーのsubscriber応答を再利用する期間。
	// IsPremiumActiveに続くGetSubscriptionInfoで同じ応答を使う。
	subscriberReuseWindow = 2 * time.Second
	// initialRetryDelay は再試行の初回遅延。
	initialRetryDelay = 250 * time.Millisecond
	// maxRetryDelay は再試行の最大遅延。
	maxRetryDelay = 2 * time.Second
)

// ErrUnauthorized はAPIキーが拒否されたことを表す。設定の誤りであり再試行しない。
var ErrUnauthorized = errors.New("revenuecat rejected the api key")

// StatusError はRevenueCatが成功以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("revenuecat returned status %d", e.StatusCode)
}

// CallResult はHTTPステータスコードに基づくAPI呼び出し結果の分類。
type CallResult int

const (
	// CallResultOK は成功（2xx）。
	CallResultOK CallResult = iota
	// CallResultStop は再試行しても結果が変わらないステータス（4xx）。
	CallResultStop
	// CallResultRetry は再試行すべきステータス（429/5xx）。
	CallResultRetry
)

// ClassifyHTTPStatus はHTTPステータスコードを呼び出し結果に分類する。
func ClassifyHTTPStatus(statusCode int) CallResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return CallResultOK
	case statusCode == http.StatusTooManyRequests:
		return CallResultRetry
	case statusCode >= 500:
		return CallResultRetry
	default:
		return CallResultStop
	}
}

// CalculateBackoff は再試行回数に基づいて指数バックオフ遅延を計算する。
// 初回250ms、2倍ずつ増加、最大2秒。
func CalculateBackoff(attempt int) time.Duration {
	delay := initialRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// Client はRevenueCat REST APIのクライアント。launch.EntitlementProviderを実装する。
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	recent map[string]recentSubscriber
}

type recentSubscriber struct {
	status    model.EntitlementStatus
	fetchedAt time.Time
}

// ClientOption はClientのオプション。
type ClientOption func(*Client)

// WithMaxRetries は再試行回数を設定する。
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetrySleep は再試行の待機関数を差し替える。
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = fn
	}
}

// WithNow は現在時刻の取得関数を差し替える。
func WithNow(fn func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = fn
	}
}

// NewClient はClientを生成する。baseURLが空の場合は本番のエンドポイントを使う。
func NewClient(httpClient *http.Client, baseURL, secretKey string, logger *slog.Logger, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		maxRetries: 2,
		sleep:      timeutil.Sleep,
		now:        time.Now,
		logger:     logger,
		recent:     make(map[string]recentSubscriber),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUserID は課金サービス上にユーザーを登録する。
// RevenueCatはsubscriberの取得時に未登録のユーザーを作成する。
func (c *Client) SetUserID(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := c.subscriber(ctx, userID, true)
	return err
}

// IsPremiumActive はプレミアム権限が有効かを返す。
func (c *Client) IsPremiumActive(ctx context.Context, userID string) (bool, error) {
	status, err := c.subscriber(ctx, userID, false)
	if err != nil {
		return false, err
	}
	return status.IsPremium, nil
}

// GetSubscriptionInfo はプレミアム権限の詳細を返す。
func (c *Client) GetSubscriptionInfo(ctx context.Context, userID string) (model.EntitlementStatus, error) {
	return c.subscriber(ctx, userID, false)
}

// subscriber はsubscriberを取得して権限状態に変換する。
// forceがfalseの場合は直近の応答を再利用する。
func (c *Client) subscriber(ctx context.Context, userID string, force bool) (model.EntitlementStatus, error) {
	now := c.now()
	if !force {
		c.mu.Lock()
		r, ok := c.recent[userID]
		c.mu.Unlock()
		if ok && now.Sub(r.fetchedAt) < subscriberReuseWindow {
			return r.status, nil
		}
	}

	body, err := c.getWithRetry(ctx, "/v1/subscribers/"+url.PathEscape(userID))
	if err != nil {
		return model.NotPremium(now), err
	}

	var resp subscriberResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.NotPremium(now), fmt.Errorf("failed to parse subscriber response: %w", err)
	}
	status := resp.Subscriber.status(now)

	c.mu.Lock()
	c.recent[userID] = recentSubscriber{status: status, fetchedAt: now}
	for id, r := range c.recent {
		if now.Sub(r.fetchedAt) >= subscriberReuseWindow {
			delete(c.recent, id)
		}
	}
	c.mu.Unlock()

	return status, nil
}

func (c *Client) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, CalculateBackoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		body, status, err := c.get(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		switch ClassifyHTTPStatus(status) {
		case CallResultOK:
			return body, nil
		case CallResultRetry:
			c.logger.Warn("revenuecat request will be retried",
				slog.String("path", path),
				slog.Int("http_status", status),
				slog.Int("attempt", attempt+1),
			)
			lastErr = &StatusError{StatusCode: status}
		default:
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				c.logger.Error("revenuecat rejected the api key",
					slog.Int("http_status", status),
				)
				return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, status)
			}
			return nil, &StatusError{StatusCode: status}
		}
	}
	return nil, fmt.Errorf("revenuecat request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fitgate/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to call revenuecat: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// subscriberResponse はGET /v1/subscribers/{app_user_id} の応答。
type subscriberResponse struct {
	Subscriber subscriberBody `json:"subscriber"`
}

type subscriberBody struct {
	Entitlements  map[string]entitlementBody  `json:"entitlements"`
	Subscriptions map[string]subscriptionBody `json:"subscriptions"`
}

type entitlementBody struct {
	ExpiresDate            *time.Time `json:"expires_date"`
	GracePeriodExpiresDate *time.Time `json:"grace_period_expires_date"`
	ProductIdentifier      string     `json:"product_identifier"`
	PurchaseDate           *time.Time `json:"purchase_date"`
}

type subscriptionBody struct {
	ExpiresDate             *time.Time `json:"expires_date"`
	UnsubscribeDetectedAt   *time.Time `json:"unsubscribe_detected_at"`
	BillingIssuesDetectedAt *time.Time `json:"billing_issues_detected_at"`
	PeriodType              string     `json:"period_type"`
}

// status はsubscriberのプレミアム権限を権限状態に変換する。
// 有効期限がない権限は買い切りとして常に有効とみなす。
func (s subscriberBody) status(now time.Time) model.EntitlementStatus {
	ent, ok := s.Entitlements[model.PremiumEntitlementID]
	if !ok {
		return model.NotPremium(now)
	}

	status := model.EntitlementStatus{
		ProductID:  ent.ProductIdentifier,
		ExpiresAt:  ent.ExpiresDate,
		PeriodType: model.PeriodTypeFromProduct(ent.ProductIdentifier),
		CheckedAt:  now,
	}

	switch {
	case ent.ExpiresDate == nil:
		status.IsPremium = true
		status.PeriodType = model.PeriodLifetime
	case ent.ExpiresDate.After(now):
		status.IsPremium = true
	case ent.GracePeriodExpiresDate != nil && ent.GracePeriodExpiresDate.After(now):
		status.IsPremium = true
		status.InGracePeriod = true
	}

	if sub, ok := s.Subscriptions[ent.ProductIdentifier]; ok && status.PeriodType != model.PeriodLifetime {
		status.WillRenew = sub.UnsubscribeDetectedAt == nil && sub.BillingIssuesDetectedAt == nil
	}
	return status
}
