package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLeeway は発行元とのクロックずれの許容幅。
const tokenLeeway = 30 * time.Second

var (
	// ErrInvalidToken はアクセストークンの検証に失敗したことを表す。
	ErrInvalidToken = errors.New("invalid access token")
	// ErrTokenExpired はアクセストークンの有効期限が切れていることを表す。
	ErrTokenExpired = errors.New("access token expired")
)

// AppMetadata は認証バックエンドが管理するユーザー属性。
type AppMetadata struct {
	Provider  string   `json:"provider"`
	Providers []string `json:"providers"`
}

// UserMetadata はIdPから受け取ったユーザー属性。
type UserMetadata struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
}

// Claims はアクセストークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	SessionID    string       `json:"session_id"`
	Email        string       `json:"email"`
	Role         string       `json:"role"`
	AppMetadata  AppMetadata  `json:"app_metadata"`
	UserMetadata UserMetadata `json:"user_metadata"`
}

// DisplayName はIdPから受け取った表示名を返す。
func (c *Claims) DisplayName() string {
	if c.UserMetadata.FullName != "" {
		return c.UserMetadata.FullName
	}
	return c.UserMetadata.Name
}

// ProviderNames は紐付いたIdPの一覧を重複なく返す。
func (c *Claims) ProviderNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, p := range append([]string{c.AppMetadata.Provider}, c.AppMetadata.Providers...) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		names = append(names, p)
	}
	return names
}

// TokenVerifier はアクセストークンの署名とクレームを検証する。
// HS256はプロジェクトのシークレット、RS256はJWKSの公開鍵で検証する。
type TokenVerifier struct {
	secret []byte
	jwks   *JWKSProvider
	issuer string
}

// NewTokenVerifier はTokenVerifierを生成する。secretとjwksの少なくとも一方が必要。
func NewTokenVerifier(secret string, jwks *JWKSProvider, issuer string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		jwks:   jwks,
		issuer: issuer,
	}
}

// Verify はトークンを検証してクレームを返す。
// 期限切れの場合は ErrTokenExpired、それ以外の失敗は ErrInvalidToken をラップして返す。
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	return v.parse(tokenString, opts...)
}

// ParseIgnoringExpiry は署名のみ検証してクレームを返す。
// サインアウト時に期限切れのトークンからセッションを特定するために使う。
func (v *TokenVerifier) ParseIgnoringExpiry(tokenString string) (*Claims, error) {
	return v.parse(tokenString,
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithoutClaimsValidation(),
	)
}

func (v *TokenVerifier) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject is missing", ErrInvalidToken)
	}
	return claims, nil
}

func (v *TokenVerifier) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, fmt.Errorf("hs256 token received but no jwt secret is configured")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.jwks == nil {
			return nil, fmt.Errorf("rs256 token received but no jwks url is configured")
		}
		return v.jwks.KeyFunc(token)
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}
