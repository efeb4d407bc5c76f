package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// maxJWKSSize はJWKSレスポンスの読み取り上限（256KB）。
	maxJWKSSize = 256 << 10
	// minJWKSRefetch は未知のkidによる再取得の最小間隔。
	minJWKSRefetch = time.Minute
	// jwksFetchTimeout はJWKS取得1回あたりのタイムアウト。
	jwksFetchTimeout = 5 * time.Second
)

// ErrKeyNotFound はトークンのkidに対応する公開鍵がないことを表す。
var ErrKeyNotFound = errors.New("signing key not found")

type jwkSet struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// publicKey はRSA鍵のモジュラスと指数から公開鍵を組み立てる。
func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, fmt.Errorf("empty rsa key material")
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// JWKSProvider は認証バックエンドのJWKSを取得し、kidごとの公開鍵をキャッシュする。
type JWKSProvider struct {
	httpClient *http.Client
	url        string
	maxAge     time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	group     singleflight.Group
}

// NewJWKSProvider はJWKSProviderを生成する。maxAgeを過ぎた鍵セットは次の検証時に取り直す。
func NewJWKSProvider(httpClient *http.Client, url string, maxAge time.Duration) *JWKSProvider {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &JWKSProvider{
		httpClient: httpClient,
		url:        url,
		maxAge:     maxAge,
		now:        time.Now,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// KeyFunc はjwt.Keyfuncとして使う。RS256のトークンのみ受け付ける。
func (p *JWKSProvider) KeyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("kid header not found")
	}

	ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
	defer cancel()
	return p.Key(ctx, kid)
}

// Key はkidに対応する公開鍵を返す。
// 鍵セットが古い場合、またはkidが未知で前回の取得から一定時間が経っている場合は取り直す。
func (p *JWKSProvider) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	p.mu.RLock()
	key, ok := p.keys[kid]
	age := p.now().Sub(p.fetchedAt)
	p.mu.RUnlock()

	if ok && age < p.maxAge {
		return key, nil
	}
	if !ok && age < minJWKSRefetch {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	if err := p.refresh(ctx); err != nil {
		if ok {
			// 取得に失敗しても手元の鍵で検証を続ける
			return key, nil
		}
		return nil, err
	}

	p.mu.RLock()
	key, ok = p.keys[kid]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// refresh は鍵セットを取得する。同時に呼ばれた場合は1回の取得にまとめる。
func (p *JWKSProvider) refresh(ctx context.Context) error {
	_, err, _ := p.group.Do("jwks", func() (any, error) {
		keys, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.keys = keys
		p.fetchedAt = p.now()
		p.mu.Unlock()
		return nil, nil
	})
	return err
}

func (p *JWKSProvider) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSSize)).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks contains no usable rsa signing keys")
	}
	return keys, nil
}
