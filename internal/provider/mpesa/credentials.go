package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"stk-payment-service/internal/domain"

	"go.uber.org/zap"
)

// Credential is a bearer token for the gateway API.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// TokenCache shares a credential between service instances.
type TokenCache interface {
	GetToken(ctx context.Context, key string) (token string, expiresAt time.Time, ok bool, err error)
	SetToken(ctx context.Context, key, token string, expiresAt time.Time) error
}

type CredentialProvider struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	refreshMargin  time.Duration
	httpClient     *http.Client
	cache          TokenCache
	logger         *zap.Logger
	now            func() time.Time

	mu      sync.Mutex
	current Credential
}

type CredentialOption func(*CredentialProvider)

// WithTokenCache shares tokens through an external cache.
func WithTokenCache(cache TokenCache) CredentialOption {
	return func(p *CredentialProvider) { p.cache = cache }
}

func WithHTTPClient(client *http.Client) CredentialOption {
	return func(p *CredentialProvider) { p.httpClient = client }
}

func WithClock(now func() time.Time) CredentialOption {
	return func(p *CredentialProvider) { p.now = now }
}

func NewCredentialProvider(baseURL, consumerKey, consumerSecret string, refreshMargin time.Duration, logger *zap.Logger, opts ...CredentialOption) *CredentialProvider {
	p := &CredentialProvider{
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		refreshMargin:  refreshMargin,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AccessCredential returns a valid token, fetching a new one when the cached
// token is within the refresh margin of expiry. Callers serialize on the
// provider so a single fetch serves every waiter.
func (p *CredentialProvider) AccessCredential(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.usable(p.current) {
		return p.current, nil
	}

	if cred, ok := p.fromSharedCache(ctx); ok {
		p.current = cred
		return cred, nil
	}

	cred, err := p.fetch(ctx)
	if err != nil {
		return Credential{}, err
	}
	p.current = cred

	if p.cache != nil {
		if err := p.cache.SetToken(ctx, p.cacheKey(), cred.Token, cred.ExpiresAt); err != nil {
			p.logger.Warn("failed to share gateway token", zap.Error(err))
		}
	}

	return cred, nil
}

// Invalidate drops the cached token, e.g. after the gateway answers 401.
func (p *CredentialProvider) Invalidate() {
	p.mu.Lock()
	p.current = Credential{}
	p.mu.Unlock()
}

func (p *CredentialProvider) usable(c Credential) bool {
	return c.Token != "" && p.now().Before(c.ExpiresAt.Add(-p.refreshMargin))
}

func (p *CredentialProvider) cacheKey() string {
	return "token:" + p.consumerKey
}

func (p *CredentialProvider) fromSharedCache(ctx context.Context) (Credential, bool) {
	if p.cache == nil {
		return Credential{}, false
	}
	token, expiresAt, ok, err := p.cache.GetToken(ctx, p.cacheKey())
	if err != nil {
		p.logger.Warn("shared token cache unavailable", zap.Error(err))
		return Credential{}, false
	}
	cred := Credential{Token: token, ExpiresAt: expiresAt}
	if !ok || !p.usable(cred) {
		return Credential{}, false
	}
	return cred, true
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   flexInt64 `json:"expires_in"`
}

// flexInt64 decodes both "3599" and 3599.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires_in %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

// errTransport marks failures worth one retry.
var errTransport = errors.New("transport failure")

func (p *CredentialProvider) fetch(ctx context.Context) (Credential, error) {
	cred, err := p.requestToken(ctx)
	if err != nil && errors.Is(err, errTransport) && ctx.Err() == nil {
		p.logger.Warn("token request failed, retrying once", zap.Error(err))
		cred, err = p.requestToken(ctx)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
	}

	p.logger.Info("gateway access token refreshed",
		zap.Time("expires_at", cred.ExpiresAt))

	return cred, nil
}

func (p *CredentialProvider) requestToken(ctx context.Context) (Credential, error) {
	url := fmt.Sprintf("%s/oauth/v1/generate?grant_type=client_credentials", p.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(p.consumerKey, p.consumerSecret)

	issuedAt := p.now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: failed to read token response: %v", errTransport, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return Credential{}, fmt.Errorf("%w: token endpoint returned %d", errTransport, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Credential{}, fmt.Errorf("token response carried no access_token")
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	return Credential{Token: tr.AccessToken, ExpiresAt: issuedAt.Add(ttl)}, nil
}
