package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/castellan-io/castellan/pkg/catalog"
)

const (
	bearerTokenPath = "/api/v1/auth/token" //nolint:gosec // G101: endpoint path, not a credential
	oauthTokenPath  = "/api/oauth/token"   //nolint:gosec // G101: endpoint path, not a credential

	// Bearer tokens minted from basic credentials carry no server-reported
	// expiry estimate worth trusting beyond this.
	basicTokenLifetime = 30 * time.Minute
	// OAuth responses that omit expires_in and carry no exp claim.
	oauthTokenFallback = 20 * time.Minute
	// Tokens are soft-expired this far before wall expiry.
	refreshSkew = 60 * time.Second
)

// bearerToken is published atomically after each refresh; reads are
// lock-free once published.
type bearerToken struct {
	value     string
	expiresAt time.Time
}

func (t *bearerToken) valid(now time.Time, skew time.Duration) bool {
	return t != nil && t.value != "" && now.Add(skew).Before(t.expiresAt)
}

// authManager owns credential state for both dialects. At most one refresh
// is in flight; concurrent callers share it through singleflight and re-read
// the published token on completion.
type authManager struct {
	baseURL      string
	clientID     string
	clientSecret string
	// basicHeader is built once at construction and never logged.
	basicHeader string

	httpc *http.Client
	sf    singleflight.Group
	mu    sync.RWMutex
	cur   *bearerToken
	clock func() time.Time
}

func newAuthManager(cfg Config, httpc *http.Client) (*authManager, error) {
	hasBasic := cfg.Username != "" && cfg.Password != ""
	hasOAuth := cfg.ClientID != "" && cfg.ClientSecret != ""
	if !hasBasic && !hasOAuth {
		return nil, &AuthFailure{Message: "no credentials: set username/password or clientId/clientSecret"}
	}

	m := &authManager{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpc:        httpc,
		clock:        time.Now,
	}
	if hasBasic {
		raw := cfg.Username + ":" + cfg.Password
		m.basicHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	}
	return m, nil
}

func (m *authManager) withClock(clock func() time.Time) *authManager {
	m.clock = clock
	return m
}

// header selects the Authorization value for a request. Classic requests
// prefer the basic header when available; modern requests always use a
// bearer token.
func (m *authManager) header(ctx context.Context, dialect catalog.Dialect) (string, error) {
	if dialect == catalog.DialectClassic && m.basicHeader != "" {
		return m.basicHeader, nil
	}
	tok, err := m.token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok, nil
}

// token returns a live bearer token, refreshing through singleflight when
// the current one is absent or inside the expiry skew.
func (m *authManager) token(ctx context.Context) (string, error) {
	m.mu.RLock()
	cur := m.cur
	m.mu.RUnlock()
	if cur.valid(m.clock(), refreshSkew) {
		return cur.value, nil
	}

	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		// A waiter that queued behind a finished refresh reuses it.
		m.mu.RLock()
		cur := m.cur
		m.mu.RUnlock()
		if cur.valid(m.clock(), refreshSkew) {
			return nil, nil
		}
		return nil, m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil || m.cur.value == "" {
		return "", &AuthFailure{Message: "token refresh produced no token"}
	}
	return m.cur.value, nil
}

// invalidate drops the current token so the next use forces a refresh.
// Called once per request on an unauthorized response.
func (m *authManager) invalidate() {
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
}

// refresh walks the credential methods in preference order: bearer-from-basic
// first (works across both dialects), then OAuth client credentials.
func (m *authManager) refresh(ctx context.Context) error {
	var causes []error

	if m.basicHeader != "" {
		tok, err := m.refreshFromBasic(ctx)
		if err == nil {
			m.publish(tok)
			return nil
		}
		causes = append(causes, err)
	}

	if m.clientID != "" && m.clientSecret != "" {
		tok, err := m.refreshFromOAuth(ctx)
		if err == nil {
			m.publish(tok)
			return nil
		}
		causes = append(causes, err)
	}

	return &AuthFailure{Message: "all credential methods failed", Causes: causes}
}

func (m *authManager) publish(tok *bearerToken) {
	m.mu.Lock()
	m.cur = tok
	m.mu.Unlock()
}

func (m *authManager) refreshFromBasic(ctx context.Context) (*bearerToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+bearerTokenPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", m.basicHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Token   string `json:"token"`
		Expires string `json:"expires"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token == "" {
		return nil, fmt.Errorf("token endpoint returned empty token")
	}

	expiresAt := m.clock().Add(basicTokenLifetime)
	if payload.Expires != "" {
		if t, err := time.Parse(time.RFC3339, payload.Expires); err == nil {
			expiresAt = t
		}
	}
	return &bearerToken{value: payload.Token, expiresAt: expiresAt}, nil
}

func (m *authManager) refreshFromOAuth(ctx context.Context) (*bearerToken, error) {
	form := url.Values{
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+oauthTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build oauth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("oauth endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode oauth response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("oauth endpoint returned empty access token")
	}

	expiresAt := m.clock().Add(oauthTokenFallback)
	switch {
	case payload.ExpiresIn > 0:
		expiresAt = m.clock().Add(time.Duration(payload.ExpiresIn) * time.Second)
	default:
		// Some servers omit expires_in; fall back to the token's own exp
		// claim when it is a JWT. Unverified is fine: the expiry is only
		// a refresh hint, never an authorization decision.
		if exp, ok := jwtExpiry(payload.AccessToken); ok {
			expiresAt = exp
		}
	}
	return &bearerToken{value: payload.AccessToken, expiresAt: expiresAt}, nil
}

func jwtExpiry(raw string) (time.Time, bool) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
