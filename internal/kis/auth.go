package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"kis-trading-bot/internal/logging"
)

const (
	tokenPath   = "/oauth2/tokenP"
	hashkeyPath = "/uapi/hashkey"

	tokenTimeout = 10 * time.Second

	// tokenRefreshMargin renews the 24h token while it still has at least
	// one hour of life left, so callers always receive a token valid for
	// the duration of any in-flight work.
	tokenRefreshMargin = time.Hour
)

// Credentials identifies one KIS app key pair and the account it trades.
type Credentials struct {
	AppKey    string
	AppSecret string
	AccountNo string
	ProdCode  string
	Paper     bool
}

// Auth owns the OAuth token lifecycle for one credential pair. Tokens are
// refreshed transparently and cached to disk so restarts do not burn the
// venue's once-per-day issuance allowance.
type Auth struct {
	creds      Credentials
	baseURL    string
	httpClient *http.Client
	cache      *tokenCache
	log        *logging.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	restored  bool
}

// NewAuth creates an Auth for the given credentials. cachePath may be empty
// to disable the disk cache (used for the market-data credential, which
// shares a file-less lifecycle with short-lived tools).
func NewAuth(creds Credentials, baseURL, cachePath, encryptionKey string) *Auth {
	a := &Auth{
		creds:      creds,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: tokenTimeout},
		log:        logging.WithComponent("kis-auth"),
	}
	if cachePath != "" {
		a.cache = newTokenCache(cachePath, encryptionKey)
	}
	return a
}

// GetToken returns a bearer token guaranteed valid for at least one hour.
// Concurrent callers during a refresh share a single network call: the mutex
// is held across the refresh, so followers observe the fresh token when they
// acquire it.
func (a *Auth) GetToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tokenValidLocked(time.Now()) {
		return a.token, nil
	}

	// First miss after process start: try the disk cache before the network.
	if !a.restored && a.cache != nil {
		a.restored = true
		if tok, exp, err := a.cache.load(); err == nil {
			a.token = tok
			a.expiresAt = exp
			if a.tokenValidLocked(time.Now()) {
				a.log.Info("Restored broker token from cache", "expires_at", exp.Format(time.RFC3339))
				return a.token, nil
			}
		}
	}

	if err := a.refreshLocked(ctx); err != nil {
		return "", err
	}
	return a.token, nil
}

// Invalidate discards the current token. The next GetToken call refreshes.
// Used when the gateway rejects a token before its bookkept expiry.
func (a *Auth) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	a.expiresAt = time.Time{}
}

// Valid reports whether a usable token is currently held, without refreshing.
func (a *Auth) Valid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokenValidLocked(time.Now())
}

// Credentials returns the credential identity this Auth signs for.
func (a *Auth) Credentials() Credentials {
	return a.creds
}

func (a *Auth) tokenValidLocked(now time.Time) bool {
	return a.token != "" && now.Before(a.expiresAt.Add(-tokenRefreshMargin))
}

func (a *Auth) refreshLocked(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     a.creds.AppKey,
		"appsecret":  a.creds.AppSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return &AuthError{Op: "token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &AuthError{Op: "token issuance", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AuthError{Op: "token read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &AuthError{Op: "token issuance", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(data))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return &AuthError{Op: "token decode", Err: err}
	}
	if tr.AccessToken == "" {
		return &AuthError{Op: "token issuance", Err: fmt.Errorf("empty access token in response")}
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 86400
	}

	a.token = tr.AccessToken
	a.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	a.log.Info("Issued new broker token", "expires_at", a.expiresAt.Format(time.RFC3339))

	if a.cache != nil {
		if err := a.cache.save(a.token, a.expiresAt); err != nil {
			a.log.WithError(err).Warn("Failed to persist broker token cache")
		}
	}
	return nil
}

// GetHeaders builds the signed request headers for the given transaction ID.
func (a *Auth) GetHeaders(ctx context.Context, trID string) (map[string]string, error) {
	token, err := a.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Content-Type":  "application/json; charset=utf-8",
		"authorization": "Bearer " + token,
		"appkey":        a.creds.AppKey,
		"appsecret":     a.creds.AppSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}, nil
}

// GetHashKey signs a POST body via the dedicated hashkey endpoint. The
// returned hash goes into the "hashkey" request header.
func (a *Auth) GetHashKey(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+hashkeyPath, bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Op: "hashkey request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("appkey", a.creds.AppKey)
	req.Header.Set("appsecret", a.creds.AppSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Op: "hashkey", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{Op: "hashkey read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Op: "hashkey", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(data))}
	}

	var hr hashkeyResponse
	if err := json.Unmarshal(data, &hr); err != nil {
		return "", &AuthError{Op: "hashkey decode", Err: err}
	}
	if hr.Hash == "" {
		return "", &AuthError{Op: "hashkey", Err: fmt.Errorf("empty hash in response")}
	}
	return hr.Hash, nil
}
