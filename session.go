package smartmeter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// AuthSession turns a username/password into a bearer token and gateway API
// key via the portal's form-based login handshake. The identity provider
// relies on cookies set on the login page surviving the credential POST, so
// all four steps share one cookie-jar HTTP session owned by this struct.
//
// Tokens are committed all-or-nothing: a failed login never leaves the
// session with a token from one attempt and a key from another. Login is
// serialized with a mutex so concurrent fetch cycles sharing a session
// cannot interleave the cookie jar.
type AuthSession struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	apiKey       string
	lastLogin    time.Time
}

func NewAuthSession(cfg Config) (*AuthSession, error) {
	cfg = cfg.withDefaults()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("setting up cookie jar: %w", err)
	}

	httpClient := httpClientWithReqHeaders(&http.Client{Jar: jar, Timeout: cfg.Timeout}, func() map[string]string {
		return map[string]string{"User-Agent": userAgent}
	})

	return &AuthSession{
		cfg:        cfg,
		log:        cfg.Logger,
		httpClient: httpClient,
	}, nil
}

// Login runs the full four-step handshake. On success the previous tokens
// are fully replaced; on failure they are left untouched.
func (s *AuthSession) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, err := s.resolveLoginForm(ctx)
	if err != nil {
		return err
	}
	s.log.Debug("resolved login form action", zap.String("action", action))

	code, err := s.submitCredentials(ctx, action)
	if err != nil {
		return err
	}

	tokens, err := s.exchangeCode(ctx, code)
	if err != nil {
		return err
	}

	key, err := s.discoverAPIKey(ctx, tokens.AccessToken)
	if err != nil {
		return err
	}
	s.log.Debug("login complete")

	s.accessToken = tokens.AccessToken
	s.refreshToken = tokens.RefreshToken
	s.apiKey = key
	s.lastLogin = time.Now()
	return nil
}

// Valid reports whether the session holds a usable token/key pair. When the
// access token is a decodable JWT its exp claim is honored, so a cycle
// re-using a live session skips the handshake; opaque tokens are trusted
// until the owner discards the session.
func (s *AuthSession) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken == "" || s.apiKey == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.accessToken, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Now().Before(exp.Time)
}

// Invalidate drops the tokens so the next cycle performs a fresh handshake.
func (s *AuthSession) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.refreshToken = ""
	s.apiKey = ""
}

// authHeaders returns the headers every gateway call must carry.
func (s *AuthSession) authHeaders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		"Authorization":    "Bearer " + s.accessToken,
		"X-Gateway-APIKey": s.apiKey,
	}
}

// resolveLoginForm fetches the authorization endpoint and extracts the
// action URL of the credential form.
func (s *AuthSession) resolveLoginForm(ctx context.Context) (string, error) {
	loginURL := s.cfg.AuthBaseURL + "auth?" + url.Values{
		"client_id":     []string{ClientID},
		"redirect_uri":  []string{RedirectURL},
		"response_mode": []string{"fragment"},
		"response_type": []string{"code"},
		"scope":         []string{"openid"},
		"nonce":         []string{""},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return "", fmt.Errorf("building login page request: %w", err)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return "", wrapTransport(err, func(err error) error {
			return &AuthError{Reason: ReasonLoginPageUnreachable, Err: err}
		})
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", &AuthError{Reason: ReasonLoginPageUnreachable, Err: fmt.Errorf("unexpected status %d", res.StatusCode)}
	}

	doc, err := htmlquery.Parse(res.Body)
	if err != nil {
		return "", &AuthError{Reason: ReasonMalformedLoginPage, Err: err}
	}

	formAction, err := htmlquery.Query(doc, "//form/@action")
	if err != nil || formAction == nil {
		return "", &AuthError{Reason: ReasonMalformedLoginPage, Err: fmt.Errorf("form action not found")}
	}

	action := htmlquery.InnerText(formAction)
	if action == "" {
		return "", &AuthError{Reason: ReasonMalformedLoginPage, Err: fmt.Errorf("form action is empty")}
	}
	return action, nil
}

// submitCredentials POSTs the login form and pulls the authorization code
// out of the redirect the provider answers with. Redirect-following must be
// off here: the code lives in the Location header, fragment first, query as
// fallback.
func (s *AuthSession) submitCredentials(ctx context.Context, action string) (string, error) {
	form := url.Values{
		"username": []string{s.cfg.Username},
		"password": []string{s.cfg.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := withoutRedirect(s.httpClient).Do(req)
	if err != nil {
		return "", wrapTransport(err, func(err error) error {
			return fmt.Errorf("submitting login form: %w", err)
		})
	}
	defer res.Body.Close()

	loc := res.Header.Get("Location")
	if loc == "" {
		return "", &AuthError{Reason: ReasonInvalidCredentials, Err: fmt.Errorf("no redirect location")}
	}

	code := extractCode(loc)
	if code == "" {
		return "", &AuthError{Reason: ReasonInvalidCredentials, Err: fmt.Errorf("no code in redirect location")}
	}
	return code, nil
}

func extractCode(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	if fragment, err := url.ParseQuery(u.Fragment); err == nil {
		if code := fragment.Get("code"); code != "" {
			return code
		}
	}
	return u.Query().Get("code")
}

type tokenData struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token"`
	NotBeforePolicy  int    `json:"not-before-policy"`
	SessionState     string `json:"session_state"`
	Scope            string `json:"scope"`
}

func (s *AuthSession) exchangeCode(ctx context.Context, code string) (*tokenData, error) {
	form := url.Values{
		"grant_type":   []string{"authorization_code"},
		"client_id":    []string{ClientID},
		"redirect_uri": []string{RedirectURL},
		"code":         []string{code},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AuthBaseURL+"token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransport(err, func(err error) error {
			return &AuthError{Reason: ReasonTokenExchangeFailed, Err: err}
		})
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &AuthError{Reason: ReasonTokenExchangeFailed, Err: fmt.Errorf("unexpected status %d", res.StatusCode)}
	}

	tokens := &tokenData{}
	if err := json.NewDecoder(res.Body).Decode(tokens); err != nil {
		return nil, &AuthError{Reason: ReasonTokenExchangeFailed, Err: fmt.Errorf("decoding token data: %w", err)}
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, &AuthError{Reason: ReasonTokenExchangeFailed, Err: fmt.Errorf("token response missing fields")}
	}
	return tokens, nil
}

// discoverAPIKey scrapes the gateway API key out of the portal frontend: it
// fetches the landing page with the fresh bearer token, walks the referenced
// scripts in document order and returns the first b2cApiKey match. A script
// that cannot be fetched aborts discovery instead of being skipped.
func (s *AuthSession) discoverAPIKey(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, s.cfg.Generation.keyDiscoveryMethod(), s.cfg.PageBaseURL, nil)
	if err != nil {
		return "", fmt.Errorf("building landing page request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := withoutRedirect(s.httpClient).Do(req)
	if err != nil {
		return "", wrapTransport(err, func(err error) error {
			return &AuthError{Reason: ReasonAPIKeyFetchFailed, Err: err}
		})
	}
	defer res.Body.Close()

	doc, err := htmlquery.Parse(res.Body)
	if err != nil {
		return "", &AuthError{Reason: ReasonAPIKeyFetchFailed, Err: fmt.Errorf("parsing landing page: %w", err)}
	}

	scripts, err := htmlquery.QueryAll(doc, "//script/@src")
	if err != nil {
		return "", &AuthError{Reason: ReasonAPIKeyFetchFailed, Err: fmt.Errorf("scanning landing page scripts: %w", err)}
	}

	for _, script := range scripts {
		src := htmlquery.InnerText(script)
		body, err := s.fetchScript(ctx, s.cfg.PageBaseURL+src)
		if err != nil {
			return "", &AuthError{Reason: ReasonAPIKeyFetchFailed, Err: fmt.Errorf("fetching script %s: %w", src, err)}
		}
		if m := apiKeyRegex.FindSubmatch(body); m != nil {
			s.log.Debug("found gateway API key", zap.String("script", src))
			return string(m[1]), nil
		}
	}

	return "", &AuthError{Reason: ReasonAPIKeyNotFound}
}

func (s *AuthSession) fetchScript(ctx context.Context, scriptURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return nil, err
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

type headersFunc = func() map[string]string

func httpClientWithReqHeaders(orgClient *http.Client, headersFunc headersFunc) *http.Client {
	inner := orgClient.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}

	return withTransport(orgClient, &reqHeaderFuncRoundTripper{
		headersFunc: headersFunc,
		inner:       inner,
	})
}

type reqHeaderFuncRoundTripper struct {
	inner       http.RoundTripper
	headersFunc headersFunc
}

func (rt *reqHeaderFuncRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.headersFunc != nil {
		for k, v := range rt.headersFunc() {
			req.Header.Add(k, v)
		}
	}

	return rt.inner.RoundTrip(req)
}

func withoutRedirect(orgClient *http.Client) *http.Client {
	newClient := &http.Client{}
	if orgClient != nil {
		*newClient = *orgClient
	}
	newClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return newClient
}

func withTransport(orgClient *http.Client, transport http.RoundTripper) *http.Client {
	newClient := &http.Client{}
	if orgClient != nil {
		*newClient = *orgClient
	}
	newClient.Transport = transport
	return newClient
}
