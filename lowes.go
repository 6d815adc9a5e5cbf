// Lowe's mobile-API client: token acquisition, product-detail fetch and the
// failure classification both of them share. All connector specifics (endpoints,
// headers, query parameters, fingerprint shapes) live in this file.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ───────── Endpoints & credentials ─────────

const (
	defaultAuthURL    = "https://apis.lowes.com/v1/oauthprovider/oauth2/token"
	defaultProductURL = "https://apis.lowes.com/fulcra/pd/productId"

	oauthClientID     = "5e86eb19bbdaf5858ba1cef79ad4b826"
	oauthClientSecret = "c8c44f2f520dc07b8a854ad06807a256"

	tokenValidity = 15 * time.Minute
	tokenMaxUses  = 100
)

func baseHeaders() map[string]string {
	return map[string]string{
		"user-agent":                          "lowesMobileApp/25.10.6 (iPhone; iOS 18.6.2)",
		"os":                                  "ios",
		"x-lowes-originating-server-hostname": "LowesiOSConsumer",
		"isguestuser":                         "true",
		"accept-language":                     "en-GB,en;q=0.9",
		"accept":                              "*/*",
		"app-version":                         "25.10.6",
		"x-api-version":                       "v3",
		"device-idiom":                        "phone",
	}
}

// productQuery is the fixed parameter set the mobile app sends on a
// product-detail request; only storeNumber varies.
func productQuery(storeID string) url.Values {
	return url.Values{
		"enablePaintConfig":       {"true"},
		"enableFulfillmentV2":     {"true"},
		"showAtc":                 {"true"},
		"enableNewBadges":         {"true"},
		"customerType":            {"REGULAR"},
		"carouselBadge":           {"true"},
		"purchaseFromCatalog":     {"false"},
		"associations":            {"pd"},
		"promoType":               {"unknown"},
		"promotionId":             {""},
		"storeNumber":             {storeID},
		"enableLiftOffRecs":       {"true"},
		"supportBuyAgain":         {"false"},
		"enableCurbsideSelection": {"true"},
		"hasAdditionalServices":   {"true"},
		"organizationId":          {""},
		"role":                    {""},
		"enableSameDayDelivery":   {"true"},
	}
}

// ───────── Fingerprint generation ─────────

const (
	alphaNum      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	lowerAlphaNum = "0123456789abcdefghijklmnopqrstuvwxyz"
	hexNum        = "abcdef0123456789"
)

func randString(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// sensorData mimics the shape of the app's anti-bot telemetry blob. The value
// is opaque to the API contract we rely on; only its format matters.
func sensorData() string {
	return fmt.Sprintf("4,i,%s==$%d,%d,%d$$",
		randString(alphaNum, 1242), 1+rand.Intn(20), 1+rand.Intn(20), 1+rand.Intn(20))
}

// fingerprintHeaders builds a fresh per-token disguise: base mobile headers
// plus randomized device identifiers. Called once per token acquisition.
func fingerprintHeaders() map[string]string {
	h := baseHeaders()
	h["deviceid"] = strings.ToUpper(uuid.NewString())
	h["epid"] = strings.ToUpper(uuid.NewString())
	h["adid"] = randString(hexNum, 40)
	h["x-lowes-uuid"] = "ca829819-f33a-44c5-b294-" + randString(lowerAlphaNum, 14)
	h["x-acf-sensor-data"] = sensorData()
	return h
}

// ───────── Failure classification ─────────

// errAuthExpired marks a 401 on a product call. The worker must refresh its
// token and move on; it is never a generic fetch failure.
var errAuthExpired = errors.New("token expired")

// errFormat marks a record-extraction failure; it is terminal for the item
// and must never take the worker down.
var errFormat = errors.New("format error")

// notFoundError is terminal: the API reports the item permanently unavailable.
type notFoundError struct {
	omsid string
	msg   string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("item %s not available: %s", e.omsid, e.msg)
}

// apiError carries a response the classifier did not accept. Whether it is
// retried depends on the status tables below.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("response status %d: %s", e.status, e.body)
}

var authRetryStatuses = map[int]bool{
	503: true, 412: true, 456: true, 522: true, 408: true, 502: true, 403: true,
}

var fetchRetryStatuses = map[int]bool{
	429: true, 503: true, 504: true, 408: true,
}

// notFoundPhrases is the upstream wording that means "stop asking". It depends
// on API copy, so keep it as an enumerable table rather than scattered checks.
var notFoundPhrases = []string{
	"product not found",
	"discontinued",
	"no longer available",
	"invalid product",
	"not found",
	"does not exist",
}

func permanentlyUnavailable(msg string) bool {
	m := strings.ToLower(msg)
	for _, p := range notFoundPhrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// ───────── Token ─────────

// token is an exclusively worker-owned bearer credential. Workers never share
// tokens; each fetches its own and retires it on age, usage or a 401.
type token struct {
	value    string
	issuedAt time.Time
	uses     int
}

// expired reports whether the holder must re-authenticate before the next
// lookup. A nil token always needs refreshing.
func (t *token) expired(now time.Time) bool {
	return t == nil || now.Sub(t.issuedAt) > tokenValidity || t.uses >= tokenMaxUses
}

// ───────── Client ─────────

type lowesClient struct {
	http       *http.Client
	authURL    string
	productURL string

	clientID     string
	clientSecret string

	delay   time.Duration
	retries int

	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time
}

type lowesClientOptions struct {
	AuthURL    string
	ProductURL string
	Proxies    []*url.URL
	Delay      time.Duration
	Timeout    time.Duration
	Retries    int
	Metrics    *Metrics
	Log        *slog.Logger
}

func newLowesClient(opts lowesClientOptions) *lowesClient {
	if opts.AuthURL == "" {
		opts.AuthURL = defaultAuthURL
	}
	if opts.ProductURL == "" {
		opts.ProductURL = defaultProductURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	tr := &http.Transport{
		// Upstream proxies present resigned certificates.
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     IDLE_CONN_TIMEOUT,
	}
	if len(opts.Proxies) > 0 {
		proxies := opts.Proxies
		// Uniform random pick per request; no stickiness.
		tr.Proxy = func(*http.Request) (*url.URL, error) {
			return proxies[rand.Intn(len(proxies))], nil
		}
	}
	return &lowesClient{
		http:         &http.Client{Timeout: opts.Timeout, Transport: tr},
		authURL:      opts.AuthURL,
		productURL:   strings.TrimRight(opts.ProductURL, "/"),
		clientID:     oauthClientID,
		clientSecret: oauthClientSecret,
		delay:        opts.Delay,
		retries:      opts.Retries,
		metrics:      opts.Metrics,
		log:          opts.Log,
		now:          time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *lowesClient) record(code int) {
	if c.metrics != nil {
		c.metrics.RecordRequest(code)
	}
}

// acquireToken posts the fixed client credentials with the caller's
// fingerprint headers. Busy statuses are retried with the same headers and a
// decremented budget; anything else is terminal with the response body as
// detail.
func (c *lowesClient) acquireToken(ctx context.Context, headers map[string]string) (*token, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	body := form.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := sleepCtx(ctx, c.delay); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", "application/x-www-form-urlencoded")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("token request: %w", err)
			c.log.Warn("failed to get token, retrying", "err", err)
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.record(resp.StatusCode)

		switch {
		case resp.StatusCode == http.StatusOK:
			var tr struct {
				AccessToken string `json:"access_token"`
			}
			if err := json.Unmarshal(respBody, &tr); err != nil {
				return nil, fmt.Errorf("token response: %w", err)
			}
			if tr.AccessToken == "" {
				return nil, errors.New("token response missing access_token")
			}
			return &token{value: tr.AccessToken, issuedAt: c.now()}, nil
		case authRetryStatuses[resp.StatusCode]:
			lastErr = &apiError{status: resp.StatusCode, body: string(respBody)}
			c.log.Warn("failed to get token, retrying", "status", resp.StatusCode)
		default:
			return nil, &apiError{status: resp.StatusCode, body: string(respBody)}
		}
	}
	return nil, fmt.Errorf("token retries exhausted: %w", lastErr)
}

// fetchProduct issues one product-detail lookup for omsid at the given store.
// At most retries+1 attempts are made; the pacing delay and timeout are the
// same on every attempt. Terminal outcomes: a parsed RawProduct, a
// notFoundError, errAuthExpired on 401, or an apiError.
func (c *lowesClient) fetchProduct(ctx context.Context, tok *token, headers map[string]string, store Store, omsid string) (*RawProduct, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := sleepCtx(ctx, c.delay); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.productURL+"/"+url.PathEscape(omsid), nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = productQuery(store.ID).Encode()
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("authorization", "Bearer "+tok.value)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fetch %s: %w", omsid, err)
			c.log.Warn("network error, retrying", "omsid", omsid, "store", store.Name, "err", err)
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.record(resp.StatusCode)

		switch {
		case resp.StatusCode == http.StatusOK:
			var env productEnvelope
			if err := json.Unmarshal(respBody, &env); err != nil {
				return nil, &apiError{status: resp.StatusCode, body: "unparseable product payload: " + err.Error()}
			}
			if len(env.Errors) > 0 {
				msg := env.Errors[0].Message
				if msg == "" {
					msg = "Unknown error"
				}
				if permanentlyUnavailable(msg) {
					return nil, &notFoundError{omsid: omsid, msg: msg}
				}
				lastErr = &apiError{status: resp.StatusCode, body: msg}
				c.log.Warn("API error, retrying", "omsid", omsid, "store", store.Name, "msg", msg)
				continue
			}
			if env.Product == nil {
				return nil, &notFoundError{omsid: omsid, msg: "no product data in response"}
			}
			return env.Product, nil
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, errAuthExpired
		case fetchRetryStatuses[resp.StatusCode]:
			lastErr = &apiError{status: resp.StatusCode, body: string(respBody)}
			c.log.Warn("rate limit/server error, retrying", "status", resp.StatusCode, "omsid", omsid, "store", store.Name)
		default:
			return nil, &apiError{status: resp.StatusCode, body: string(respBody)}
		}
	}
	return nil, fmt.Errorf("fetch retries exhausted for %s: %w", omsid, lastErr)
}
