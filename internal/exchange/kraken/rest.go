package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"krakenclient/internal/logger"
)

// ErrUnavailable is returned for any transport or exchange reported failure
// of a REST call. Callers must not treat it as an empty result.
var ErrUnavailable = errors.New("kraken: rest call unavailable")

const (
	apiVersion  = 0
	nonceWeight = 1000
)

// RestOptions configures the REST client
type RestOptions struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	Rate       float64
	Burst      int
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
	Now        func() time.Time
}

// RestClient calls the public and private REST methods
type RestClient struct {
	baseURL   string
	userAgent string
	key       string
	secret    string
	http      *http.Client
	limiter   *rate.Limiter
	now       func() time.Time
	log       *logger.Entry

	nonceMu   sync.Mutex
	lastNonce int64
}

// NewRestClient creates a rate limited REST client
func NewRestClient(opts RestOptions, log *logger.Log) *RestClient {
	if log == nil {
		log = logger.GetLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	rps := opts.Rate
	if rps <= 0 {
		rps = 1
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &RestClient{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		key:       opts.APIKey,
		secret:    opts.APISecret,
		http:      httpClient,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		now:       now,
		log:       log.WithComponent("kraken_rest"),
	}
}

// HasCredentials reports whether private methods can be called
func (c *RestClient) HasCredentials() bool {
	return c.key != "" && c.secret != ""
}

// NextNonce returns a strictly increasing nonce based on milliseconds * 1000
func (c *RestClient) NextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	n := c.now().UnixMilli() * nonceWeight
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// PublicCall invokes a public method and returns its result
func (c *RestClient) PublicCall(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	return c.request(ctx, c.path(method, true), params, nil)
}

// PrivateCall signs and invokes a private method and returns its result
func (c *RestClient) PrivateCall(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	if !c.HasCredentials() {
		return nil, fmt.Errorf("%w: %s requires credentials", ErrUnavailable, method)
	}

	body := url.Values{}
	for k, v := range params {
		body[k] = v
	}
	nonce := strconv.FormatInt(c.NextNonce(), 10)
	body.Set("nonce", nonce)

	path := c.path(method, false)
	signature, err := Sign(path, body, c.secret, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	headers := http.Header{}
	headers.Set("API-Key", c.key)
	headers.Set("API-Sign", signature)
	return c.request(ctx, path, body, headers)
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *RestClient) request(ctx context.Context, path string, body url.Values, headers http.Header) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("path", path).Warn("rest request failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.WithFields(logger.Fields{"path": path, "status": resp.StatusCode}).Warn("rest request returned non-200")
		return nil, fmt.Errorf("%w: http status %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(env.Error) > 0 {
		c.log.WithFields(logger.Fields{"path": path, "errors": env.Error}).Warn("exchange reported rest error")
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, strings.Join(env.Error, ", "))
	}
	if len(env.Result) > 0 && string(env.Result) != "null" {
		return env.Result, nil
	}
	return raw, nil
}

func (c *RestClient) path(method string, public bool) string {
	scope := "private"
	if public {
		scope = "public"
	}
	return fmt.Sprintf("/%d/%s/%s", apiVersion, scope, method)
}

// AssetInfo is one entry of the Assets method
type AssetInfo struct {
	Altname         string `json:"altname"`
	AClass          string `json:"aclass"`
	Decimals        int    `json:"decimals"`
	DisplayDecimals int    `json:"display_decimals"`
}

// AssetPairInfo is one entry of the AssetPairs method
type AssetPairInfo struct {
	Altname      string `json:"altname"`
	WSName       string `json:"wsname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
}

// Assets fetches asset metadata keyed by exchange asset id
func (c *RestClient) Assets(ctx context.Context) (map[string]AssetInfo, error) {
	raw, err := c.PublicCall(ctx, "Assets", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]AssetInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: assets: %v", ErrUnavailable, err)
	}
	return out, nil
}

// AssetPairs fetches pair metadata keyed by exchange pair id
func (c *RestClient) AssetPairs(ctx context.Context) (map[string]AssetPairInfo, error) {
	raw, err := c.PublicCall(ctx, "AssetPairs", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]AssetPairInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: asset pairs: %v", ErrUnavailable, err)
	}
	return out, nil
}

// WebSocketToken fetches the token used by the private socket
func (c *RestClient) WebSocketToken(ctx context.Context) (string, error) {
	raw, err := c.PrivateCall(ctx, "GetWebSocketsToken", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: token: %v", ErrUnavailable, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnavailable)
	}
	return out.Token, nil
}

// Balance fetches raw balances keyed by exchange asset id
func (c *RestClient) Balance(ctx context.Context) (map[string]string, error) {
	raw, err := c.PrivateCall(ctx, "Balance", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrUnavailable, err)
	}
	return out, nil
}

// TradeVolume fetches the 30 day volume and fee tiers
func (c *RestClient) TradeVolume(ctx context.Context) (map[string]interface{}, error) {
	raw, err := c.PrivateCall(ctx, "TradeVolume", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: trade volume: %v", ErrUnavailable, err)
	}
	return out, nil
}
