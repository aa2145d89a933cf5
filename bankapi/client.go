// Package bankapi is an HTTP client for one Open Banking provider.
//
// Each linked bank (identified by a short bank code such as "vbank") gets its
// own Client, configured with the bank's base URL and API credentials. All
// requests run inside a per-bank hystrix circuit breaker and may be retried
// according to a configurable RetryPolicy; by default retries are off.
// Responses are normalized at the boundary into the canonical types of the
// models subpackage, whatever historical wire shape the bank speaks.
package bankapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finflow-dev/finflow/bankapi/models"
)

const (
	// http.Client default timeout, assigned unless a custom client is configured.
	// Doubles as the hystrix command timeout so a hung request cannot stall an
	// aggregation branch forever.
	defaultTimeout = time.Second * 10
	jsonType       = "application/json"
	// threshold in percent of failed requests at which the circuit breaker opens
	defaultHystrixErrorPercentageThreshold = 30

	headerRequestingBank = "X-Requesting-Bank"
	headerConsentID      = "X-Consent-Id"
	headerRequestID      = "X-Request-Id"

	consentReason = "Account aggregation for FinFlow dashboard"
)

// DefaultPermissions requested when creating a consent. ReadTransactionsDetail
// is always included, transaction fetches are refused without it.
var DefaultPermissions = []string{"ReadAccountsDetail", "ReadBalances", "ReadTransactionsDetail"}

// Client performs REST operations against a single bank's Open Banking API.
//
// The bank-level access token obtained from /auth/bank-token is cached on the
// client; a 401/403 on any data call drops the cached token and replays the
// request once with a fresh one before failing.
type Client struct {
	bankCode           string
	baseURL            string
	clientID           string
	clientSecret       string
	requestingBank     string
	requestingBankName string
	commandName        string
	httpClient         *http.Client
	retrier            retrier
	logger             *zap.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a Client for the bank identified by bankCode, reachable
// at baseURL. baseURL must be a valid URL. ClientOption values adjust the
// ClientConfig defaults.
func NewClient(bankCode, baseURL string, options ...ClientOption) (*Client, error) {
	if bankCode == "" {
		return nil, errors.New("bank code must not be empty")
	}
	_, err := url.ParseRequestURI(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url provided: %w", err)
	}

	// default client config
	cfg := ClientConfig{
		HTTPClient:      &http.Client{Timeout: defaultTimeout},
		RetryPolicy:     DefaultRetryPolicy{maxRetries: 0},
		BackoffStrategy: NoBackoffStrategy{},
		Logger:          zap.NewNop(),
	}

	for _, option := range options {
		option(&cfg)
	}

	commandName := "bank-client-" + bankCode
	hystrix.ConfigureCommand(commandName, hystrix.CommandConfig{
		ErrorPercentThreshold: defaultHystrixErrorPercentageThreshold,
		Timeout:               int(cfg.HTTPClient.Timeout.Milliseconds()),
	})

	return &Client{
		bankCode:           bankCode,
		baseURL:            baseURL,
		clientID:           cfg.ClientID,
		clientSecret:       cfg.ClientSecret,
		requestingBank:     cfg.RequestingBank,
		requestingBankName: cfg.RequestingBankName,
		commandName:        commandName,
		httpClient:         cfg.HTTPClient,
		logger:             cfg.Logger.With(zap.String("bank_code", bankCode)),
		retrier: retrier{
			retryPolicy: cfg.RetryPolicy,
			backoff:     cfg.BackoffStrategy,
		},
	}, nil
}

// ClientOption is function which can modify ClientConfig
type ClientOption func(config *ClientConfig)

// ClientConfig contains all modifiable client parameters.
type ClientConfig struct {
	// HTTPClient param can be used to create custom http.Client
	HTTPClient *http.Client
	// RetryPolicy allows to set custom RetryPolicy
	RetryPolicy RetryPolicy
	// BackoffStrategy allows to define strategy to make delays between next retries
	BackoffStrategy BackoffStrategy
	// Logger receives request-level diagnostics
	Logger *zap.Logger
	// ClientID and ClientSecret authenticate against /auth/bank-token
	ClientID     string
	ClientSecret string
	// RequestingBank identifies this aggregator to the queried bank
	RequestingBank     string
	RequestingBankName string
}

// WithCredentials sets the API credentials used to obtain the bank token.
func WithCredentials(clientID, clientSecret string) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ClientID = clientID
		cfg.ClientSecret = clientSecret
	}
}

// WithRequestingBank sets the X-Requesting-Bank identification headers.
func WithRequestingBank(code, name string) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.RequestingBank = code
		cfg.RequestingBankName = name
	}
}

// WithLogger sets the structured logger, zap.NewNop is used otherwise.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// WithRetriesOnDefaultRetryPolicy enables the DefaultRetryPolicy with the given budget.
func WithRetriesOnDefaultRetryPolicy(maxRetries int) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.RetryPolicy = DefaultRetryPolicy{maxRetries: maxRetries}
	}
}

// WithCustomHTTPClient replaces the default http.Client.
func WithCustomHTTPClient(httpClient *http.Client) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.HTTPClient = httpClient
	}
}

// WithCustomRetryPolicy replaces the retry policy.
func WithCustomRetryPolicy(retryPolicy RetryPolicy) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.RetryPolicy = retryPolicy
	}
}

// WithCustomBackoffStrategy replaces the backoff strategy.
func WithCustomBackoffStrategy(backoff BackoffStrategy) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.BackoffStrategy = backoff
	}
}

// WithExponentialBackoffStrategy applies exponentially growing delays between retries.
func WithExponentialBackoffStrategy(initialDelay time.Duration, multiplier int) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.BackoffStrategy = ExponentialBackoffStrategy{
			initialDelay: initialDelay,
			multiplier:   multiplier,
		}
	}
}

// WithLinearBackoffStrategy applies a constant delay between retries.
func WithLinearBackoffStrategy(delay time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.BackoffStrategy = LinearBackoffStrategy{delayTime: delay}
	}
}

// BankCode returns the code of the bank this client talks to.
func (c *Client) BankCode() string {
	return c.bankCode
}

// RequestConsent asks the bank for read access to a user's accounts.
// Some banks approve synchronously (auto_approved), others return a pending
// consent that must be polled via GetConsent until it reaches a terminal
// state.
func (c *Client) RequestConsent(ctx context.Context, userID string, permissions []string) (*models.Consent, error) {
	if len(permissions) == 0 {
		permissions = DefaultPermissions
	} else if !contains(permissions, "ReadTransactionsDetail") {
		permissions = append(permissions, "ReadTransactionsDetail")
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"client_id":            userID,
		"permissions":          permissions,
		"reason":               consentReason,
		"requesting_bank":      c.requestingBank,
		"requesting_bank_name": c.requestingBankName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize consent request body: %w", err)
	}

	var res models.ConsentResponse
	if err := c.call(ctx, http.MethodPost, "/account-consents/request", nil, "", reqBody, &res); err != nil {
		return nil, fmt.Errorf("failed to request consent: %w", err)
	}

	consent := res.Normalize()
	if consent.ConsentID == "" {
		return nil, fmt.Errorf("consent created with status %q but no consent id returned", consent.Status)
	}
	return &consent, nil
}

// GetConsent fetches the current status of a consent.
func (c *Client) GetConsent(ctx context.Context, consentID string) (*models.Consent, error) {
	var res models.ConsentResponse
	path := fmt.Sprintf("/account-consents/%s", url.PathEscape(consentID))
	if err := c.call(ctx, http.MethodGet, path, nil, "", nil, &res); err != nil {
		return nil, fmt.Errorf("failed to fetch consent: %w", err)
	}
	consent := res.Normalize()
	if consent.ConsentID == "" {
		consent.ConsentID = consentID
	}
	return &consent, nil
}

// DeleteConsent revokes a consent on the bank side.
func (c *Client) DeleteConsent(ctx context.Context, consentID string) error {
	path := fmt.Sprintf("/account-consents/%s", url.PathEscape(consentID))
	if err := c.call(ctx, http.MethodDelete, path, nil, "", nil, nil); err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	return nil
}

// ListAccounts returns the user's accounts at this bank under the given consent.
func (c *Client) ListAccounts(ctx context.Context, userID, consentID string) ([]models.Account, error) {
	query := url.Values{"client_id": []string{userID}}
	var res models.AccountsResponse
	if err := c.call(ctx, http.MethodGet, "/accounts", query, consentID, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}
	for i := range res.Accounts {
		res.Accounts[i].BankCode = c.bankCode
	}
	return res.Accounts, nil
}

// GetBalances returns the normalized balance entries of one account.
func (c *Client) GetBalances(ctx context.Context, accountID, consentID string) ([]models.Balance, error) {
	path := fmt.Sprintf("/accounts/%s/balances", url.PathEscape(accountID))
	var res models.BalancesResponse
	if err := c.call(ctx, http.MethodGet, path, nil, consentID, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	return res.Balances, nil
}

// GetTransactions returns the account's transactions within the booking date
// window. Zero from/to values leave the window open on that side.
func (c *Client) GetTransactions(ctx context.Context, accountID, consentID string, from, to time.Time) ([]models.Transaction, error) {
	query := url.Values{}
	if !from.IsZero() {
		query.Set("fromBookingDateTime", from.Format("2006-01-02"))
	}
	if !to.IsZero() {
		query.Set("toBookingDateTime", to.Format("2006-01-02"))
	}

	path := fmt.Sprintf("/accounts/%s/transactions", url.PathEscape(accountID))
	var res models.TransactionsResponse
	if err := c.call(ctx, http.MethodGet, path, query, consentID, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	for i := range res.Transactions {
		if res.Transactions[i].AccountID == "" {
			res.Transactions[i].AccountID = accountID
		}
	}
	return res.Transactions, nil
}

// call issues an authorized request and, on an auth failure, refreshes the
// cached bank token and replays the request exactly once.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, consentID string, body []byte, result interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	err = c.doAuthorized(ctx, method, path, query, consentID, token, body, result)
	if err == nil || !IsAuthError(err) {
		return err
	}

	c.logger.Debug("bank token rejected, refreshing and retrying once", zap.String("path", path))
	c.invalidateToken()
	token, tokenErr := c.ensureToken(ctx)
	if tokenErr != nil {
		return tokenErr
	}
	return c.doAuthorized(ctx, method, path, query, consentID, token, body, result)
}

func (c *Client) doAuthorized(ctx context.Context, method, path string, query url.Values, consentID, token string, body []byte, result interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if len(body) > 0 {
		reqBody = bytes.NewBuffer(body)
	}
	request, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create %s request to %s: %w", method, path, err)
	}

	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", jsonType)
	request.Header.Set(headerRequestID, uuid.NewString())
	if c.requestingBank != "" {
		request.Header.Set(headerRequestingBank, c.requestingBank)
	}
	if consentID != "" {
		request.Header.Set(headerConsentID, consentID)
	}

	return c.sendRequest(ctx, request, result)
}

// ensureToken returns the cached bank access token, fetching a fresh one via
// POST /auth/bank-token when none is cached.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	query := url.Values{
		"client_id":     []string{c.clientID},
		"client_secret": []string{c.clientSecret},
	}
	request, err := http.NewRequest(http.MethodPost, c.baseURL+"/auth/bank-token?"+query.Encode(), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create bank token request: %w", err)
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.sendRequest(ctx, request, &res); err != nil {
		return "", fmt.Errorf("failed to obtain bank token: %w", err)
	}
	if res.AccessToken == "" {
		return "", errors.New("bank token response contained no access_token")
	}

	c.mu.Lock()
	c.token = res.AccessToken
	c.mu.Unlock()
	return res.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) sendRequest(ctx context.Context, request *http.Request, result interface{}) error {
	request = request.WithContext(ctx)
	setContentType(request)

	var resBody []byte
	err := hystrix.Do(c.commandName, func() error {
		body, err := c.sendRequestWithRetries(ctx, request)
		resBody = body
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to send request to %s api: %w", c.bankCode, err)
	}

	if result != nil && len(resBody) > 0 {
		if err = json.Unmarshal(resBody, result); err != nil {
			return fmt.Errorf("failed to unmarshall response body: %w", err)
		}
	}

	return nil
}

func (c *Client) sendRequestWithRetries(ctx context.Context, request *http.Request) ([]byte, error) {
	res, err := c.retrier.retry(ctx, request, func(req *http.Request) (*http.Response, error) {
		response, resErr := c.httpClient.Do(request)
		if resErr != nil {
			return nil, fmt.Errorf("failed to make request to an api : %w", resErr)
		}

		return response, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send request : %w", err)
	}

	defer func() {
		if errClose := res.Body.Close(); errClose != nil {
			c.logger.Warn("failed to close response body", zap.Error(errClose))
		}
	}()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if res.StatusCode >= http.StatusBadRequest {
		return nil, reqErrFromResponse(resBody, res.StatusCode)
	}

	return resBody, nil
}

func setContentType(req *http.Request) {
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", jsonType)
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
