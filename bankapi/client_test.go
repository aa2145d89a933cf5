package bankapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/stretchr/testify/suite"
)

type bankClientSuite struct {
	suite.Suite
}

func TestBankClientUnit(t *testing.T) {
	suite.Run(t, &bankClientSuite{})
}

// newBankServer serves a token endpoint plus the given data handler. Every
// token request returns a new token so refresh behavior is observable.
func newBankServer(tokenCalls *int32, dataHandler http.HandlerFunc) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/bank-token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": "token-%d"}`, n)
	})
	mux.HandleFunc("/", dataHandler)
	return httptest.NewServer(mux)
}

func (s *bankClientSuite) TestClientCreation() {
	validAPIURL := "http://some-bank.com"
	testCases := map[string]struct {
		bankCode    string
		apiURL      string
		expectedErr bool
	}{
		"should create client successfully": {
			bankCode:    "vbank",
			apiURL:      validAPIURL,
			expectedErr: false,
		},
		"should fail on invalid base url": {
			bankCode:    "vbank",
			apiURL:      "invalidURL",
			expectedErr: true,
		},
		"should fail on empty bank code": {
			bankCode:    "",
			apiURL:      validAPIURL,
			expectedErr: true,
		},
	}

	for name, tc := range testCases {
		s.Run(name, func() {
			client, err := NewClient(tc.bankCode, tc.apiURL)
			if tc.expectedErr {
				s.Assert().Error(err)
			} else {
				s.Require().NoError(err)
				s.Assert().Equal(tc.apiURL, client.baseURL)
				s.Assert().Equal(tc.bankCode, client.BankCode())
			}
		})
	}
}

func (s *bankClientSuite) TestTokenCachingAndRefresh() {
	s.Run("token is fetched once and reused across calls", func() {
		var tokenCalls int32
		var dataCalls int32
		testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&dataCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"accounts": []}`)
		})
		defer testServ.Close()

		client, err := NewClient("vbank-token-reuse", testServ.URL)
		s.Require().NoError(err)

		_, err = client.ListAccounts(context.Background(), "user-1", "consent-1")
		s.Require().NoError(err)
		_, err = client.ListAccounts(context.Background(), "user-1", "consent-1")
		s.Require().NoError(err)

		s.Assert().Equal(int32(1), atomic.LoadInt32(&tokenCalls))
		s.Assert().Equal(int32(2), atomic.LoadInt32(&dataCalls))
	})

	s.Run("a 401 triggers exactly one token refresh and replay", func() {
		var tokenCalls int32
		var dataCalls int32
		testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&dataCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			if r.Header.Get("Authorization") == "Bearer token-1" {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error_message": "token expired"}`)
				return
			}
			fmt.Fprint(w, `{"accounts": [{"account_id": "acc-1"}]}`)
		})
		defer testServ.Close()

		client, err := NewClient("vbank-token-refresh", testServ.URL)
		s.Require().NoError(err)

		accounts, err := client.ListAccounts(context.Background(), "user-1", "consent-1")
		s.Require().NoError(err)
		s.Require().Len(accounts, 1)
		s.Assert().Equal("acc-1", accounts[0].ID)
		s.Assert().Equal("vbank-token-refresh", accounts[0].BankCode)

		s.Assert().Equal(int32(2), atomic.LoadInt32(&tokenCalls))
		s.Assert().Equal(int32(2), atomic.LoadInt32(&dataCalls))
	})

	s.Run("a persistent 401 fails after one refresh attempt", func() {
		var tokenCalls int32
		var dataCalls int32
		testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&dataCalls, 1)
			w.WriteHeader(http.StatusUnauthorized)
		})
		defer testServ.Close()

		client, err := NewClient("vbank-token-persistent", testServ.URL)
		s.Require().NoError(err)

		_, err = client.ListAccounts(context.Background(), "user-1", "consent-1")
		s.Require().Error(err)

		var reqErr *RequestError
		s.Assert().True(errors.As(err, &reqErr))
		s.Assert().Equal(http.StatusUnauthorized, reqErr.StatusCode)
		s.Assert().Equal(int32(2), atomic.LoadInt32(&tokenCalls))
		s.Assert().Equal(int32(2), atomic.LoadInt32(&dataCalls))
	})
}

func (s *bankClientSuite) TestRetryPolicies() {
	s.Run("client retries server errors according to the configured policy", func() {
		var tokenCalls int32
		var dataCalls int32
		testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&dataCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
		})
		defer testServ.Close()

		maxRetries := 3
		client, err := NewClient("vbank-retries", testServ.URL, WithRetriesOnDefaultRetryPolicy(maxRetries))
		s.Require().NoError(err)

		_, err = client.GetBalances(context.Background(), "acc-1", "consent-1")

		var reqErr *RequestError
		s.Assert().True(errors.As(err, &reqErr))
		s.Assert().Equal(http.StatusInternalServerError, reqErr.StatusCode)
		s.Assert().Equal(int32(maxRetries+1), atomic.LoadInt32(&dataCalls))
	})

	s.Run("client recovers when the api comes back before retries are exhausted", func() {
		var tokenCalls int32
		var dataCalls int32
		testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
			calls := atomic.AddInt32(&dataCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			if calls == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `[{"balance_type": "InterimAvailable", "amount": "42.00"}]`)
		})
		defer testServ.Close()

		client, err := NewClient("vbank-recovery", testServ.URL, WithRetriesOnDefaultRetryPolicy(2))
		s.Require().NoError(err)

		balances, err := client.GetBalances(context.Background(), "acc-1", "consent-1")
		s.Require().NoError(err)
		s.Require().Len(balances, 1)
		s.Assert().Equal(int32(2), atomic.LoadInt32(&dataCalls))
	})

	s.Run("test default retry policy", func() {
		defaultRetryPolicy := DefaultRetryPolicy{maxRetries: 2}

		testCases := map[string]struct {
			err   error
			res   *http.Response
			retry bool
		}{
			"should not retry when error and response are empty": {
				err:   nil,
				res:   nil,
				retry: false,
			},
			"should not retry when response has status code less than 500": {
				err:   nil,
				res:   &http.Response{StatusCode: 499},
				retry: false,
			},
			"should retry when response has status code greater than or equal to 500": {
				err:   nil,
				res:   &http.Response{StatusCode: http.StatusInternalServerError},
				retry: true,
			},
			"should not retry on errors of a different type than *url.Error": {
				err:   errors.New("some error"),
				res:   nil,
				retry: false,
			},
			"should retry when err on request is of type *url.Error": {
				err:   &url.Error{},
				res:   nil,
				retry: true,
			},
		}

		for name, tc := range testCases {
			s.Run(name, func() {
				s.Assert().Equal(tc.retry, defaultRetryPolicy.ShouldRetry(tc.err, tc.res))
			})
		}
	})
}

func (s *bankClientSuite) TestBackoffStrategies() {
	s.Run("should increase exponentially delay between retries", func() {
		backoff := ExponentialBackoffStrategy{
			initialDelay: time.Millisecond * 10,
			multiplier:   10,
		}

		var delay time.Duration
		for i := 0; i < 3; i++ {
			delay = backoff.Delay(i)
		}

		s.Assert().Equal(time.Second, delay)
	})

	s.Run("should return linear delay between retries", func() {
		backoff := LinearBackoffStrategy{
			delayTime: time.Millisecond * 100,
		}

		s.Assert().Equal(backoff.delayTime, backoff.Delay(0))
		s.Assert().Equal(backoff.delayTime, backoff.Delay(5))
	})

	s.Run("retry delays respect context cancellation", func() {
		var tokenCalls int32
		testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		defer testServ.Close()

		client, err := NewClient("vbank-cancel", testServ.URL,
			WithRetriesOnDefaultRetryPolicy(5),
			WithLinearBackoffStrategy(time.Second*5))
		s.Require().NoError(err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()

		start := time.Now()
		_, err = client.GetBalances(ctx, "acc-1", "consent-1")
		s.Assert().Error(err)
		s.Assert().Less(time.Since(start), time.Second*2)
	})
}

func (s *bankClientSuite) TestClientCircuitBreaker() {
	s.Run("should stop hitting the api after reaching the error threshold", func() {
		var tokenCalls int32
		var dataCalls int32
		testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&dataCalls, 1)
			http.Error(w, "server error", http.StatusInternalServerError)
		})
		defer testServ.Close()

		client, err := NewClient("vbank-breaker", testServ.URL)
		s.Require().NoError(err)

		// circuit breaker needs a minimum volume of failed calls to open,
		// the point is that not every call reaches the server
		serverCalls := 40
		for i := 0; i < serverCalls; i++ {
			_, err = client.GetBalances(context.Background(), "acc-1", "consent-1")
			s.Assert().Error(err)
		}

		_, _ = client.GetBalances(context.Background(), "acc-1", "consent-1")

		s.Assert().True(int(atomic.LoadInt32(&dataCalls)) < serverCalls)

		// cleanup
		hystrix.Flush()
	})
}

func (s *bankClientSuite) TestRequestError() {
	s.Run("parses error_message body", func() {
		err := reqErrFromResponse([]byte(`{"error_message": "bad consent"}`), http.StatusBadRequest)
		var reqErr *RequestError
		s.Require().True(errors.As(err, &reqErr))
		s.Assert().Equal("bad consent", reqErr.ErrMsg)
	})

	s.Run("parses detail body", func() {
		err := reqErrFromResponse([]byte(`{"detail": "consent expired"}`), http.StatusForbidden)
		var reqErr *RequestError
		s.Require().True(errors.As(err, &reqErr))
		s.Assert().Equal("consent expired", reqErr.ErrMsg)
		s.Assert().True(IsAuthError(err))
	})

	s.Run("falls back to the raw body", func() {
		err := reqErrFromResponse([]byte(`plain text failure`), http.StatusNotFound)
		var reqErr *RequestError
		s.Require().True(errors.As(err, &reqErr))
		s.Assert().Equal("plain text failure", reqErr.ErrMsg)
		s.Assert().False(IsAuthError(err))
	})
}

func (s *bankClientSuite) TestRequestHeaders() {
	var tokenCalls int32
	var gotConsent, gotRequestingBank, gotRequestID string
	testServ := newBankServer(&tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		gotConsent = r.Header.Get("X-Consent-Id")
		gotRequestingBank = r.Header.Get("X-Requesting-Bank")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"transactions": []}`)
	})
	defer testServ.Close()

	client, err := NewClient("vbank-headers", testServ.URL,
		WithRequestingBank("finflow", "FinFlow"))
	s.Require().NoError(err)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	_, err = client.GetTransactions(context.Background(), "acc-1", "consent-9", from, to)
	s.Require().NoError(err)

	s.Assert().Equal("consent-9", gotConsent)
	s.Assert().Equal("finflow", gotRequestingBank)
	s.Assert().NotEmpty(gotRequestID)
}
