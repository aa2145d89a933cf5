package bankapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type errResponseBody struct {
	ErrorMessage string `json:"error_message"`
	Detail       string `json:"detail"`
}

// RequestError is returned for any non-2xx response from a bank API.
type RequestError struct {
	StatusCode int
	ErrMsg     string
}

func newRequestErr(statusCode int, err error) *RequestError {
	return &RequestError{
		StatusCode: statusCode,
		ErrMsg:     err.Error(),
	}
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: error: %v", r.StatusCode, r.ErrMsg)
}

// IsAuthError reports whether err is a 401/403 from the bank, the class of
// failures that warrants a token refresh rather than a retry.
func IsAuthError(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.StatusCode == http.StatusUnauthorized || reqErr.StatusCode == http.StatusForbidden
}

func reqErrFromResponse(responseBody []byte, statusCode int) error {
	var errResBody errResponseBody
	err := json.Unmarshal(responseBody, &errResBody)
	if err != nil || (errResBody.ErrorMessage == "" && errResBody.Detail == "") {
		// error bodies are not in a single format across banks and status
		// codes, fall back to the raw body so nothing is lost
		return newRequestErr(statusCode, errors.New(string(responseBody)))
	}
	if errResBody.ErrorMessage != "" {
		return newRequestErr(statusCode, errors.New(errResBody.ErrorMessage))
	}
	return newRequestErr(statusCode, errors.New(errResBody.Detail))
}
