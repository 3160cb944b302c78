package network

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrMalformedResponse is returned when a 200 response can't be interpreted.
var ErrMalformedResponse = errors.New("malformed server response")

// ErrAPIDisabled is returned when no backend address is configured.
var ErrAPIDisabled = errors.New("backend address is not configured")

// HTTPError is returned for every non-200 response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

const maxErrorBodyBytes = 1024

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return err
	}

	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       string(errorResp),
	}
	if resp.Request != nil {
		httpErr.Method = resp.Request.Method
		httpErr.URL = resp.Request.URL.String()
	}
	return httpErr
}

func malformed(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, v...))
}
