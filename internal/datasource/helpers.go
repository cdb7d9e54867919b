package datasource

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// ErrFlagNotFound is returned by a remote evaluation when the server does not know the flag.
var ErrFlagNotFound = errors.New("flag not found")

// HTTPStatusError is returned when the server responds with an unexpected status.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("%s when accessing URL: %s", httpErrorDescription(e.StatusCode), e.URL)
}

// MalformedResponseError is returned when a response body cannot be decoded.
type MalformedResponseError struct {
	URL   string
	Inner error
}

func (e MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.URL, e.Inner)
}

func (e MalformedResponseError) Unwrap() error {
	return e.Inner
}

// Tests whether an HTTP error status represents a condition that might resolve on its own if we retry.
// The stream retries regardless; this only decides how loudly a failure is logged.
func isHTTPErrorRecoverable(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case 400, 408, 429:
			return true
		default:
			return false
		}
	}
	return true
}

func httpErrorDescription(statusCode int) string {
	message := ""
	if statusCode == 401 || statusCode == 403 {
		message = " (check the authorization header in Config.Headers)"
	}
	return fmt.Sprintf("HTTP error %d%s", statusCode, message)
}

// Logs an HTTP error or network error at a level that reflects whether it is likely to go away.
func logConnectionError(loggers ldlog.Loggers, errorContext string, err error, willRetryMessage string) {
	var hse HTTPStatusError
	if errors.As(err, &hse) && !isHTTPErrorRecoverable(hse.StatusCode) {
		loggers.Errorf("Error %s (%s): %s", errorContext, willRetryMessage, err)
		return
	}
	loggers.Warnf("Error %s (%s): %s", errorContext, willRetryMessage, err)
}

func checkForHTTPError(statusCode int, url string) error {
	if statusCode/100 != 2 {
		return HTTPStatusError{StatusCode: statusCode, URL: url}
	}
	return nil
}

func cloneHeaders(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
