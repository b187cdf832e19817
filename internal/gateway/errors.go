package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"filingsync/internal/record"
)

var (
	// ErrRateLimited is returned when the upstream keeps throttling after
	// every retry and no cached response exists.
	ErrRateLimited = errors.New("upstream rate limit exceeded")
	// ErrUnavailable is returned when the upstream keeps failing with
	// network errors or 5xx responses after every retry.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrNotFound is returned for 404 responses. It is not retried.
	ErrNotFound = errors.New("upstream resource not found")
)

// APIError is a non-retryable 4xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("upstream error %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("upstream error %d: %s", e.Status, msg)
}

var (
	errorMessageRules = record.MustCompileRules("$.error.message", "$.message", "$.error", "$.detail")
	errorCodeRules    = record.MustCompileRules("$.error.code", "$.code")
)

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		e.Message = strings.TrimSpace(truncate(string(body), 200))
		return e
	}
	for _, r := range errorMessageRules {
		single := record.RuleSet{r}
		if msg, ok := single.First(doc); ok {
			if s, isString := msg.(string); isString {
				e.Message = strings.TrimSpace(s)
				break
			}
		}
	}
	if code, ok := errorCodeRules.FirstString(doc); ok {
		e.Code = code
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
