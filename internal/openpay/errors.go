package openpay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 2048

// ResponseError is returned when the upstream answers with a non-2xx status.
type ResponseError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

func newResponseError(method, url string, status int, body []byte) *ResponseError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &ResponseError{Method: method, URL: url, StatusCode: status, Body: string(body)}
}

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// BodyOf returns the upstream response body carried by err, or "".
func BodyOf(err error) string {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Body
	}
	return ""
}

func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}
