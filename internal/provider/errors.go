package provider

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var statusPattern = regexp.MustCompile(`(?i)status(?:\s*code)?[:=\s]+(\d{3})`)

// StatusCode extracts the HTTP status behind a vendor error, or 0.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

// Retryable reports rate limits and server side failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	code := StatusCode(err)
	if code == 429 || code >= 500 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded")
}
