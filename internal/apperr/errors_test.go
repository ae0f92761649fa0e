package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(QuotaExceeded, "quota.check", "daily limit reached")
	wrapped := fmt.Errorf("submit turn: %w", base)
	if !Is(wrapped, QuotaExceeded) {
		t.Fatalf("expected quota kind through wrapping")
	}
	if Message(wrapped) != "daily limit reached" {
		t.Fatalf("unexpected message %q", Message(wrapped))
	}
	if HTTPStatus(wrapped) != http.StatusTooManyRequests {
		t.Fatalf("unexpected status %d", HTTPStatus(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Provider, "stream.run", cause).Retry()
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if Wrap(Provider, "noop", nil) != nil {
		t.Fatalf("wrapping nil should stay nil")
	}
	if KindOf(cause) != "" || HTTPStatus(cause) != http.StatusInternalServerError {
		t.Fatalf("plain errors are unclassified")
	}
}
