package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindAuthentication:    "authentication_error",
		KindNetwork:           "network_error",
		KindTimeout:           "timeout",
		KindResourceExhausted: "resource_exhausted",
		KindNotFound:          "not_found",
		KindPolicyBlocked:     "policy_blocked",
		KindValidation:        "validation_error",
		KindIntegrity:         "integrity_error",
		KindInternal:          "internal",
		KindUnknown:           "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindNetwork, "dial") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, KindNetwork, "dial %s", "x") != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestKindOfThroughFmtWrap(t *testing.T) {
	base := New(KindNotFound, "session not found")
	wrapped := fmt.Errorf("execute: %w", base)
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("expected KindNotFound, got %v", KindOf(wrapped))
	}
	if !IsKind(wrapped, KindNotFound) {
		t.Error("IsKind should see through fmt wrapping")
	}
	if IsKind(nil, KindNotFound) {
		t.Error("IsKind(nil) should be false")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, KindNetwork, "connect to 10.0.0.1:22")
	if err.Error() != "connect to 10.0.0.1:22: connection refused" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the underlying cause")
	}
}

func TestAttr(t *testing.T) {
	err := Attr(errors.New("boom"), "endpoint_id", uint(7))
	if KindOf(err) != KindInternal {
		t.Errorf("plain error should be wrapped as internal, got %v", KindOf(err))
	}
	err = Attr(err, "token", "abc")
	attrs := Attributes(err)
	if attrs["endpoint_id"] != uint(7) || attrs["token"] != "abc" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
}

func TestHTTPStatus(t *testing.T) {
	if HTTPStatus(KindPolicyBlocked) != http.StatusForbidden {
		t.Error("policy blocked should map to 403")
	}
	if HTTPStatus(KindResourceExhausted) != http.StatusTooManyRequests {
		t.Error("resource exhausted should map to 429")
	}
	if HTTPStatus(KindUnknown) != http.StatusInternalServerError {
		t.Error("unknown should map to 500")
	}
}
