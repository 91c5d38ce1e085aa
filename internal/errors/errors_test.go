package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    *ServiceError
		status int
	}{
		{Unauthorized("x"), http.StatusUnauthorized},
		{Forbidden("x"), http.StatusForbidden},
		{NotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{InvalidArgument("x"), http.StatusBadRequest},
		{Rejected("x"), http.StatusUnprocessableEntity},
		{Unreachable("x"), http.StatusBadGateway},
		{Timeout("x"), http.StatusGatewayTimeout},
		{Internal("x"), http.StatusInternalServerError},
		{Inconsistent("x"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.err.HTTPStatus(); got != c.status {
			t.Errorf("%s: status = %d, want %d", c.err.Code, got, c.status)
		}
	}
}

func TestFromHTTPStatusRoundTrip(t *testing.T) {
	for _, code := range []Code{
		CodeUnauthorized, CodeForbidden, CodeNotFound, CodeConflict,
		CodeInvalidArgument, CodeRejected, CodeUnreachable, CodeTimeout,
	} {
		se := &ServiceError{Code: code, Message: "m"}
		back := FromHTTPStatus(se.HTTPStatus(), "m")
		if back.Code != code {
			t.Errorf("round trip %s: got %s", code, back.Code)
		}
	}
}

func TestFromHTTPStatusServerErrors(t *testing.T) {
	if got := FromHTTPStatus(http.StatusServiceUnavailable, "m"); got.Code != CodeUnreachable {
		t.Fatalf("503 = %s, want %s", got.Code, CodeUnreachable)
	}
	if got := FromHTTPStatus(http.StatusTooManyRequests, "m"); got.Code != CodeUnreachable {
		t.Fatalf("429 = %s, want %s", got.Code, CodeUnreachable)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Unreachable("x")) {
		t.Error("unreachable should be transient")
	}
	if !IsTransient(Timeout("x")) {
		t.Error("timeout should be transient")
	}
	for _, err := range []*ServiceError{
		Rejected("x"), Conflict("x"), NotFound("x"), Unauthorized("x"), InvalidArgument("x"),
	} {
		if IsTransient(err) {
			t.Errorf("%s should be terminal", err.Code)
		}
	}
}

func TestCodeOfWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("calling upstream: %w", Conflict("taken"))
	if got := CodeOf(wrapped); got != CodeConflict {
		t.Fatalf("CodeOf = %s, want %s", got, CodeConflict)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeInternal {
		t.Fatalf("plain error = %s, want %s", got, CodeInternal)
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := Unreachable("call failed").WithCause(cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}

func TestWithDetails(t *testing.T) {
	err := Conflict("x").WithDetails("user_id", "u1").WithDetails("group_id", "g1")
	if err.Details["user_id"] != "u1" || err.Details["group_id"] != "g1" {
		t.Fatalf("details = %v", err.Details)
	}
}
