package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toolgate/toolgate/pkg/models"
)

func identityFor(t *testing.T, setup func(r *http.Request)) models.RateLimitContext {
	t.Helper()

	var got models.RateLimitContext
	h := Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetIdentity(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/execute", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	setup(req)
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestIdentity_GuestByDefault(t *testing.T) {
	got := identityFor(t, func(r *http.Request) {})

	if !got.IsGuest {
		t.Error("IsGuest = false without X-User-Id")
	}
	if got.UserID != "" {
		t.Errorf("UserID = %q, want empty", got.UserID)
	}
	if got.ClientIP != "203.0.113.7" {
		t.Errorf("ClientIP = %q, want 203.0.113.7", got.ClientIP)
	}
}

func TestIdentity_AuthenticatedUser(t *testing.T) {
	got := identityFor(t, func(r *http.Request) {
		r.Header.Set("X-User-Id", "user-42")
	})

	if got.IsGuest {
		t.Error("IsGuest = true with X-User-Id set")
	}
	if got.UserID != "user-42" {
		t.Errorf("UserID = %q, want user-42", got.UserID)
	}
}

func TestIdentity_BlankUserHeaderIsGuest(t *testing.T) {
	got := identityFor(t, func(r *http.Request) {
		r.Header.Set("X-User-Id", "   ")
	})

	if !got.IsGuest {
		t.Error("IsGuest = false with blank X-User-Id")
	}
}

func TestGetIdentity_MissingMiddlewareIsGuest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	got := GetIdentity(req.Context())
	if !got.IsGuest {
		t.Error("GetIdentity without middleware should default to guest")
	}
}
