package botcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"firebase.google.com/go/v4/appcheck"

	"github.com/healinparadise/preorders/internal/platform/config"
)

func siteVerifyServer(t *testing.T, body string, status int, calls *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "shh" {
			t.Fatalf("expected secret to be forwarded, got %q", r.PostForm.Get("secret"))
		}
		if r.PostForm.Get("response") != "token-1" {
			t.Fatalf("expected token to be forwarded, got %q", r.PostForm.Get("response"))
		}
		if r.PostForm.Get("remoteip") != "203.0.113.9" {
			t.Fatalf("expected remote ip, got %q", r.PostForm.Get("remoteip"))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRecaptchaVerifier(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		status   int
		rejected bool
		failed   bool
	}{
		{name: "accepts human score", body: `{"success":true,"score":0.9,"action":"submit_preorder"}`, status: http.StatusOK},
		{name: "rejects unsuccessful", body: `{"success":false,"error-codes":["invalid-input-response"]}`, status: http.StatusOK, rejected: true},
		{name: "rejects low score", body: `{"success":true,"score":0.1,"action":"submit_preorder"}`, status: http.StatusOK, rejected: true},
		{name: "rejects wrong action", body: `{"success":true,"score":0.9,"action":"login"}`, status: http.StatusOK, rejected: true},
		{name: "upstream error is not a rejection", body: `oops`, status: http.StatusBadGateway, failed: true},
		{name: "malformed body is not a rejection", body: `{`, status: http.StatusOK, failed: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int
			srv := siteVerifyServer(t, tc.body, tc.status, &calls)
			v, err := NewRecaptchaVerifier("shh",
				WithVerifyURL(srv.URL),
				WithMinScore(0.5),
				WithExpectedAction("submit_preorder"),
				WithRecaptchaHTTPClient(srv.Client()),
			)
			if err != nil {
				t.Fatalf("new verifier: %v", err)
			}

			err = v.Verify(context.Background(), "token-1", "203.0.113.9")
			switch {
			case tc.rejected:
				if !errors.Is(err, ErrRejected) {
					t.Fatalf("expected rejection, got %v", err)
				}
			case tc.failed:
				if err == nil || errors.Is(err, ErrRejected) {
					t.Fatalf("expected upstream failure, got %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
			}
			if calls != 1 {
				t.Fatalf("expected one siteverify call, got %d", calls)
			}
		})
	}
}

func TestRecaptchaVerifierRejectsEmptyTokenWithoutCall(t *testing.T) {
	var calls int
	srv := siteVerifyServer(t, `{"success":true}`, http.StatusOK, &calls)
	v, err := NewRecaptchaVerifier("shh", WithVerifyURL(srv.URL))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if err := v.Verify(context.Background(), "  ", ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no network call, got %d", calls)
	}
}

func TestNewRecaptchaVerifierRequiresSecret(t *testing.T) {
	if _, err := NewRecaptchaVerifier(""); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}

type fakeAppCheck struct {
	token *appcheck.DecodedAppCheckToken
	err   error
}

func (f fakeAppCheck) VerifyToken(string) (*appcheck.DecodedAppCheckToken, error) {
	return f.token, f.err
}

func TestAppCheckVerifier(t *testing.T) {
	ctx := context.Background()

	ok := newAppCheckVerifier(fakeAppCheck{token: &appcheck.DecodedAppCheckToken{AppID: "1:web"}}, []string{"1:web"})
	if err := ok.Verify(ctx, "tok", ""); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	other := newAppCheckVerifier(fakeAppCheck{token: &appcheck.DecodedAppCheckToken{AppID: "2:ios"}}, []string{"1:web"})
	if err := other.Verify(ctx, "tok", ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected app id rejection, got %v", err)
	}

	invalid := newAppCheckVerifier(fakeAppCheck{err: appcheck.ErrTokenType}, nil)
	if err := invalid.Verify(ctx, "tok", ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected token rejection, got %v", err)
	}

	if err := ok.Verify(ctx, "", ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected missing token rejection, got %v", err)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	ctx := context.Background()

	v, err := New(ctx, config.BotConfig{Provider: config.BotNone}, config.FirebaseConfig{}, nil)
	if err != nil {
		t.Fatalf("none provider: %v", err)
	}
	if err := v.Verify(ctx, "", ""); err != nil {
		t.Fatalf("allow-all should accept, got %v", err)
	}

	v, err = New(ctx, config.BotConfig{Provider: config.BotRecaptcha, RecaptchaSecret: "shh"}, config.FirebaseConfig{}, nil)
	if err != nil {
		t.Fatalf("recaptcha provider: %v", err)
	}
	if _, ok := v.(*RecaptchaVerifier); !ok {
		t.Fatalf("expected recaptcha verifier, got %T", v)
	}

	if _, err := New(ctx, config.BotConfig{Provider: "turnstile"}, config.FirebaseConfig{}, nil); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
