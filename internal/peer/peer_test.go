package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDelegated(t *testing.T) {
	cases := []struct {
		message  string
		question string
		ok       bool
	}{
		{"ask other: what is the weather", "what is the weather", true},
		{"Ask Other:   ping", "ping", true},
		{"ask others about it", "", false},
		{"what is the weather", "", false},
	}
	for _, tc := range cases {
		question, ok := Delegated(tc.message)
		if ok != tc.ok || question != tc.question {
			t.Errorf("%q: got (%q, %v), want (%q, %v)", tc.message, question, ok, tc.question, tc.ok)
		}
	}
}

func TestAskForwardsFormAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("message"); got != "what time is it" {
			t.Errorf("message = %q", got)
		}
		if got := r.FormValue("platform"); got != "external" {
			t.Errorf("platform = %q", got)
		}
		if got := r.FormValue("user_id"); got != "external" {
			t.Errorf("user_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":"half past three"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	got := c.Ask(context.Background(), "what time is it")
	if got != "half past three" {
		t.Fatalf("answer = %q", got)
	}
}

func TestAskFoldsStatusErrorIntoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	got := c.Ask(context.Background(), "hello")
	if got != "[Peer agent error: 502]" {
		t.Fatalf("answer = %q", got)
	}
}

func TestAskFoldsTransportErrorIntoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(srv.URL, time.Second)
	got := c.Ask(context.Background(), "hello")
	if !strings.HasPrefix(got, "[Failed to contact peer agent:") {
		t.Fatalf("answer = %q", got)
	}
}
