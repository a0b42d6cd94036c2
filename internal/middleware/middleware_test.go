package middleware

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pliu/chatty/internal/auth"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuthenticate(t *testing.T) {
	signer := auth.NewSigner("secret", time.Hour)

	tests := []struct {
		name        string
		cookieValue string
		wantUserID  int
	}{
		{
			name:        "Valid Cookie",
			cookieValue: signer.Sign(123),
			wantUserID:  123,
		},
		{
			name:        "Invalid Signature",
			cookieValue: "MTIz|invalid_signature",
			wantUserID:  0,
		},
		{
			name:        "Other Secret",
			cookieValue: auth.NewSigner("other", time.Hour).Sign(123),
			wantUserID:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got int
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = UserID(r.Context())
			})

			req := httptest.NewRequest("GET", "/", nil)
			req.AddCookie(&http.Cookie{Name: "session", Value: tt.cookieValue})
			rr := httptest.NewRecorder()

			Authenticate(signer, "session")(next).ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("Expected anonymous pass-through, got status %d", rr.Code)
			}
			if got != tt.wantUserID {
				t.Errorf("Expected user %d, got %d", tt.wantUserID, got)
			}
		})
	}

	t.Run("Missing Cookie", func(t *testing.T) {
		called := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			if UserID(r.Context()) != 0 {
				t.Error("Expected no user")
			}
		})
		Authenticate(signer, "session")(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
		if !called {
			t.Error("Expected next handler to run")
		}
	})
}

func TestCorrelationID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	})

	rr := httptest.NewRecorder()
	CorrelationID(next).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if seen == "" || rr.Header().Get(CorrelationHeader) != seen {
		t.Errorf("Expected generated id echoed, got %q / %q", seen, rr.Header().Get(CorrelationHeader))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(CorrelationHeader, "abc")
	CorrelationID(next).ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc" {
		t.Errorf("Expected caller id to be kept, got %q", seen)
	}
}

func TestClientIP(t *testing.T) {
	trusted, err := ParseProxies([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatalf("ParseProxies failed: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  []string
		want       string
	}{
		{"no header", "10.0.0.1:5555", nil, "10.0.0.1"},
		{"untrusted peer ignores header", "203.0.113.7:5555", []string{"198.51.100.1"}, "203.0.113.7"},
		{"trusted peer", "10.0.0.1:5555", []string{"203.0.113.9"}, "203.0.113.9"},
		{"client prepended hops ignored", "10.0.0.1:5555", []string{"1.2.3.4, 203.0.113.9"}, "203.0.113.9"},
		{"trusted chain", "192.168.1.1:5555", []string{"203.0.113.9, 10.1.1.1"}, "203.0.113.9"},
		{"repeated headers", "10.0.0.1:5555", []string{"1.2.3.4", "203.0.113.9"}, "203.0.113.9"},
		{"garbage hop stops walk", "10.0.0.1:5555", []string{"203.0.113.9, junk"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}

			var got string
			RealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			})).ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	// Without RealIP the header is never read.
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if ip := ClientIP(req); ip != "10.0.0.1" {
		t.Errorf("Expected peer address, got %s", ip)
	}
}

func TestParseProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseProxies([]string{"10.0.0.0/33"}); err == nil {
		t.Error("Expected error for invalid prefix")
	}
	if _, err := ParseProxies([]string{"proxy.local"}); err == nil {
		t.Error("Expected error for host name")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/chatrooms/1", nil)
	rr := httptest.NewRecorder()

	LoggingMiddleware(logger)(nextHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v",
			rr.Code, http.StatusNotFound)
	}
	if !strings.Contains(buf.String(), "status=404") || !strings.Contains(buf.String(), "path=/chatrooms/1") {
		t.Errorf("unexpected log line: %s", buf.String())
	}
}

// MockHijacker implements http.Hijacker for testing
type MockHijacker struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (m *MockHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	m.hijacked = true
	return nil, nil, nil
}

func TestLoggingMiddleware_Hijack(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("ResponseWriter does not implement http.Hijacker")
			return
		}
		if _, _, err := hijacker.Hijack(); err != nil {
			t.Errorf("Hijack failed: %v", err)
		}
	})

	mockWriter := &MockHijacker{ResponseRecorder: httptest.NewRecorder()}
	LoggingMiddleware(discardLogger())(nextHandler).ServeHTTP(mockWriter, httptest.NewRequest("GET", "/ws", nil))

	if !mockWriter.hijacked {
		t.Error("Expected the underlying writer to be hijacked")
	}
}
