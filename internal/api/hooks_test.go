package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/dispatch"
	"github.com/mattjoyce/jogd/internal/events"
)

const hookSecret = "bridge-secret"

func newHookServer(d Dispatcher) *Server {
	return New(Config{
		Listen:    "127.0.0.1:0",
		Auth:      testAuthenticator(),
		Transport: "log",
		Hooks: []Hook{
			{Name: "estop", Secret: hookSecret, SignatureHeader: "X-Hub-Signature-256", Command: command.Stop, MaxBodySize: 64},
			{Name: "pendant", Secret: hookSecret, SignatureHeader: "X-Signature", MaxBodySize: 64},
		},
	}, d, events.NewHub(16), slog.Default())
}

func postHook(t *testing.T, h http.Handler, path, header, signature, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set(header, signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleHook_FixedCommand(t *testing.T) {
	disp := &mockDispatcher{}
	server := newHookServer(disp)

	body := `{"pressed":true}`
	rr := postHook(t, server.Handler(), "/hooks/estop", "X-Hub-Signature-256", Sign([]byte(body), hookSecret), body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	subs := disp.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
	if subs[0].cmd != command.Stop {
		t.Errorf("command = %s, want STOP", subs[0].cmd)
	}
	if subs[0].by != "api:hook:estop" {
		t.Errorf("submitted by = %q, want api:hook:estop", subs[0].by)
	}
}

func TestHandleHook_CommandFromBody(t *testing.T) {
	disp := &mockDispatcher{}
	server := newHookServer(disp)

	body := `{"command":"j2_minus"}`
	rr := postHook(t, server.Handler(), "/hooks/pendant", "X-Signature", Sign([]byte(body), hookSecret), body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if subs := disp.Submissions(); len(subs) != 1 || subs[0].cmd != command.J2Minus {
		t.Fatalf("unexpected submissions: %+v", subs)
	}
}

func TestHandleHook_Rejections(t *testing.T) {
	valid := `{"command":"J1_PLUS"}`
	bad := `{"command":"HALT"}`

	tests := []struct {
		name      string
		path      string
		header    string
		signature string
		body      string
		want      int
	}{
		{name: "unknown hook", path: "/hooks/doorbell", header: "X-Signature", signature: Sign([]byte(valid), hookSecret), body: valid, want: http.StatusNotFound},
		{name: "missing signature", path: "/hooks/pendant", header: "X-Signature", body: valid, want: http.StatusForbidden},
		{name: "wrong secret", path: "/hooks/pendant", header: "X-Signature", signature: Sign([]byte(valid), "guess"), body: valid, want: http.StatusForbidden},
		{name: "wrong header", path: "/hooks/pendant", header: "X-Hub-Signature-256", signature: Sign([]byte(valid), hookSecret), body: valid, want: http.StatusForbidden},
		{name: "too large", path: "/hooks/pendant", header: "X-Signature", signature: "sha256=00", body: strings.Repeat("x", 65), want: http.StatusRequestEntityTooLarge},
		{name: "unknown command", path: "/hooks/pendant", header: "X-Signature", signature: Sign([]byte(bad), hookSecret), body: bad, want: http.StatusBadRequest},
		{name: "not json", path: "/hooks/pendant", header: "X-Signature", signature: Sign([]byte("stop"), hookSecret), body: "stop", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disp := &mockDispatcher{}
			server := newHookServer(disp)

			rr := postHook(t, server.Handler(), tt.path, tt.header, tt.signature, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if n := len(disp.Submissions()); n != 0 {
				t.Errorf("expected no submissions, got %d", n)
			}
		})
	}
}

func TestHandleHook_DispatcherDead(t *testing.T) {
	disp := &mockDispatcher{submitErr: dispatch.ErrDispatcherDead}
	server := newHookServer(disp)

	body := `{}`
	rr := postHook(t, server.Handler(), "/hooks/estop", "X-Hub-Signature-256", Sign([]byte(body), hookSecret), body)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
