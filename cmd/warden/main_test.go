package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/decision"
	"github.com/basket/warden/internal/dispatch"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"", "http://" + config.DefaultBindAddr},
		{"127.0.0.1:18790", "http://127.0.0.1:18790"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{":9000", "http://127.0.0.1:9000"},
		{"[::1]:9000", "http://[::1]:9000"},
		{"https://warden.example/", "https://warden.example"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.addr); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	for _, h := range []string{"127.0.0.1", "localhost", "::1", " LocalHost "} {
		if !isLoopback(h) {
			t.Errorf("%q should be loopback", h)
		}
	}
	for _, h := range []string{"0.0.0.0", "10.1.2.3", ""} {
		if isLoopback(h) {
			t.Errorf("%q should not be loopback", h)
		}
	}
}

func TestWriteDefaultConfig_DropsSecrets(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home, BindAddr: "127.0.0.1:1", AuthToken: "tok-secret"}
	cfg.Safety.APIKey = "rpa_ABCDEFGHIJKLMNOPQRSTUVWX"

	if err := writeDefaultConfig(cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(raw)
	if strings.Contains(text, "tok-secret") || strings.Contains(text, "rpa_") {
		t.Fatalf("secrets written to config:\n%s", text)
	}
	if !strings.Contains(text, "127.0.0.1:1") {
		t.Fatalf("bind_addr missing:\n%s", text)
	}
}

func newTestClient(auto bool, input string) (*testClient, *bytes.Buffer) {
	var out bytes.Buffer
	return &testClient{
		base: "http://127.0.0.1:1",
		id:   "c1",
		auto: auto,
		in:   bufio.NewReader(strings.NewReader(input)),
		out:  &out,
	}, &out
}

func message(t *testing.T, typ dispatch.MessageType, data any) wireMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return wireMessage{Type: typ, Data: raw}
}

func TestHandle_PlanPrompt(t *testing.T) {
	tests := []struct {
		name     string
		auto     bool
		input    string
		want     decision.Decision
		wantDone bool
	}{
		{"auto approves", true, "", decision.Approved, false},
		{"yes", false, "y\n", decision.Approved, false},
		{"no", false, "n\n", decision.Denied, true},
		{"empty input denies", false, "", decision.Denied, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, out := newTestClient(tt.auto, tt.input)
			reply, done := c.handle(message(t, dispatch.TypePlanRequest, dispatch.PlanRequest{Plan: "1. search"}))
			if reply == nil || reply.Type != dispatch.TypePlanResponse || reply.Data.Decision != tt.want {
				t.Fatalf("reply = %+v", reply)
			}
			if done != tt.wantDone {
				t.Fatalf("done = %v", done)
			}
			if !strings.Contains(out.String(), "1. search") {
				t.Fatalf("plan not shown: %q", out.String())
			}
		})
	}
}

func TestHandle_PaymentEndsSession(t *testing.T) {
	c, out := newTestClient(false, "yes\n")
	reply, done := c.handle(message(t, dispatch.TypePaymentRequest, dispatch.PaymentRequest{
		Amount:        19.99,
		Currency:      "USD",
		Item:          "desk lamp",
		ApprovalLabel: "Approve purchase of desk lamp for 19.99 USD",
	}))
	if reply == nil || reply.Type != dispatch.TypePaymentResponse || reply.Data.Decision != decision.Approved {
		t.Fatalf("reply = %+v", reply)
	}
	if !done {
		t.Fatal("payment should end the session")
	}
	if !strings.Contains(out.String(), "Approve purchase of desk lamp for 19.99 USD?") {
		t.Fatalf("prompt missing: %q", out.String())
	}
}

func TestHandle_Notices(t *testing.T) {
	c, out := newTestClient(true, "")

	if reply, done := c.handle(message(t, dispatch.TypeStatus, dispatch.Notice{Message: "researching"})); reply != nil || done {
		t.Fatalf("status: reply=%v done=%v", reply, done)
	}
	if reply, done := c.handle(message(t, dispatch.TypeError, dispatch.Notice{Message: dispatch.ReplyInvalidJSON})); reply != nil || done {
		t.Fatalf("error: reply=%v done=%v", reply, done)
	}
	if reply, done := c.handle(message(t, dispatch.TypeGuardrailViolation, dispatch.Notice{Message: "blocked"})); reply != nil || !done {
		t.Fatalf("violation: reply=%v done=%v", reply, done)
	}
	for _, want := range []string{"researching", dispatch.ReplyInvalidJSON, "blocked"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestWSURL(t *testing.T) {
	c, _ := newTestClient(true, "")
	c.token = "a b"
	if got := c.wsURL(); got != "ws://127.0.0.1:1/ws/c1?api_key=a+b" {
		t.Fatalf("wsURL = %q", got)
	}
}
