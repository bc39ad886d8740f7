package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/decision"
	"github.com/basket/warden/internal/dispatch"
)

var (
	labelStyle = color.New(color.FgCyan, color.Bold).SprintFunc()
	okStyle    = color.New(color.FgGreen).SprintFunc()
	warnStyle  = color.New(color.FgRed, color.Bold).SprintFunc()
)

// testClient plays the human side of the approval protocol.
type testClient struct {
	base  string
	id    string
	token string
	auto  bool
	in    *bufio.Reader
	out   io.Writer
}

type wireMessage struct {
	Type dispatch.MessageType `json:"type"`
	Data json.RawMessage      `json:"data"`
}

type responseFrame struct {
	Type dispatch.MessageType `json:"type"`
	Data responseData         `json:"data"`
}

type responseData struct {
	Decision decision.Decision `json:"decision"`
}

func runClientCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	query := fs.String("query", "wireless mouse", "what to shop for")
	id := fs.String("id", "", "client id (default: random)")
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config)")
	auto := fs.Bool("auto", !isatty.IsTerminal(os.Stdin.Fd()), "approve every request without prompting")
	token := fs.String("token", os.Getenv("WARDEN_AUTH_TOKEN"), "API token when the daemon requires one")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *addr == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		*addr = cfg.BindAddr
	}
	if *id == "" {
		*id = uuid.NewString()
	}

	c := &testClient{
		base:  baseURL(*addr),
		id:    *id,
		token: *token,
		auto:  *auto,
		in:    bufio.NewReader(os.Stdin),
		out:   color.Output,
	}
	if err := c.run(ctx, *query); err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		return 1
	}
	return 0
}

func (c *testClient) wsURL() string {
	u := "ws" + strings.TrimPrefix(c.base, "http") + "/ws/" + url.PathEscape(c.id)
	if c.token != "" {
		u += "?api_key=" + url.QueryEscape(c.token)
	}
	return u
}

func (c *testClient) run(ctx context.Context, query string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.wsURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	fmt.Fprintf(c.out, "%s connected as %s\n", labelStyle("client"), c.id)

	if err := c.startTask(ctx, query); err != nil {
		return err
	}

	for {
		var msg wireMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		reply, done := c.handle(msg)
		if reply != nil {
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if done {
			return nil
		}
	}
}

func (c *testClient) startTask(ctx context.Context, query string) error {
	body, err := json.Marshal(map[string]string{"query": query, "client_id": c.id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/shop", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	defer resp.Body.Close()

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("start task: HTTP %d", resp.StatusCode)
	}
	if reply.Status != "ok" {
		return errors.New(reply.Message)
	}
	fmt.Fprintf(c.out, "%s %s\n", labelStyle("shop"), reply.Message)
	return nil
}

// handle renders one daemon message and returns the frame to send back, if
// any. done is set once the session has nothing left to answer.
func (c *testClient) handle(msg wireMessage) (reply *responseFrame, done bool) {
	switch msg.Type {
	case dispatch.TypePlanRequest:
		var p dispatch.PlanRequest
		_ = json.Unmarshal(msg.Data, &p)
		fmt.Fprintf(c.out, "%s\n%s\n", labelStyle("plan"), p.Plan)
		approved := c.confirm("Approve this plan?")
		return &responseFrame{Type: dispatch.TypePlanResponse, Data: responseData{Decision: verdict(approved)}}, !approved

	case dispatch.TypePaymentRequest:
		var p dispatch.PaymentRequest
		_ = json.Unmarshal(msg.Data, &p)
		fmt.Fprintf(c.out, "%s %s for %.2f %s\n  %s\n  compared: %s (%s), %s (%s)\n",
			labelStyle("payment"), p.Item, p.Amount, p.Currency, p.Link,
			p.Site1, p.Site1Domain, p.Site2, p.Site2Domain)
		prompt := p.ApprovalLabel
		if prompt == "" {
			prompt = "Approve this payment"
		}
		approved := c.confirm(prompt + "?")
		return &responseFrame{Type: dispatch.TypePaymentResponse, Data: responseData{Decision: verdict(approved)}}, true

	case dispatch.TypeGuardrailViolation:
		fmt.Fprintf(c.out, "%s %s\n", warnStyle("guardrail"), noticeText(msg.Data))
		return nil, true

	case dispatch.TypeError:
		fmt.Fprintf(c.out, "%s %s\n", warnStyle("error"), noticeText(msg.Data))
		return nil, false

	default:
		fmt.Fprintf(c.out, "%s %s\n", okStyle(string(msg.Type)), noticeText(msg.Data))
		return nil, false
	}
}

func (c *testClient) confirm(prompt string) bool {
	if c.auto {
		fmt.Fprintf(c.out, "%s %s\n", prompt, okStyle("(auto-approved)"))
		return true
	}
	fmt.Fprintf(c.out, "%s [y/N]: ", prompt)
	line, _ := c.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func verdict(approved bool) decision.Decision {
	if approved {
		return decision.Approved
	}
	return decision.Denied
}

func noticeText(raw json.RawMessage) string {
	var n dispatch.Notice
	if err := json.Unmarshal(raw, &n); err != nil || n.Message == "" {
		return string(raw)
	}
	return n.Message
}
