package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/warden/internal/agent"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/decision"
	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/metrics"
	"github.com/basket/warden/internal/shared"
	"github.com/basket/warden/internal/taskreg"
)

// Reply messages for the start/stop endpoints.
const (
	MsgAgentStarted  = "Agent started"
	MsgAgentRunning  = "Agent already running for this client"
	MsgAgentStopped  = "Agent stopped"
	MsgAgentNotFound = "Agent not found"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Hub       *dispatch.Hub
	Runner    *agent.Runner
	Purchases *agent.PurchaseService
	Decisions *decision.Registry
	Tasks     *taskreg.Registry
	Bus       *bus.Bus
	Metrics   *metrics.Prom
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// AuthToken, when set, is required on every route except health and
	// metrics.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSockets
	// and CORS. Empty means same-origin only.
	AllowOrigins []string

	RateLimit RateLimitConfig

	// ConfigFingerprint is the hash of the active config shown on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	purchasesMu sync.Mutex
	purchases   map[string]*backgroundPurchase
	background  conc.WaitGroup
	bgCtx       context.Context
	bgCancel    context.CancelFunc

	limiter *RateLimitMiddleware
}

type statusReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type shopRequest struct {
	Query    string `json:"query"`
	ClientID string `json:"client_id"`
}

type stopRequest struct {
	ClientID string `json:"client_id"`
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		purchases: map[string]*backgroundPurchase{},
		limiter:   NewRateLimitMiddleware(cfg.RateLimit),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("warden/gateway")
	}
	if s.cfg.Purchases == nil {
		s.cfg.Purchases = &agent.PurchaseService{Logger: s.logger}
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{client_id}", s.instrument("/ws/{client_id}", s.handleWS))
	mux.Handle("POST /api/v1/shop", s.instrument("/api/v1/shop", s.handleShop))
	mux.Handle("POST /api/v1/stop", s.instrument("/api/v1/stop", s.handleStop))
	mux.Handle("GET /api/v1/events", s.instrument("/api/v1/events", s.handleEvents))
	mux.Handle("POST /api/v1/purchases/execute", s.instrument("/api/v1/purchases/execute", s.handlePurchaseExecute))
	mux.Handle("POST /api/v1/purchases/execute-background", s.instrument("/api/v1/purchases/execute-background", s.handlePurchaseBackground))
	mux.Handle("GET /api/v1/purchases/health", s.instrument("/api/v1/purchases/health", s.handlePurchaseHealth))
	mux.Handle("GET /api/v1/purchases/{task_id}", s.instrument("/api/v1/purchases/{task_id}", s.handlePurchaseStatus))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	var h http.Handler = mux
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	return h
}

// StartEviction drops idle rate-limit buckets and finished background
// purchases until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, rateLimitEvictEvery, rateLimitIdleAge)
	go func() {
		ticker := time.NewTicker(rateLimitEvictEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.PruneFinishedPurchases(purchaseRetention); n > 0 {
					s.logger.Debug("pruned finished purchases", "count", n)
				}
			}
		}
	}()
}

// Close cancels background purchases and waits for them to return.
func (s *Server) Close() {
	s.bgCancel()
	s.background.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":     true,
		"fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Hub != nil {
		payload["connected_clients"] = s.cfg.Hub.Len()
		payload["clients"] = s.cfg.Hub.Clients()
	}
	if s.cfg.Tasks != nil {
		payload["active_tasks"] = s.cfg.Tasks.Len()
		payload["tasks_started"] = s.cfg.Tasks.Started()
	}
	if s.cfg.Decisions != nil {
		payload["pending_decisions"] = s.cfg.Decisions.Len()
		payload["pending"] = s.cfg.Decisions.List()
	}
	if s.cfg.Bus != nil {
		payload["bus_dropped"] = s.cfg.Bus.Dropped()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("client_id"))
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "client_id", clientID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := shared.WithClientID(r.Context(), clientID)
	if err := s.cfg.Hub.Serve(ctx, clientID, dispatch.NewWSChannel(conn)); err != nil {
		s.logger.Warn("ws: channel closed with error", "client_id", clientID, "error", err)
	}
}

func (s *Server) handleShop(w http.ResponseWriter, r *http.Request) {
	var req shopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusReply{Status: "error", Message: "invalid request body"})
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" || strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, statusReply{Status: "error", Message: "client_id and query are required"})
		return
	}

	if _, err := s.cfg.Runner.Start(req.ClientID, req.Query); err != nil {
		if errors.Is(err, taskreg.ErrAlreadyRunning) {
			writeJSON(w, http.StatusOK, statusReply{Status: "error", Message: MsgAgentRunning})
			return
		}
		s.logger.Error("start agent failed", "client_id", req.ClientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, statusReply{Status: "error", Message: err.Error()})
		return
	}
	s.logger.Info("agent started", "client_id", req.ClientID)
	writeJSON(w, http.StatusOK, statusReply{Status: "ok", Message: MsgAgentStarted})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusReply{Status: "error", Message: "invalid request body"})
		return
	}
	if !s.cfg.Runner.Stop(strings.TrimSpace(req.ClientID)) {
		writeJSON(w, http.StatusOK, statusReply{Status: "error", Message: MsgAgentNotFound})
		return
	}
	s.logger.Info("agent stop requested", "client_id", req.ClientID)
	writeJSON(w, http.StatusOK, statusReply{Status: "ok", Message: MsgAgentStopped})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
