package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/warden/internal/agent"
)

// Finished background purchases stay queryable for this long.
const purchaseRetention = time.Hour

type purchaseRequest struct {
	ProductURL   string `json:"product_url"`
	UserApproved bool   `json:"user_approved"`
	AutoApproved bool   `json:"auto_approved"`
}

func (p purchaseRequest) approved() bool { return p.UserApproved || p.AutoApproved }

type detailReply struct {
	Detail string `json:"detail"`
}

type backgroundReply struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

type backgroundPurchase struct {
	TaskID     string                `json:"task_id"`
	Status     string                `json:"status"` // processing or done
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Result     *agent.PurchaseResult `json:"result,omitempty"`
}

func decodePurchase(w http.ResponseWriter, r *http.Request) (purchaseRequest, bool) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, detailReply{Detail: "invalid request body"})
		return req, false
	}
	req.ProductURL = strings.TrimSpace(req.ProductURL)
	if req.ProductURL == "" {
		writeJSON(w, http.StatusBadRequest, detailReply{Detail: "product_url is required"})
		return req, false
	}
	return req, true
}

func (s *Server) handlePurchaseExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	if !req.approved() {
		writeJSON(w, http.StatusForbidden, detailReply{Detail: "Purchase not approved. Set user_approved or auto_approved to true."})
		return
	}

	s.logger.Info("purchase request received", "url", req.ProductURL)
	res, err := s.cfg.Purchases.Execute(r.Context(), req.ProductURL, true)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrNotApproved) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, detailReply{Detail: err.Error()})
		return
	}
	if res.Status == "error" {
		writeJSON(w, http.StatusInternalServerError, detailReply{Detail: res.Message})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePurchaseBackground(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	if !req.approved() {
		writeJSON(w, http.StatusForbidden, detailReply{Detail: "Purchase not approved"})
		return
	}

	bp := &backgroundPurchase{TaskID: uuid.NewString(), Status: "processing", StartedAt: time.Now().UTC()}
	s.purchasesMu.Lock()
	s.purchases[bp.TaskID] = bp
	s.purchasesMu.Unlock()

	url := req.ProductURL
	s.background.Go(func() {
		res, err := s.cfg.Purchases.Execute(s.bgCtx, url, true)
		if err != nil {
			res = agent.PurchaseResult{Status: "error", Message: err.Error(), ProductURL: url}
		}
		now := time.Now().UTC()
		s.purchasesMu.Lock()
		bp.Status = "done"
		bp.FinishedAt = &now
		bp.Result = &res
		s.purchasesMu.Unlock()
		s.logger.Info("background purchase finished", "task_id", bp.TaskID, "status", res.Status)
	})

	writeJSON(w, http.StatusOK, backgroundReply{
		Status:  "processing",
		TaskID:  bp.TaskID,
		Message: "Purchase started in background.",
	})
}

func (s *Server) handlePurchaseStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	s.purchasesMu.Lock()
	bp, ok := s.purchases[id]
	var snapshot backgroundPurchase
	if ok {
		snapshot = *bp
	}
	s.purchasesMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, detailReply{Detail: "unknown purchase task"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// PruneFinishedPurchases forgets background purchases that finished more
// than maxAge ago and reports how many were dropped. Purchases still
// processing are kept.
func (s *Server) PruneFinishedPurchases(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.purchasesMu.Lock()
	defer s.purchasesMu.Unlock()
	n := 0
	for id, bp := range s.purchases {
		if bp.FinishedAt != nil && bp.FinishedAt.Before(cutoff) {
			delete(s.purchases, id)
			n++
		}
	}
	return n
}

func (s *Server) handlePurchaseHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "automated-purchases",
	})
}
