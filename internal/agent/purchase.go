package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/warden/internal/safety"
)

// ErrNotApproved is returned when a purchase is attempted without approval.
var ErrNotApproved = errors.New("purchase not approved")

// Purchaser places an order for a product page and returns the confirmation
// text.
type Purchaser interface {
	Purchase(ctx context.Context, productURL string) (confirmation string, actions int, err error)
}

// DryRunPurchaser never places an order.
type DryRunPurchaser struct{}

func (DryRunPurchaser) Purchase(ctx context.Context, productURL string) (string, int, error) {
	return "Dry run: no order was placed for " + productURL, 0, nil
}

type PurchaseResult struct {
	Status       string `json:"status"` // success, error or rejected
	Message      string `json:"message"`
	ProductURL   string `json:"product_url"`
	OrderNumber  string `json:"order_number,omitempty"`
	ActionsTaken int    `json:"actions_taken,omitempty"`
}

// PurchaseService guards a Purchaser: only approved purchases of Amazon
// product pages reach it.
type PurchaseService struct {
	Purchaser Purchaser
	Logger    *slog.Logger
}

func (s *PurchaseService) Execute(ctx context.Context, productURL string, approved bool) (PurchaseResult, error) {
	if !approved {
		return PurchaseResult{}, ErrNotApproved
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !safety.IsAmazonURL(productURL) {
		logger.Error("invalid amazon url", "url", productURL)
		return PurchaseResult{
			Status:     "rejected",
			Message:    "Invalid Amazon URL provided",
			ProductURL: productURL,
		}, nil
	}
	purchaser := s.Purchaser
	if purchaser == nil {
		purchaser = DryRunPurchaser{}
	}

	confirmation, actions, err := purchaser.Purchase(ctx, productURL)
	if err != nil {
		logger.Error("purchase failed", "url", productURL, "error", err)
		return PurchaseResult{
			Status:     "error",
			Message:    fmt.Sprintf("Purchase automation failed: %v", err),
			ProductURL: productURL,
		}, nil
	}
	logger.Info("purchase finished", "url", productURL, "actions", actions)
	return PurchaseResult{
		Status:       "success",
		Message:      "Purchase completed successfully",
		ProductURL:   productURL,
		OrderNumber:  ExtractOrderNumber(confirmation),
		ActionsTaken: actions,
	}, nil
}
