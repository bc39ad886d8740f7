package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/warden/internal/checkpoint"
	"github.com/basket/warden/internal/decision"
	"github.com/basket/warden/internal/safety"
)

// Messages pushed to the client.
const (
	MsgPlanHalted      = "Plan not approved or could not be parsed. Halting execution."
	MsgPaymentApproved = "Payment approved by user."
	MsgPaymentDenied   = "Payment denied by user."
)

// Outcomes recorded in a task's result.
const (
	OutcomeCompleted = "completed"
	OutcomeDenied    = "denied"
	OutcomeBlocked   = "blocked"
	OutcomeNoOffers  = "no_offers"
)

const defaultMaxVisits = 3

// Checkpoints is the part of checkpoint.Coordinator a task body uses.
type Checkpoints interface {
	RequestPlanApproval(ctx context.Context, clientID, plan string) (decision.Decision, error)
	RequestPaymentApproval(ctx context.Context, clientID string, p checkpoint.Payment) (decision.Decision, error)
	CheckContent(ctx context.Context, clientID, text string) (safety.Result, error)
	CheckPurchase(ctx context.Context, clientID string, p safety.Purchase) safety.Verdict
	Status(ctx context.Context, clientID, message string) error
}

// Result is what a shopping task reports when it ends.
type Result struct {
	Outcome  string          `json:"outcome"`
	Message  string          `json:"message"`
	Plan     string          `json:"plan,omitempty"`
	Offers   []Offer         `json:"offers,omitempty"`
	Purchase *PurchaseResult `json:"purchase,omitempty"`
}

type ShopperConfig struct {
	Checkpoints Checkpoints
	Planner     Planner
	Reader      Reader
	// Purchases, when set, places the order after payment approval.
	Purchases *PurchaseService
	Sites     []string
	MaxVisits int
	Logger    *slog.Logger
}

// Shopper plans a purchase, gets the plan approved, researches offers on a
// few sites, and asks for payment confirmation on the best one.
type Shopper struct {
	cp        Checkpoints
	planner   Planner
	reader    Reader
	purchases *PurchaseService
	sites     []string
	maxVisits int
	logger    *slog.Logger
}

func NewShopper(cfg ShopperConfig) *Shopper {
	s := &Shopper{
		cp:        cfg.Checkpoints,
		planner:   cfg.Planner,
		reader:    cfg.Reader,
		purchases: cfg.Purchases,
		sites:     cfg.Sites,
		maxVisits: cfg.MaxVisits,
		logger:    cfg.Logger,
	}
	if len(s.sites) == 0 {
		s.sites = DefaultSites
	}
	if s.maxVisits <= 0 {
		s.maxVisits = defaultMaxVisits
	}
	// The plan names exactly the sites research will visit.
	s.sites = s.sites[:min(len(s.sites), s.maxVisits)]
	if s.planner == nil {
		s.planner = StepPlanner{Sites: s.sites}
	}
	if s.reader == nil {
		s.reader = NewHTTPReader()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Shopper) Run(ctx context.Context, clientID, query string) (Result, error) {
	log := s.logger.With("client_id", clientID)

	plan, err := s.planner.Plan(ctx, query)
	if err != nil {
		_ = s.cp.Status(ctx, clientID, MsgPlanHalted)
		return Result{Outcome: OutcomeDenied, Message: MsgPlanHalted}, fmt.Errorf("plan: %w", err)
	}

	d, err := s.cp.RequestPlanApproval(ctx, clientID, plan)
	if err != nil {
		return Result{}, fmt.Errorf("plan approval: %w", err)
	}
	if d != decision.Approved {
		_ = s.cp.Status(ctx, clientID, MsgPlanHalted)
		return Result{Outcome: OutcomeDenied, Message: MsgPlanHalted, Plan: plan}, nil
	}
	log.Info("plan approved", "query", query)

	offers, err := s.research(ctx, clientID, query)
	if err != nil {
		return Result{}, err
	}
	if len(offers) == 0 {
		msg := fmt.Sprintf("No priced offers found for %q.", query)
		_ = s.cp.Status(ctx, clientID, msg)
		return Result{Outcome: OutcomeNoOffers, Message: msg, Plan: plan}, nil
	}

	best, alt := offers[0], offers[0]
	if len(offers) > 1 {
		alt = offers[1]
	}
	verdict := s.cp.CheckPurchase(ctx, clientID, safety.Purchase{
		Amount:   best.Amount,
		Currency: best.Currency,
		Item:     best.Item,
		Site:     best.Domain,
	})
	if !verdict.Allowed {
		return Result{Outcome: OutcomeBlocked, Message: verdict.Reason, Plan: plan, Offers: offers}, nil
	}

	d, err = s.cp.RequestPaymentApproval(ctx, clientID, checkpoint.Payment{
		Amount:      best.Amount,
		Currency:    best.Currency,
		Item:        best.Item,
		Link:        best.URL,
		Site1:       best.URL,
		Site1Domain: best.Domain,
		Site2:       alt.URL,
		Site2Domain: alt.Domain,
	})
	if err != nil {
		return Result{}, fmt.Errorf("payment approval: %w", err)
	}
	if d != decision.Approved {
		_ = s.cp.Status(ctx, clientID, MsgPaymentDenied)
		return Result{Outcome: OutcomeDenied, Message: MsgPaymentDenied, Plan: plan, Offers: offers}, nil
	}

	res := Result{Outcome: OutcomeCompleted, Message: MsgPaymentApproved, Plan: plan, Offers: offers}
	if s.purchases != nil && safety.IsAmazonURL(best.URL) {
		pr, err := s.purchases.Execute(ctx, best.URL, true)
		if err != nil {
			return Result{}, fmt.Errorf("purchase: %w", err)
		}
		res.Purchase = &pr
	}
	_ = s.cp.Status(ctx, clientID, MsgPaymentApproved)
	return res, nil
}

// research visits up to maxVisits sites. Every page passes the content check
// before its text is used.
func (s *Shopper) research(ctx context.Context, clientID, query string) ([]Offer, error) {
	var offers []Offer
	for _, site := range s.sites {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageURL := SiteURL(site, query)
		text, err := s.reader.Read(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("page read failed", "client_id", clientID, "url", pageURL, "error", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if _, err := s.cp.CheckContent(ctx, clientID, text); err != nil {
			if errors.Is(err, checkpoint.ErrUnsafe) {
				s.logger.Warn("stopping on flagged page", "client_id", clientID, "url", pageURL)
			}
			return nil, err
		}
		if offer, ok := ExtractOffer(query, pageURL, text); ok {
			offers = append(offers, offer)
		}
	}
	RankOffers(offers)
	return offers, nil
}
