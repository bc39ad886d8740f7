package safety

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Purchase is the subject of a purchase guardrail evaluation.
type Purchase struct {
	Amount   float64
	Currency string
	Item     string
	Site     string
}

// Guardrails are static purchase limits applied before a payment request
// reaches the human.
type Guardrails struct {
	MaxAmount        float64
	AutoApproveBelow float64
	AutoApproveSites []string
	BlockedSites     []string
}

func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxAmount:        50,
		AutoApproveBelow: 10,
		AutoApproveSites: []string{"amazon"},
		BlockedSites:     []string{"shopify"},
	}
}

type Verdict struct {
	Allowed bool
	// FastPath is set when the purchase passed because it is small and on a
	// trusted site.
	FastPath bool
	Reason   string
}

// Evaluate applies the rules in order: small purchases on trusted sites pass,
// then the amount ceiling, then the site blocklist.
func (g Guardrails) Evaluate(p Purchase) Verdict {
	site := strings.ToLower(p.Site)
	if p.Amount < g.AutoApproveBelow && containsAny(site, g.AutoApproveSites) {
		return Verdict{
			Allowed:  true,
			FastPath: true,
			Reason:   fmt.Sprintf("amount %.2f bought from %s", p.Amount, p.Site),
		}
	}
	if g.MaxAmount > 0 && p.Amount > g.MaxAmount {
		return Verdict{Reason: fmt.Sprintf("amount %.2f exceeds the %.2f limit", p.Amount, g.MaxAmount)}
	}
	if s := matchAny(site, g.BlockedSites); s != "" {
		return Verdict{Reason: fmt.Sprintf("purchases from %s are not allowed", s)}
	}
	return Verdict{Allowed: true, Reason: "within purchase limits"}
}

func containsAny(s string, needles []string) bool {
	return matchAny(s, needles) != ""
}

func matchAny(s string, needles []string) string {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(s, n) {
			return n
		}
	}
	return ""
}

// LiveGuardrails holds the current guardrails and may be swapped while tasks
// are running.
type LiveGuardrails struct {
	cur atomic.Pointer[Guardrails]
}

func NewLiveGuardrails(g Guardrails) *LiveGuardrails {
	lg := &LiveGuardrails{}
	lg.Store(g)
	return lg
}

func (lg *LiveGuardrails) Load() Guardrails { return *lg.cur.Load() }

func (lg *LiveGuardrails) Store(g Guardrails) { lg.cur.Store(&g) }

func (lg *LiveGuardrails) Evaluate(p Purchase) Verdict { return lg.Load().Evaluate(p) }

// IsAmazonURL reports whether raw points at an Amazon storefront.
func IsAmazonURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	labels := strings.Split(host, ".")
	for i, l := range labels {
		if l != "amazon" {
			continue
		}
		// amazon.com, www.amazon.co.uk, smile.amazon.de, amazon.com.au
		suffix := labels[i+1:]
		switch {
		case len(suffix) == 1:
			return suffix[0] != ""
		case len(suffix) == 2:
			return (suffix[0] == "co" || suffix[0] == "com") && len(suffix[1]) == 2
		}
	}
	return false
}

// Domain returns the host of raw without a leading "www.".
func Domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
