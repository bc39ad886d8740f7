package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Planner turns a shopping request into a plan a human can approve.
type Planner interface {
	Plan(ctx context.Context, query string) (string, error)
}

// DefaultSites are search pages visited when none are configured. "{query}"
// is replaced with the escaped request.
var DefaultSites = []string{
	"https://www.amazon.com/s?k={query}",
	"https://www.target.com/s?searchTerm={query}",
	"https://www.bestbuy.com/site/searchpage.jsp?st={query}",
}

// SiteURL expands a site template for query.
func SiteURL(template, query string) string {
	return strings.ReplaceAll(template, "{query}", url.QueryEscape(strings.TrimSpace(query)))
}

// StepPlanner writes a fixed numbered plan naming the sites that will be
// visited.
type StepPlanner struct {
	Sites []string
}

func (p StepPlanner) Plan(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("empty shopping request")
	}
	var b strings.Builder
	step := 1
	for _, site := range p.Sites {
		fmt.Fprintf(&b, "%d. Visit %s and look for %q.\n", step, displaySite(site), query)
		step++
	}
	fmt.Fprintf(&b, "%d. Compare prices and pick the two best offers.\n", step)
	fmt.Fprintf(&b, "%d. Ask for payment confirmation before buying.", step+1)
	return b.String(), nil
}

func displaySite(template string) string {
	u, err := url.Parse(strings.ReplaceAll(template, "{query}", "q"))
	if err != nil || u.Host == "" {
		return template
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
