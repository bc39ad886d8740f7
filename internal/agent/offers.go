package agent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/warden/internal/safety"
)

// Offer is a priced product found on a visited page.
type Offer struct {
	Item     string  `json:"item"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	URL      string  `json:"url"`
	Domain   string  `json:"domain"`
}

var (
	dollarRE      = regexp.MustCompile(`\$\s?[0-9][0-9,]*(?:\.[0-9]+)?`)
	orderNumberRE = regexp.MustCompile(`\d{3}-\d{7}-\d{7}`)
)

// FindDollarAmounts returns every dollar amount in text, in order.
func FindDollarAmounts(text string) []float64 {
	var out []float64
	for _, m := range dollarRE.FindAllString(text, -1) {
		if v, ok := parseDollars(m); ok {
			out = append(out, v)
		}
	}
	return out
}

// FirstPriceNear finds the first dollar amount on a line mentioning anchor.
func FirstPriceNear(text, anchor string) (float64, bool) {
	anchor = strings.ToLower(strings.TrimSpace(anchor))
	if anchor == "" {
		return 0, false
	}
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(strings.ToLower(line), anchor) {
			continue
		}
		if m := dollarRE.FindString(line); m != "" {
			return parseDollars(m)
		}
	}
	return 0, false
}

func parseDollars(s string) (float64, bool) {
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// ExtractOffer reads the price of item from page text, preferring a price on
// a line that names the item.
func ExtractOffer(item, pageURL, text string) (Offer, bool) {
	amount, ok := FirstPriceNear(text, item)
	if !ok {
		all := FindDollarAmounts(text)
		if len(all) == 0 {
			return Offer{}, false
		}
		amount = all[0]
	}
	return Offer{
		Item:     item,
		Amount:   amount,
		Currency: "USD",
		URL:      pageURL,
		Domain:   safety.Domain(pageURL),
	}, true
}

// RankOffers sorts offers cheapest first.
func RankOffers(offers []Offer) {
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].Amount < offers[j].Amount })
}

// ExtractOrderNumber pulls an Amazon-style order number (123-1234567-1234567)
// out of a purchase confirmation, or returns "Unknown".
func ExtractOrderNumber(text string) string {
	if m := orderNumberRE.FindString(text); m != "" {
		return m
	}
	return "Unknown"
}
