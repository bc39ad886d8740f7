package safety

import "testing"

func TestGuardrails_Evaluate(t *testing.T) {
	g := DefaultGuardrails()
	cases := []struct {
		name     string
		p        Purchase
		allowed  bool
		fastPath bool
	}{
		{"small amazon", Purchase{Amount: 9.99, Site: "www.amazon.com"}, true, true},
		{"small elsewhere", Purchase{Amount: 9.99, Site: "bestbuy.com"}, true, false},
		{"over limit", Purchase{Amount: 50.01, Site: "amazon.com"}, false, false},
		{"at limit", Purchase{Amount: 50, Site: "target.com"}, true, false},
		{"blocked site", Purchase{Amount: 20, Site: "shop.Shopify.com"}, false, false},
		{"small blocked site", Purchase{Amount: 5, Site: "myshopify.com"}, false, false},
		{"mid amazon", Purchase{Amount: 25, Site: "amazon.co.uk"}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := g.Evaluate(tc.p)
			if v.Allowed != tc.allowed || v.FastPath != tc.fastPath {
				t.Fatalf("Evaluate(%+v) = %+v", tc.p, v)
			}
			if v.Reason == "" {
				t.Fatal("verdict without reason")
			}
		})
	}
}

func TestLiveGuardrails_Swap(t *testing.T) {
	lg := NewLiveGuardrails(DefaultGuardrails())
	p := Purchase{Amount: 80, Site: "target.com"}
	if lg.Evaluate(p).Allowed {
		t.Fatal("80 should exceed the default limit")
	}
	g := lg.Load()
	g.MaxAmount = 100
	lg.Store(g)
	if !lg.Evaluate(p).Allowed {
		t.Fatal("raised limit not applied")
	}
}

func TestIsAmazonURL(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"https://amazon.com/dp/B08N5WRWNW", true},
		{"https://www.amazon.co.uk/dp/B0", true},
		{"http://smile.amazon.de/gp/product/x", true},
		{"https://www.amazon.com.au/dp/x", true},
		{"https://amazon.evil.com/dp/x", false},
		{"https://notamazon.com/dp/x", false},
		{"https://example.com/?q=amazon.com", false},
		{"ftp://amazon.com/file", false},
		{"amazon.com/dp/x", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsAmazonURL(tc.raw); got != tc.want {
			t.Errorf("IsAmazonURL(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestDomain(t *testing.T) {
	if got := Domain("https://www.Target.com/p/x"); got != "target.com" {
		t.Fatalf("Domain = %q", got)
	}
}
