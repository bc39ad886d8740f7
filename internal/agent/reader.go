package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	maxReadRedirects = 10
	maxPageChars     = 8000
)

// Reader fetches a page and returns its readable text.
type Reader interface {
	Read(ctx context.Context, url string) (string, error)
}

// HTTPReader fetches pages over plain HTTP and strips markup. It does not run
// scripts.
type HTTPReader struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPReader() *HTTPReader {
	return &HTTPReader{
		Client: &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxReadRedirects {
					return fmt.Errorf("stopped after %d redirects", maxReadRedirects)
				}
				return nil
			},
		},
		UserAgent: "warden/1.0 (shopping agent)",
	}
}

func (r *HTTPReader) Read(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", r.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d for %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}

	content := htmlToText(string(body))
	if len(content) > maxPageChars {
		content = content[:maxPageChars]
	}
	return content, nil
}

var (
	scriptRE   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRE    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	commentRE  = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockTagRE = regexp.MustCompile(`(?i)</?(?:div|p|br|h[1-6]|li|tr|td|th|blockquote|pre|hr|span)[^>]*>`)
	anyTagRE   = regexp.MustCompile(`<[^>]+>`)
	spacesRE   = regexp.MustCompile(`[ \t]+`)
	newlinesRE = regexp.MustCompile(`\n{3,}`)

	entities = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	)
)

// htmlToText flattens markup into lines of text. Text hidden by styling is
// kept, so content checks see it.
func htmlToText(html string) string {
	html = scriptRE.ReplaceAllString(html, "")
	html = styleRE.ReplaceAllString(html, "")
	html = commentRE.ReplaceAllString(html, "")
	html = blockTagRE.ReplaceAllString(html, "\n")
	html = anyTagRE.ReplaceAllString(html, "")
	html = entities.Replace(html)
	html = spacesRE.ReplaceAllString(html, " ")
	html = newlinesRE.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
