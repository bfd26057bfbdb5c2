package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Page is the readable part of a fetched document.
type Page struct {
	URL         string
	Title       string
	Description string
	Author      string
	Text        string
}

// Markdown renders the page as a compact markdown block for prompts.
func (p Page) Markdown() string {
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", p.Title)
	}
	fmt.Fprintf(&b, "Source: %s\n", p.URL)
	if p.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", p.Author)
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "\n> %s\n", p.Description)
	}
	if p.Text != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Text)
	}
	return b.String()
}

// PageFetcher retrieves the content behind a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// HTTPFetcher downloads HTML and extracts text with goquery.
type HTTPFetcher struct {
	Client    *http.Client
	MaxBytes  int64
	MaxChars  int
	UserAgent string
}

// NewHTTPFetcher returns a fetcher with conservative limits.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		MaxBytes:  2 << 20,
		MaxChars:  6000,
		UserAgent: "AgentBounty-FactCheck/1.0",
	}
}

// Fetch implements PageFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return extractPage(rawURL, doc, f.MaxChars), nil
}

func extractPage(rawURL string, doc *goquery.Document, maxChars int) *Page {
	page := &Page{URL: rawURL}
	page.Title = firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	page.Description = firstNonEmpty(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="description"]`),
	)
	page.Author = firstNonEmpty(
		metaContent(doc, `meta[name="author"]`),
		metaContent(doc, `meta[property="article:author"]`),
	)

	doc.Find("script, style, noscript, nav, footer, header").Remove()
	var parts []string
	doc.Find("h1, h2, h3, p, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" {
			parts = append(parts, text)
		}
	})
	text := strings.Join(parts, "\n")
	if maxChars > 0 {
		if runes := []rune(text); len(runes) > maxChars {
			text = string(runes[:maxChars])
		}
	}
	page.Text = text
	return page
}

func metaContent(doc *goquery.Document, selector string) string {
	value, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// DetectPlatform names the social platform a URL belongs to.
func DetectPlatform(rawURL string) string {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, "tiktok.com"):
		return "TikTok"
	case strings.Contains(lower, "instagram.com"):
		return "Instagram"
	case strings.Contains(lower, "twitter.com"), strings.Contains(lower, "x.com"):
		return "Twitter/X"
	case strings.Contains(lower, "facebook.com"):
		return "Facebook"
	case strings.Contains(lower, "youtube.com"):
		return "YouTube"
	case strings.Contains(lower, "linkedin.com"):
		return "LinkedIn"
	default:
		return "Unknown"
	}
}
