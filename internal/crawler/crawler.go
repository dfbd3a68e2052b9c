// Package crawler fetches the high-signal pages of a business website and
// extracts what is needed to infer its Brand DNA.
package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
)

const (
	maxPages      = 10
	maxPageBytes  = 4 << 20
	maxListItems  = 40
	maxProducts   = 20
	readableWords = 30
	userAgent     = "Mozilla/5.0 (compatible; BrandflowBot/1.0)"
)

// candidatePaths are the pages most likely to describe a business.
var candidatePaths = []string{
	"",
	"/about", "/about-us", "/who-we-are",
	"/services", "/our-services", "/what-we-do",
	"/team", "/meet-the-team",
	"/pricing", "/plans",
	"/contact", "/contact-us",
	"/shop", "/store", "/products", "/collections", "/catalog",
}

// Page is what the crawler keeps of one fetched page.
type Page struct {
	URL         string
	Title       string
	Description string
	SiteName    string
	Image       string
	Headings    []string
	ListItems   []string
	Text        string
	StructData  StructuredData
	Storefront  string
	Products    []Product
}

// Storefront engines recognised from page markup.
const (
	StorefrontShopify     = "shopify"
	StorefrontWooCommerce = "woocommerce"
)

// Product is one schema.org Product read from JSON-LD.
type Product struct {
	Name     string
	URL      string
	Image    string
	Price    string
	Currency string
	Category string
}

// StructuredData holds the schema.org fields read from JSON-LD blocks.
type StructuredData struct {
	Name     string
	Type     string
	Locality string
	Image    string
}

type Site struct {
	Root  string
	Pages []Page
}

// Home returns the root page.
func (s *Site) Home() *Page {
	if len(s.Pages) == 0 {
		return nil
	}
	return &s.Pages[0]
}

// PagesMatching returns pages whose path contains any of the fragments.
func (s *Site) PagesMatching(fragments ...string) []Page {
	var out []Page
	for _, p := range s.Pages {
		u, err := url.Parse(p.URL)
		if err != nil {
			continue
		}
		for _, f := range fragments {
			if strings.Contains(u.Path, f) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// NotFoundError is returned for pages the site does not have.
type NotFoundError struct {
	URL    string
	Status int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.URL, e.Status)
}

type Crawler struct {
	client      *http.Client
	logger      *slog.Logger
	concurrency int
	attempts    uint
	delay       time.Duration
}

func New(logger *slog.Logger, timeout time.Duration) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
		concurrency: 3,
		attempts:    3,
		delay:       time.Second,
	}
}

// CandidateURLs lists the pages worth fetching for root, home first.
func CandidateURLs(root string) ([]string, error) {
	u, err := url.Parse(strings.TrimSpace(root))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("not a website url: %q", root)
	}
	base := u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/")

	seen := make(map[string]bool, len(candidatePaths))
	urls := make([]string, 0, maxPages)
	for _, p := range candidatePaths {
		full := base + p
		if seen[full] {
			continue
		}
		seen[full] = true
		urls = append(urls, full)
		if len(urls) >= maxPages {
			break
		}
	}
	return urls, nil
}

// Crawl fetches the candidate pages of root in parallel. Missing pages are
// skipped; the crawl fails only when the home page cannot be read.
func (c *Crawler) Crawl(ctx context.Context, root string) (*Site, error) {
	urls, err := CandidateURLs(root)
	if err != nil {
		return nil, err
	}

	pages := make([]*Page, len(urls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			page, err := c.fetch(gctx, u)
			if err != nil {
				if i == 0 {
					return fmt.Errorf("fetch home page: %w", err)
				}
				c.logger.Info("skipping page", "url", u, "error", err)
				return nil
			}
			mu.Lock()
			pages[i] = page
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Redirects can land several candidates on one page.
	site := &Site{Root: urls[0]}
	seen := make(map[string]bool, len(pages))
	for _, p := range pages {
		if p == nil || seen[p.URL] {
			continue
		}
		seen[p.URL] = true
		site.Pages = append(site.Pages, *p)
	}
	c.logger.Info("site crawled", "root", site.Root, "pages", len(site.Pages))
	return site, nil
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) (*Page, error) {
	var page *Page

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", userAgent)
			req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				c.logger.Warn("HTTP request failed", "url", pageURL, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			switch {
			case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
				return retry.Unrecoverable(&NotFoundError{URL: pageURL, Status: resp.StatusCode})
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}

			if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
				return retry.Unrecoverable(fmt.Errorf("unexpected content type %q", ct))
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
			if err != nil {
				return err
			}

			page, err = Parse(body, finalURL(resp, pageURL))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying fetch after error", "url", pageURL, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			var nf *NotFoundError
			return !errors.As(err, &nf)
		}),
	)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func finalURL(resp *http.Response, fallback string) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return fallback
}

// Parse extracts metadata, headings, list items and readable text from an
// HTML document.
func Parse(body []byte, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &Page{
		URL:         pageURL,
		Title:       clean(doc.Find("title").First().Text()),
		Description: meta(doc, "description", "og:description"),
		SiteName:    meta(doc, "og:site_name", "application-name"),
		Image:       absolute(pageURL, meta(doc, "og:image", "twitter:image")),
	}

	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		mergeStructured(&page.StructData, []byte(s.Text()))
	})
	page.StructData.Image = absolute(pageURL, page.StructData.Image)
	page.Storefront = storefront(doc)
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		for _, p := range structuredProducts([]byte(s.Text())) {
			if len(page.Products) >= maxProducts {
				return
			}
			p.URL = absolute(pageURL, firstNonEmpty(p.URL, pageURL))
			p.Image = absolute(pageURL, p.Image)
			page.Products = append(page.Products, p)
		}
	})

	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if h := clean(s.Text()); h != "" {
			page.Headings = append(page.Headings, h)
		}
	})
	doc.Find("main li, article li, section li").Each(func(_ int, s *goquery.Selection) {
		if len(page.ListItems) >= maxListItems {
			return
		}
		// Items made only of links are navigation.
		if n := s.Children().Length(); n > 0 && s.ChildrenFiltered("a").Length() == n {
			return
		}
		if item := clean(s.Text()); len(item) > 3 && len(item) < 200 {
			page.ListItems = append(page.ListItems, item)
		}
	})

	page.Text = readableText(body, pageURL, doc)
	return page, nil
}

// readableText prefers the readability article rendered as markdown and
// falls back to the body text when the article is too short.
func readableText(body []byte, pageURL string, doc *goquery.Document) string {
	parsed, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err == nil && article.Node != nil {
		if md, err := htmltomarkdown.ConvertNode(article.Node); err == nil {
			text := normalize(string(md))
			if len(strings.Fields(text)) >= readableWords {
				return text
			}
		}
	}

	doc.Find("script, style, noscript, nav, footer, header, form").Remove()
	return normalize(doc.Find("body").Text())
}

func meta(doc *goquery.Document, names ...string) string {
	for _, name := range names {
		sel := fmt.Sprintf("meta[name='%s'], meta[property='%s']", name, name)
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return clean(v)
		}
	}
	return ""
}

// mergeStructured fills empty fields of sd from one JSON-LD block. Blocks can
// be a single object, a list, or an @graph. A WebSite name is used only when
// no business entity names itself.
func mergeStructured(sd *StructuredData, raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}

	var siteName string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			if graph, ok := t["@graph"]; ok {
				walk(graph)
			}
			typ := stringValue(t["@type"])
			switch typ {
			case "", "WebPage", "BreadcrumbList", "ImageObject", "SiteNavigationElement",
				"Product", "ProductGroup", "Offer", "AggregateOffer", "ItemList", "ListItem":
				return
			case "WebSite":
				if siteName == "" {
					siteName = stringValue(t["name"])
				}
				return
			}
			if sd.Type == "" {
				sd.Type = typ
			}
			if sd.Name == "" {
				sd.Name = stringValue(t["name"])
			}
			if sd.Image == "" {
				sd.Image = stringValue(t["image"])
			}
			if sd.Image == "" {
				sd.Image = stringValue(t["logo"])
			}
			if addr, ok := t["address"].(map[string]any); ok && sd.Locality == "" {
				sd.Locality = stringValue(addr["addressLocality"])
			}
		}
	}
	walk(v)

	if sd.Name == "" {
		sd.Name = siteName
	}
}

// storefront names the shop engine behind a page, or "".
func storefront(doc *goquery.Document) string {
	const shopify = "script[src*='cdn.shopify.com'], link[href*='cdn.shopify.com'], meta[name='shopify-checkout-api-token']"
	const woo = "body.woocommerce, body.woocommerce-page, .woocommerce, " +
		"script[src*='plugins/woocommerce'], link[href*='plugins/woocommerce']"

	if doc.Find(shopify).Length() > 0 {
		return StorefrontShopify
	}
	inline := false
	doc.Find("script:not([src])").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		inline = strings.Contains(text, "Shopify.theme") || strings.Contains(text, "window.Shopify")
		return !inline
	})
	if inline {
		return StorefrontShopify
	}
	if doc.Find(woo).Length() > 0 {
		return StorefrontWooCommerce
	}
	return ""
}

// structuredProducts collects the Product entities of one JSON-LD block,
// including those nested in an @graph or an ItemList.
func structuredProducts(raw []byte) []Product {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}

	var out []Product
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			if graph, ok := t["@graph"]; ok {
				walk(graph)
			}
			switch stringValue(t["@type"]) {
			case "ItemList":
				walk(t["itemListElement"])
			case "ListItem":
				walk(t["item"])
			case "Product":
				p := Product{
					Name:     stringValue(t["name"]),
					URL:      stringValue(t["url"]),
					Image:    stringValue(t["image"]),
					Category: categoryValue(t["category"]),
				}
				p.Price, p.Currency = offerPrice(t["offers"])
				if p.Name != "" {
					out = append(out, p)
				}
			}
		}
	}
	walk(v)
	return out
}

// offerPrice reads the first priced Offer or AggregateOffer.
func offerPrice(v any) (string, string) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if price, currency := offerPrice(item); price != "" {
				return price, currency
			}
		}
	case map[string]any:
		price := numberValue(t["price"])
		if price == "" {
			price = numberValue(t["lowPrice"])
		}
		return price, stringValue(t["priceCurrency"])
	}
	return "", ""
}

func numberValue(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return strings.TrimSpace(t)
	}
	return ""
}

// categoryValue keeps the leaf of a "Apparel > Shirts" style path.
func categoryValue(v any) string {
	var raw string
	switch t := v.(type) {
	case map[string]any:
		raw = stringValue(t["name"])
	default:
		raw = stringValue(t)
	}
	if i := strings.LastIndexAny(raw, ">/"); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSpace(raw)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		if len(t) > 0 {
			return stringValue(t[0])
		}
	case map[string]any:
		if u, ok := t["url"]; ok {
			return stringValue(u)
		}
	}
	return ""
}

func absolute(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalize(content string) string {
	lines := strings.Split(content, "\n")
	var cleaned []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if !blank {
				cleaned = append(cleaned, "")
				blank = true
			}
			continue
		}
		blank = false
		cleaned = append(cleaned, trimmed)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
