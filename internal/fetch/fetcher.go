// Package fetch implements the content discovery and retrieval
// collaborator of the ingestion pipeline.
package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/botforge-io/botforge/internal/models"
)

// Service discovers page URLs for a configured source and fetches their
// text content. Per-item failures surface as errors on individual calls;
// the pipeline decides whether a failure is fatal for the stage.
type Service interface {
	// Discover expands a source into the list of page URLs to fetch.
	// Text sources discover nothing; their content is already inline.
	Discover(ctx context.Context, src models.Source) ([]string, error)

	// Fetch retrieves one page and returns its extracted text.
	Fetch(ctx context.Context, pageURL string) (string, error)
}

const (
	defaultPageBudget = 50
	maxBodyBytes      = 2 << 20 // 2 MiB per page
)

// HTTPService is the production Service over plain HTTP.
type HTTPService struct {
	client *http.Client
	logger *slog.Logger
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService creates a fetcher whose calls each time out after timeout,
// so a hung remote cannot stall a pipeline worker.
func NewHTTPService(timeout time.Duration, logger *slog.Logger) *HTTPService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPService{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Discover expands a source into page URLs.
func (s *HTTPService) Discover(ctx context.Context, src models.Source) ([]string, error) {
	switch src.Kind {
	case models.SourceText:
		return nil, nil
	case models.SourceSitemap:
		return s.discoverSitemap(ctx, src)
	case models.SourceURL:
		return s.discoverLinks(ctx, src)
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

type sitemapIndex struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

func (s *HTTPService) discoverSitemap(ctx context.Context, src models.Source) ([]string, error) {
	body, err := s.get(ctx, src.Location)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}

	budget := src.PageBudget
	if budget <= 0 {
		budget = defaultPageBudget
	}

	urls := make([]string, 0, len(index.URLs))
	for _, u := range index.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		urls = append(urls, loc)
		if len(urls) >= budget {
			break
		}
	}
	s.logger.Debug("sitemap discovered", "sitemap", src.Location, "pages", len(urls))
	return urls, nil
}

// discoverLinks walks same-host links breadth-first from the source URL up
// to MaxDepth, bounded by the page budget.
func (s *HTTPService) discoverLinks(ctx context.Context, src models.Source) ([]string, error) {
	root, err := url.Parse(src.Location)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}

	budget := src.PageBudget
	if budget <= 0 {
		budget = defaultPageBudget
	}

	seen := map[string]bool{src.Location: true}
	ordered := []string{src.Location}
	frontier := []string{src.Location}

	for depth := 0; depth < src.MaxDepth && len(frontier) > 0 && len(ordered) < budget; depth++ {
		var next []string
		for _, pageURL := range frontier {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			body, err := s.get(ctx, pageURL)
			if err != nil {
				// Discovery tolerates unreachable branches; the page
				// itself still gets its chance in the fetch stage.
				s.logger.Debug("discovery fetch failed", "url", pageURL, "error", err)
				continue
			}
			for _, link := range extractLinks(body, root) {
				if seen[link] {
					continue
				}
				seen[link] = true
				ordered = append(ordered, link)
				next = append(next, link)
				if len(ordered) >= budget {
					return ordered, nil
				}
			}
		}
		frontier = next
	}

	return ordered, nil
}

// Fetch retrieves a page and extracts its visible text.
func (s *HTTPService) Fetch(ctx context.Context, pageURL string) (string, error) {
	body, err := s.get(ctx, pageURL)
	if err != nil {
		return "", err
	}
	return ExtractText(body), nil
}

func (s *HTTPService) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "botforge-ingest/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, nil
}

// extractLinks returns absolute same-host links found in an HTML document.
func extractLinks(body []byte, root *url.URL) []string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				abs := root.ResolveReference(ref)
				abs.Fragment = ""
				if abs.Host == root.Host && (abs.Scheme == "http" || abs.Scheme == "https") {
					links = append(links, abs.String())
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// ExtractText strips markup from an HTML document, skipping script and
// style subtrees. Non-HTML input passes through unchanged.
func ExtractText(body []byte) string {
	content := string(body)
	if !strings.Contains(content, "<") {
		return strings.TrimSpace(content)
	}

	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}
