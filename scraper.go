package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// ScraperTimeout bounds each page request.
	ScraperTimeout = 30 * time.Second

	// scraperRetryDelay is the wait between page fetch attempts.
	scraperRetryDelay = 2 * time.Second

	// MaxFetchedContentLength caps extracted page text attached to a question.
	MaxFetchedContentLength = 20000

	// UserAgent for HTTP requests
	UserAgent = "LLM-Council-Fetcher/1.0"
)

// FetchedContent is the readable text of a web page.
type FetchedContent struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// PageFetcher downloads pages and extracts their readable text.
type PageFetcher struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewPageFetcher creates a fetcher with the default timeout and two attempts per page.
func NewPageFetcher(logger *slog.Logger) *PageFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageFetcher{
		client:     &http.Client{Timeout: ScraperTimeout},
		maxRetries: 2,
		retryDelay: scraperRetryDelay,
		logger:     logger.With("component", "page_fetcher"),
	}
}

// FetchURLContent downloads rawURL and returns its title and body text.
func (f *PageFetcher) FetchURLContent(ctx context.Context, rawURL string) (*FetchedContent, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	doc, err := f.fetchDocument(ctx, parsed.String())
	if err != nil {
		return nil, err
	}

	content := ExtractReadableText(doc)
	content.URL = parsed.String()
	return content, nil
}

// fetchDocument retrieves and parses a page, retrying transport failures.
func (f *PageFetcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	var resp *http.Response
	var err error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.5")

		resp, err = f.client.Do(req)
		if err == nil {
			break
		}

		if attempt < f.maxRetries-1 {
			f.logger.Warn("fetch attempt failed, retrying", "url", pageURL, "attempt", attempt+1, "error", err)
			if sleepErr := sleepContext(ctx, f.retryDelay); sleepErr != nil {
				return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, sleepErr)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", pageURL, f.maxRetries, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// ExtractReadableText pulls the title and main text out of an HTML document,
// ignoring scripts, styles and page chrome. Text is whitespace-collapsed and
// capped at MaxFetchedContentLength bytes.
func ExtractReadableText(doc *goquery.Document) *FetchedContent {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, noscript, nav, header, footer, aside, form, iframe, svg").Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}

	var blocks []string
	root.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(i int, s *goquery.Selection) {
		// Nested blocks are visited on their own.
		if s.Find("p, li, pre, blockquote").Length() > 0 {
			return
		}
		if text := collapseWhitespace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})

	text := strings.Join(blocks, "\n\n")
	if text == "" {
		text = collapseWhitespace(root.Text())
	}

	content := &FetchedContent{Title: title, Text: text}
	if len(content.Text) > MaxFetchedContentLength {
		content.Text = content.Text[:MaxFetchedContentLength]
		content.Truncated = true
	}
	return content
}

// collapseWhitespace joins runs of whitespace, &nbsp; included, into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// QuestionWithContext appends fetched page text to a user question.
func QuestionWithContext(question string, pages []*FetchedContent) string {
	if len(pages) == 0 {
		return question
	}

	var b strings.Builder
	b.WriteString(question)
	for _, page := range pages {
		fmt.Fprintf(&b, "\n\n---\nContext from %s", page.URL)
		if page.Title != "" {
			fmt.Fprintf(&b, " (%s)", page.Title)
		}
		b.WriteString(":\n")
		b.WriteString(page.Text)
	}
	return b.String()
}
