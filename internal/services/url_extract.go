package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
)

const maxPageBytes = 5 << 20

// PageContent is the readable portion of a fetched web page.
type PageContent struct {
	Title string
	Text  string
}

type URLExtractor interface {
	Extract(ctx context.Context, rawURL string) (PageContent, error)
}

type urlExtractor struct {
	log  *logger.Logger
	http *http.Client
}

func NewURLExtractor(log *logger.Logger) URLExtractor {
	return &urlExtractor{
		log:  log.With("service", "URLExtractor"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *urlExtractor) Extract(ctx context.Context, rawURL string) (PageContent, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return PageContent{}, fmt.Errorf("invalid url %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return PageContent{}, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return PageContent{}, err
	}
	req.Header.Set("User-Agent", "kuboid-ingest/1.0")

	resp, err := e.http.Do(req)
	if err != nil {
		return PageContent{}, fmt.Errorf("fetch %s: %w", parsed.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PageContent{}, fmt.Errorf("fetch %s: http status %d", parsed.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return PageContent{}, fmt.Errorf("read %s: %w", parsed.Host, err)
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		// Readability chokes on some markup; strip tags as a fallback.
		e.log.Warn("Readability parse failed, falling back to tag strip", "url", parsed.String(), "error", err)
		text := extractHTML(string(body))
		if text == "" {
			return PageContent{}, fmt.Errorf("no readable text at %s", parsed.String())
		}
		return PageContent{Title: parsed.Host, Text: text}, nil
	}

	text := collapseWhitespace(article.TextContent)
	if text == "" {
		return PageContent{}, fmt.Errorf("no readable text at %s", parsed.String())
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = parsed.Host
	}
	return PageContent{Title: title, Text: text}, nil
}

// DeriveDocumentID maps a storage path to its canonical document id. The same
// path always maps to the same id, which is what makes re-ingestion
// duplicate-safe.
func DeriveDocumentID(path string) string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	replacer := strings.NewReplacer("/", "_", "-", "_")
	return replacer.Replace(path)
}

// DeriveURLDocumentID maps a page URL to its canonical document id:
// url_<host>_<path with separators flattened>, "root" standing in for an
// empty path.
func DeriveURLDocumentID(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}

	host := strings.ReplaceAll(parsed.Host, ":", "_")
	pagePath := strings.Trim(parsed.Path, "/")
	if pagePath == "" {
		pagePath = "root"
	} else {
		pagePath = strings.NewReplacer("/", "_", "-", "_").Replace(pagePath)
	}
	return "url_" + host + "_" + pagePath, nil
}
