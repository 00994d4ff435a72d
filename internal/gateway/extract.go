package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/lexresearch/internal/textutil"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// LocalExtractor fetches the HTML rendition of each document and extracts
// its text locally. Documents it cannot extract are delegated to the
// wrapped gateway.
type LocalExtractor struct {
	tools.Gateway
	client   *http.Client
	maxChars int
	logger   *log.Logger
}

// NewLocalExtractor wraps next. maxChars <= 0 keeps the full text.
func NewLocalExtractor(next tools.Gateway, client *http.Client, maxChars int, logger *log.Logger) *LocalExtractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &LocalExtractor{Gateway: next, client: client, maxChars: maxChars, logger: logger}
}

// htmlURL is where the publication portal serves a document's French HTML.
func htmlURL(id string) string {
	return strings.TrimRight(id, "/") + "/fr/html"
}

func (e *LocalExtractor) ExtractContent(ctx context.Context, ids []string) (tools.ExtractResult, error) {
	var (
		mu      sync.Mutex
		out     = make(map[string]string, len(ids))
		missing []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			text, err := e.fetch(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || text == "" {
				if err != nil {
					e.logger.Printf("warn: local extraction of %s failed: %v", id, err)
				}
				missing = append(missing, id)
				return nil
			}
			out[id] = text
			return nil
		})
	}
	_ = g.Wait()

	if len(missing) > 0 {
		rest, err := e.Gateway.ExtractContent(ctx, missing)
		if err != nil {
			if len(out) == 0 {
				return tools.ExtractResult{}, err
			}
			e.logger.Printf("warn: remote extraction fallback failed: %v", err)
		}
		for id, text := range rest.Contents {
			out[id] = text
		}
	}
	return tools.ExtractResult{Contents: out}, nil
}

func (e *LocalExtractor) fetch(ctx context.Context, id string) (string, error) {
	link := htmlURL(id)
	pageURL, err := url.Parse(link)
	if err != nil || pageURL.Scheme == "" || pageURL.Host == "" {
		return "", fmt.Errorf("not a fetchable identifier")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return "", err
	}
	return textutil.Truncate(strings.TrimSpace(article.TextContent), e.maxChars), nil
}
