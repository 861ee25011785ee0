package search

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/fluxchat/flux/chat"
)

const maxPageBytes = 512 * 1024

// Enricher fetches result pages concurrently and extracts readable text.
// A failed fetch leaves the result with empty content; the search still
// succeeds.
type Enricher struct {
	httpClient *http.Client
	limit      int
}

func NewEnricher(httpClient *http.Client, limit int) *Enricher {
	return &Enricher{httpClient: httpClient, limit: limit}
}

// Enrich fills Content for the top results in place and returns the
// slice.
func (e *Enricher) Enrich(ctx context.Context, results []chat.SearchResult) []chat.SearchResult {
	n := e.limit
	if n > len(results) {
		n = len(results)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			text, err := e.fetchText(gctx, results[i].URL)
			if err != nil {
				slog.Debug("page enrichment failed", "url", results[i].URL, "error", err)
				return nil
			}
			results[i].Content = text
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Enricher) fetchText(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "flux/1.0 (+search enrichment)")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", io.EOF
	}

	return extractText(io.LimitReader(resp.Body, maxPageBytes)), nil
}

// extractText walks the HTML tokens collecting visible text, skipping
// script and style subtrees.
func extractText(r io.Reader) string {
	tokenizer := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skip++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(tokenizer.Text())
				sb.WriteByte(' ')
			}
		}
	}
}
