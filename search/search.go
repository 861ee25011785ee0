// Package search implements the web search provider over a SearXNG-style
// JSON metasearch endpoint.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxchat/flux/chat"
)

// Config represents search service configuration.
type Config struct {
	Endpoint    string // metasearch base URL, e.g. http://localhost:8080
	MaxResults  int    // default: 8
	EnrichLimit int    // pages fetched for full text, default: 3
	Timeout     int    // seconds, default: 15
}

// Service implements chat.SearchProvider. One search runs per
// conversation at a time; StopSearch cancels it.
type Service struct {
	endpoint   string
	maxResults int
	httpClient *http.Client
	enricher   *Enricher
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewService(cfg *Config) (*Service, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("search endpoint required")
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 8
	}
	enrichLimit := cfg.EnrichLimit
	if enrichLimit <= 0 {
		enrichLimit = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15
	}
	httpClient := &http.Client{Timeout: time.Duration(timeout) * time.Second}
	return &Service{
		endpoint:   cfg.Endpoint,
		maxResults: maxResults,
		httpClient: httpClient,
		enricher:   NewEnricher(httpClient, enrichLimit),
		logger:     slog.Default().With("component", "search"),
		active:     make(map[string]context.CancelFunc),
	}, nil
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search queries the metasearch endpoint and enriches the top hits with
// page text. Enrichment failures degrade to the bare result.
func (s *Service) Search(ctx context.Context, conversationID, query string) ([]chat.SearchResult, error) {
	searchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.active[conversationID]; ok {
		prev()
	}
	s.active[conversationID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, conversationID)
		s.mu.Unlock()
		cancel()
	}()

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", s.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(searchCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build search request")
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("search endpoint returned %d", resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode search response")
	}

	results := make([]chat.SearchResult, 0, s.maxResults)
	for i, r := range payload.Results {
		if i >= s.maxResults {
			break
		}
		results = append(results, chat.SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Content,
			Rank:        i + 1,
		})
	}

	results = s.enricher.Enrich(searchCtx, results)
	s.logger.Info("search completed",
		"conversation_id", conversationID,
		"results", len(results),
		"duration_ms", time.Since(start).Milliseconds())
	return results, nil
}

// StopSearch cancels the in-flight search for a conversation, if any.
func (s *Service) StopSearch(conversationID string) {
	s.mu.Lock()
	cancel, ok := s.active[conversationID]
	delete(s.active, conversationID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
