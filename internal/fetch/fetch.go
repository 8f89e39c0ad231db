// Package fetch implements the page-processing collaborator: it fetches an
// item page through a leased proxy and classifies the attempt outcome.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
	"github.com/rs/zerolog/log"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

// Config holds fetcher settings.
type Config struct {
	BaseURL   string        // item page URL template, %d receives the item id
	Timeout   time.Duration // per-request timeout
	UserAgent string
}

func (c *Config) withDefaults() {
	if c.BaseURL != "" && !strings.Contains(c.BaseURL, "%d") {
		log.Warn().Str("base_url", c.BaseURL).Msg("Base URL template lacks the %d item id verb, using default")
		c.BaseURL = ""
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://www.avito.ru/items/%d"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
}

// Fetcher fetches item pages through leased proxies. HTTP clients are cached
// per proxy so connection pools and cookies amortise across the tasks a lane
// runs on the same proxy; Discard drops the cache entry on rotation.
type Fetcher struct {
	cfg Config

	mu      sync.Mutex
	clients map[int64]*http.Client
}

// New creates a fetcher. Zero-valued config fields get the defaults.
func New(cfg Config) *Fetcher {
	cfg.withDefaults()
	return &Fetcher{
		cfg:     cfg,
		clients: make(map[int64]*http.Client),
	}
}

// Process fetches the task's item page via the proxy and classifies the
// response. Transport errors classify as unexpected; the caller decides
// whether that retries or rotates.
func (f *Fetcher) Process(ctx context.Context, task *worker.Task, proxy *worker.Proxy) (worker.Outcome, error) {
	client, err := f.client(proxy)
	if err != nil {
		return worker.Outcome{
			Classification: worker.ClassUnexpected,
			FailureReason:  fmt.Sprintf("proxy setup: %v", err),
		}, nil
	}

	pageURL := fmt.Sprintf(f.cfg.BaseURL, task.ItemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return worker.Outcome{
			Classification: worker.ClassUnexpected,
			FailureReason:  fmt.Sprintf("request failed: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	return f.classify(task, resp)
}

// classify maps the HTTP response onto the outcome set the coordination
// core understands.
func (f *Fetcher) classify(task *worker.Task, resp *http.Response) (worker.Outcome, error) {
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusProxyAuthRequired:
		return worker.Outcome{
			Classification: worker.ClassBlockedHard,
			FailureReason:  fmt.Sprintf("blocked with status %d", resp.StatusCode),
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return worker.Outcome{
			Classification: worker.ClassRateLimited,
			FailureReason:  "rate limited",
		}, nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return worker.Outcome{Classification: worker.ClassContentRemoved}, nil

	case resp.StatusCode == http.StatusOK:
		record, err := f.extract(resp)
		if err != nil {
			log.Debug().Err(err).Int64("item_id", task.ItemID).Msg("Extraction failed")
			return worker.Outcome{
				Classification: worker.ClassExtractionFailed,
				FailureReason:  err.Error(),
			}, nil
		}
		return worker.Outcome{
			Classification: worker.ClassContentFound,
			Record:         record,
		}, nil

	default:
		return worker.Outcome{
			Classification: worker.ClassUnexpected,
			FailureReason:  fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}, nil
	}
}

// extract pulls the item fields out of the page. A page without a title is
// treated as a failed extraction rather than an empty success.
func (f *Fetcher) extract(resp *http.Response) (*worker.ItemRecord, error) {
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	record := &worker.ItemRecord{
		Title:       strings.TrimSpace(doc.Find("h1").First().Text()),
		Description: strings.TrimSpace(doc.Find(`[itemprop="description"]`).First().Text()),
		SellerName:  strings.TrimSpace(doc.Find(`[data-marker="seller-info/name"]`).First().Text()),
	}
	if record.Title == "" {
		record.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if record.Title == "" {
		return nil, fmt.Errorf("page has no title")
	}

	characteristics := make(map[string]string)
	doc.Find(`[data-marker="item-view/item-params"] li`).Each(func(_ int, s *goquery.Selection) {
		parts := strings.SplitN(s.Text(), ":", 2)
		if len(parts) == 2 {
			characteristics[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	})
	if len(characteristics) > 0 {
		record.Characteristics = characteristics
	}

	if href, ok := doc.Find(`[data-marker="seller-link/link"]`).First().Attr("href"); ok {
		record.SellerProfileURL = href
	}

	return record, nil
}

// Discard drops the cached client for a rotated proxy.
func (f *Fetcher) Discard(proxy *worker.Proxy) {
	f.mu.Lock()
	delete(f.clients, proxy.ID)
	f.mu.Unlock()
}

// client returns the cached HTTP client for a proxy, building one on first
// use. Proxy strings are host:port:user:pass, user and pass optional.
func (f *Fetcher) client(proxy *worker.Proxy) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[proxy.ID]; ok {
		return c, nil
	}

	proxyURL, err := parseProxy(proxy.Proxy)
	if err != nil {
		return nil, err
	}

	c := &http.Client{
		Timeout: f.cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	f.clients[proxy.ID] = c
	return c, nil
}

// parseProxy converts host:port:user:pass into a proxy URL.
func parseProxy(raw string) (*url.URL, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return &url.URL{Scheme: "http", Host: parts[0] + ":" + parts[1]}, nil
	case 4:
		return &url.URL{
			Scheme: "http",
			Host:   parts[0] + ":" + parts[1],
			User:   url.UserPassword(parts[2], parts[3]),
		}, nil
	default:
		return nil, fmt.Errorf("malformed proxy %q", raw)
	}
}
