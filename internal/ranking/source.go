package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"signal-relay/pkg/types"
)

// Source produces a complete ranking snapshot. Implementations must either
// return the full set or an error; a partial set must never be returned as
// success, because the refresher treats the result as authoritative.
type Source interface {
	FetchTickers(ctx context.Context, url string, topN int) (types.TickerSet, error)
}

// tokenBucket rate-limits requests against the ranking site with continuous
// refill. Callers block in wait() until a token is available or the context
// is cancelled.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *tokenBucket) wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tickerLinkRe matches screener result links of the form quote.ashx?t=SYM.
var tickerLinkRe = regexp.MustCompile(`quote\.ashx\?t=([A-Z][A-Z0-9.\-]*)`)

const screenerPageSize = 20

// ScreenerSource fetches tickers from a Finviz-style paginated screener.
// Pages are requested sequentially with the r= row offset parameter, each
// request gated by a per-source token bucket so a large Top-N cannot hammer
// the site.
type ScreenerSource struct {
	http   *resty.Client
	bucket *tokenBucket
	logger *slog.Logger
}

// NewScreenerSource creates the HTTP ranking source. maxReqPerSec caps the
// page fetch rate.
func NewScreenerSource(timeout time.Duration, maxReqPerSec float64, logger *slog.Logger) *ScreenerSource {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; signal-relay/1.0)")

	return &ScreenerSource{
		http:   client,
		bucket: newTokenBucket(2, maxReqPerSec),
		logger: logger.With("component", "ranking-source"),
	}
}

// FetchTickers pages through the screener until topN tickers are collected
// or the result set is exhausted. Any page failure aborts the whole fetch;
// the refresher keeps the last good snapshot in that case.
func (s *ScreenerSource) FetchTickers(ctx context.Context, url string, topN int) (types.TickerSet, error) {
	seen := make(types.TickerSet, topN)
	ordered := make([]string, 0, topN)

	for offset := 1; len(ordered) < topN; offset += screenerPageSize {
		if err := s.bucket.wait(ctx); err != nil {
			return nil, err
		}

		page, err := s.fetchPage(ctx, url, offset)
		if err != nil {
			return nil, fmt.Errorf("fetch page at row %d: %w", offset, err)
		}

		added := 0
		for _, ticker := range page {
			if seen.Contains(ticker) {
				continue
			}
			seen[ticker] = struct{}{}
			ordered = append(ordered, ticker)
			added++
			if len(ordered) >= topN {
				break
			}
		}

		// A page with nothing new means the screener ran out of rows.
		if added == 0 {
			break
		}
	}

	if len(ordered) == 0 {
		return nil, fmt.Errorf("screener returned no tickers")
	}

	s.logger.Debug("ranking fetched", "tickers", len(ordered), "top_n", topN)
	return types.NewTickerSet(ordered), nil
}

func (s *ScreenerSource) fetchPage(ctx context.Context, url string, offset int) ([]string, error) {
	req := s.http.R().SetContext(ctx)
	if offset > 1 {
		req = req.SetQueryParam("r", strconv.Itoa(offset))
	}
	resp, err := req.Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}
	return extractTickers(resp.String()), nil
}

// extractTickers pulls ticker symbols out of screener HTML in document
// order, deduplicated.
func extractTickers(html string) []string {
	matches := tickerLinkRe.FindAllStringSubmatch(html, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		t := types.NormalizeTicker(m[1])
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
