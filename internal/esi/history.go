package esi

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wcmkt/market-sync/internal/errs"
)

// HistoryRecord is one daily history row, schema of MarketHistory minus
// the synthetic id and type_name (joined later).
type HistoryRecord struct {
	Date        string  `json:"date"`
	Average     float64 `json:"average"`
	Volume      int64   `json:"volume"`
	Highest     float64 `json:"highest"`
	Lowest      float64 `json:"lowest"`
	OrderCount  int64   `json:"order_count"`
}

// HistoryResult pairs a type_id with its fetched history (or an empty
// slice, never nil, when the type was permanently unavailable).
type HistoryResult struct {
	TypeID int
	Data   []HistoryRecord
}

// historyGlobalRPS / historyBurst form a token bucket refilling at 300/60s
// with a burst of 300. Sustained throughput is 300 requests a minute, but
// the bucket starts full, so a full bucket plus one minute of refill admits
// up to 600 requests within a single 60s window.
const (
	historyGlobalRPS   = 300.0 / 60.0
	historyBurst       = 300
	historyConcurrency = 50
)

// FetchHistory fetches daily market history for every type_id in
// regionID's market, respecting two cooperating limiters: a global rate
// limiter (history window budget) and a bounded-concurrency semaphore on
// simultaneous in-flight requests. Results preserve input order; a
// permanently-failing type_id yields an empty (not nil) Data slice rather
// than aborting the whole fan-out.
func (c *Client) FetchHistory(ctx context.Context, regionID int, typeIDs []int) ([]HistoryResult, error) {
	limiter := rate.NewLimiter(rate.Limit(historyGlobalRPS), historyBurst)
	sem := make(chan struct{}, historyConcurrency)

	results := make([]HistoryResult, len(typeIDs))
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for i, typeID := range typeIDs {
		wg.Add(1)
		go func(i, typeID int) {
			defer wg.Done()

			if err := limiter.Wait(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			if err := preflightJitter(ctx); err != nil {
				return
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			records, err := c.fetchOneHistory(ctx, regionID, typeID)
			if err != nil {
				var kinded *errs.Error
				if asErr(err, &kinded) && kinded.Kind == errs.KindPermanent {
					c.log.Warn().Int("type_id", typeID).Err(err).Msg("permanent failure fetching history, yielding empty result")
					results[i] = HistoryResult{TypeID: typeID, Data: []HistoryRecord{}}
					return
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = HistoryResult{TypeID: typeID, Data: records}
		}(i, typeID)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, errs.TransientFetchError("history fan-out", firstErr)
	}

	for i := range results {
		if results[i].Data == nil {
			results[i] = HistoryResult{TypeID: typeIDs[i], Data: []HistoryRecord{}}
		}
	}
	return results, nil
}

func (c *Client) fetchOneHistory(ctx context.Context, regionID, typeID int) ([]HistoryRecord, error) {
	path := fmt.Sprintf("/markets/%d/history/", regionID)
	resp, err := c.do(ctx, "GET", path, requestOpts{
		authenticated: false,
		query:         map[string]string{"type_id": fmt.Sprintf("%d", typeID)},
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]HistoryRecord](resp.body)
}
