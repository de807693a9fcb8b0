package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wcmkt/market-sync/internal/errs"
)

// Order is one open market order, schema.MarketOrders minus type_name
// (resolved later through ResolveNames, POST /universe/names/).
type Order struct {
	OrderID      int64   `json:"order_id"`
	IsBuyOrder   bool    `json:"is_buy_order"`
	TypeID       int     `json:"type_id"`
	Duration     int     `json:"duration"`
	Issued       string  `json:"issued"`
	Price        float64 `json:"price"`
	VolumeRemain int     `json:"volume_remain"`
}

// OrderType selects which side(s) of the book a region query returns.
type OrderType string

const (
	OrderTypeSell OrderType = "sell"
	OrderTypeBuy  OrderType = "buy"
	OrderTypeAll  OrderType = "all"
)

// debugArtifactPath is where the raw structure-orders body is persisted
// after a successful fetch, matching the reference implementation's habit
// of writing the last raw payload to disk for offline inspection.
const debugArtifactPath = "data/market_orders_new.json"

// StructureOrders fetches every page of open orders at structureID via the
// authenticated structure endpoint, tracking ETag across calls so a
// caller-supplied previousETag can short-circuit to 304.
func (c *Client) StructureOrders(ctx context.Context, structureID int64, previousETag string) ([]Order, string, error) {
	path := fmt.Sprintf("/markets/structures/%d/", structureID)
	orders, etag, err := c.paginatedOrders(ctx, path, nil, true, previousETag)
	if err != nil {
		return nil, "", err
	}
	if err := persistDebugArtifact(orders); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist debug artefact (non-fatal)")
	}
	return orders, etag, nil
}

// RegionOrders fetches every page of open orders for regionID, restricted
// to orderType, via the unauthenticated region endpoint. Used for the
// secondary/deployment market.
func (c *Client) RegionOrders(ctx context.Context, regionID int, orderType OrderType, previousETag string) ([]Order, string, error) {
	path := fmt.Sprintf("/markets/%d/orders/", regionID)
	query := map[string]string{"order_type": string(orderType)}
	return c.paginatedOrders(ctx, path, query, false, previousETag)
}

// paginatedOrders implements the shared pagination contract: start at
// page=1, read X-Pages from the first response to set the loop bound,
// honour the latest X-Pages value if it changes mid-run, abort after
// consecutiveErrBudget consecutive failed requests of any kind.
func (c *Client) paginatedOrders(ctx context.Context, path string, query map[string]string, authenticated bool, previousETag string) ([]Order, string, error) {
	var all []Order
	pages := 1
	lastETag := ""
	consecutiveFailures := 0

	page := 1
	for page <= pages {
		pageQuery := map[string]string{"page": fmt.Sprintf("%d", page)}
		for k, v := range query {
			pageQuery[k] = v
		}

		etagToSend := ""
		if page == 1 {
			etagToSend = previousETag
		}

		resp, err := c.do(ctx, "GET", path, requestOpts{authenticated: authenticated, etag: etagToSend, query: pageQuery})
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures >= consecutiveErrBudget {
				return nil, "", errs.PermanentFetchError(fmt.Sprintf("%s: error budget exhausted", path), err)
			}
			continue // retry the same page
		}
		consecutiveFailures = 0

		if resp.notModified {
			return nil, previousETag, nil
		}

		if resp.pages > 0 {
			pages = resp.pages // tie-break: honour the latest observed value
		}
		lastETag = resp.etag

		batch, err := decodeJSON[[]Order](resp.body)
		if err != nil {
			return nil, "", err
		}
		all = append(all, batch...)
		page++
	}

	return all, lastETag, nil
}

func persistDebugArtifact(orders []Order) error {
	if err := os.MkdirAll(filepath.Dir(debugArtifactPath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(orders)
	if err != nil {
		return err
	}
	return os.WriteFile(debugArtifactPath, data, 0o644)
}
