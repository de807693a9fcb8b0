package esi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/wcmkt/market-sync/internal/errs"
)

const namesBatchSize = 1000

// NameEntry is one resolved id/name/category triple from /universe/names/.
type NameEntry struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// ResolveNames resolves ids to names in batches of namesBatchSize (the
// upstream limit on a single POST /universe/names/ call), preserving the
// mapping by id regardless of response ordering.
func (c *Client) ResolveNames(ctx context.Context, ids []int) (map[int]NameEntry, error) {
	out := make(map[int]NameEntry, len(ids))

	for start := 0; start < len(ids); start += namesBatchSize {
		end := start + namesBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		entries, err := c.resolveNameBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out[e.ID] = e
		}
	}
	return out, nil
}

func (c *Client) resolveNameBatch(ctx context.Context, ids []int) ([]NameEntry, error) {
	payload, err := json.Marshal(ids)
	if err != nil {
		return nil, errs.DataError("marshal ids for name resolution", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/universe/names/", requestOpts{body: payload})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]NameEntry](resp.body)
}
