package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"time"
)

// Page is one page of a paginated add-on listing.
type Page[T any] struct {
	StartAt    int  `json:"startAt"`
	MaxResults int  `json:"maxResults"`
	Total      int  `json:"total"`
	IsLast     bool `json:"isLast"`
	Values     []T  `json:"values"`
}

// PageFunc fetches the page beginning at startAt.
type PageFunc[T any] func(ctx context.Context, startAt int) (Page[T], error)

// Pages lazily walks a paginated listing, advancing startAt by the size of
// each page until a page reports IsLast or comes back empty. A fetch error is
// yielded once and ends the sequence.
func Pages[T any](ctx context.Context, fetch PageFunc[T]) iter.Seq2[Page[T], error] {
	return func(yield func(Page[T], error) bool) {
		startAt := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(Page[T]{}, err)
				return
			}
			page, err := fetch(ctx, startAt)
			if err != nil {
				yield(Page[T]{}, err)
				return
			}
			if !yield(page, nil) {
				return
			}
			if page.IsLast || len(page.Values) == 0 {
				return
			}
			startAt += len(page.Values)
		}
	}
}

// CallPaged walks a paginated GET endpoint on the remote instance, adding
// startAt and maxResults query parameters to rawURL.
func CallPaged[T any](ctx context.Context, c *Client, instanceID, rawURL string, maxResults int, timeout time.Duration) iter.Seq2[Page[T], error] {
	return Pages(ctx, func(ctx context.Context, startAt int) (Page[T], error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return Page[T]{}, &InfrastructureError{Reason: ReasonEncode, Err: err}
		}
		q := u.Query()
		q.Set("startAt", strconv.Itoa(startAt))
		if maxResults > 0 {
			q.Set("maxResults", strconv.Itoa(maxResults))
		}
		u.RawQuery = q.Encode()

		payload, err := c.Call(ctx, instanceID, "GET", u.String(), nil, timeout)
		if err != nil {
			return Page[T]{}, err
		}
		var page Page[T]
		if err := json.Unmarshal(payload, &page); err != nil {
			return Page[T]{}, &InfrastructureError{Reason: ReasonMalformedResponse, Err: fmt.Errorf("decode page at %d: %w", startAt, err)}
		}
		return page, nil
	})
}
