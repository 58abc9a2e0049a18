package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/addonrelay/gateway"
)

func TestPagesWalksUntilLast(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var starts []int
	fetch := func(ctx context.Context, startAt int) (Page[int], error) {
		starts = append(starts, startAt)
		end := min(startAt+3, len(items))
		return Page[int]{StartAt: startAt, MaxResults: 3, Total: len(items), IsLast: end == len(items), Values: items[startAt:end]}, nil
	}

	var got []int
	for page, err := range Pages(context.Background(), fetch) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, page.Values...)
	}
	if fmt.Sprint(got) != fmt.Sprint(items) {
		t.Fatalf("got %v, want %v", got, items)
	}
	if fmt.Sprint(starts) != "[0 3 6]" {
		t.Fatalf("unexpected startAt sequence %v", starts)
	}
}

func TestPagesIsLazy(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, startAt int) (Page[int], error) {
		calls++
		return Page[int]{Values: []int{startAt}}, nil
	}
	for range Pages(context.Background(), fetch) {
		break
	}
	if calls != 1 {
		t.Fatalf("expected a single fetch when the consumer stops early, got %d", calls)
	}
}

func TestPagesStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	fetch := func(ctx context.Context, startAt int) (Page[int], error) {
		if startAt > 0 {
			return Page[int]{}, boom
		}
		return Page[int]{Values: []int{1}}, nil
	}
	var errs []error
	n := 0
	for _, err := range Pages(context.Background(), fetch) {
		n++
		if err != nil {
			errs = append(errs, err)
		}
	}
	if n != 2 || len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Fatalf("expected one page then one error, got n=%d errs=%v", n, errs)
	}
}

// pagingSender serves a fixed listing according to the startAt/maxResults
// query parameters of each request.
type pagingSender struct {
	items []string
}

func (p *pagingSender) SendAndAwait(ctx context.Context, instanceID string, env gateway.RequestEnvelope, timeout time.Duration) ([]byte, error) {
	u, err := url.Parse(env.URL)
	if err != nil {
		return nil, err
	}
	start, _ := strconv.Atoi(u.Query().Get("startAt"))
	size, _ := strconv.Atoi(u.Query().Get("maxResults"))
	end := min(start+size, len(p.items))
	page := Page[string]{StartAt: start, MaxResults: size, Total: len(p.items), IsLast: end == len(p.items), Values: p.items[start:end]}
	payload, _ := json.Marshal(page)
	return json.Marshal(gateway.ResponseEnvelope{StatusCode: 200, Payload: payload})
}

func TestCallPaged(t *testing.T) {
	c := NewClient(&pagingSender{items: []string{"ABC-1", "ABC-2", "ABC-3", "ABC-4", "ABC-5"}})

	var keys []string
	for page, err := range CallPaged[string](context.Background(), c, "I1", "/search?jql=project%3DABC", 2, time.Second) {
		if err != nil {
			t.Fatalf("CallPaged: %v", err)
		}
		keys = append(keys, page.Values...)
	}
	if fmt.Sprint(keys) != "[ABC-1 ABC-2 ABC-3 ABC-4 ABC-5]" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
