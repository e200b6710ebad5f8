package subscription

import (
	"context"
	"time"

	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/internal/ttl"
	"github.com/syntrixbase/broker/pkg/model"
)

type fetchFunc func(ctx context.Context, after *store.Key) (store.Page, error)

// Iterator walks subscriber pages. It holds the store cursor between calls.
//
//	it := idx.SubscribersByEvent(evt)
//	for it.Next(ctx) {
//		for _, sub := range it.Page() { ... }
//	}
//	if err := it.Err(); err != nil { ... }
//
// Next returns true while the store still reports a cursor, even when the
// current page is empty because every examined entry expired. It returns
// false once the cursor is exhausted and nothing is left to yield.
type Iterator struct {
	fetch  fetchFunc
	now    time.Time
	cursor *store.Key
	page   []model.Subscriber
	done   bool
	err    error
	pages  int
}

func newIterator(fetch fetchFunc, now time.Time) *Iterator {
	return &Iterator{fetch: fetch, now: now}
}

func (it *Iterator) Next(ctx context.Context) bool {
	it.page = nil
	if it.done {
		return false
	}
	page, err := it.fetch(ctx, it.cursor)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.pages++

	subs := make([]model.Subscriber, 0, len(page.Records))
	for _, rec := range page.Records {
		var sub model.Subscriber
		if err := store.FromRecord(rec, &sub); err != nil {
			it.err = err
			it.done = true
			return false
		}
		// Stores with native expiry delete lazily; re-check here.
		if ttl.IsExpired(sub.TTL, it.now) {
			continue
		}
		subs = append(subs, sub)
	}
	it.page = subs
	it.cursor = page.LastKey

	if it.cursor == nil {
		it.done = true
		return len(subs) > 0
	}
	return true
}

// Page returns the subscribers fetched by the last successful Next.
func (it *Iterator) Page() []model.Subscriber {
	return it.page
}

func (it *Iterator) Err() error {
	return it.err
}

// Pages reports how many store pages have been fetched.
func (it *Iterator) Pages() int {
	return it.pages
}

// All drains the iterator. Intended for small result sets and tests.
func (it *Iterator) All(ctx context.Context) ([]model.Subscriber, error) {
	var out []model.Subscriber
	for it.Next(ctx) {
		out = append(out, it.Page()...)
	}
	return out, it.Err()
}
