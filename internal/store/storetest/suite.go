// Package storetest holds the behavioral suite every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/broker/internal/store"
)

var (
	keyed  = store.Table{Name: "Connections", PartitionKey: "id"}
	ranged = store.Table{Name: "Subscriptions", PartitionKey: "event", SortKey: "subscriptionId"}
)

// Run executes the suite against stores produced by newStore. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("PutGetOverwrite", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("UpdateAndDelete", func(t *testing.T) { testUpdateDelete(t, newStore(t)) })
	t.Run("BatchLimits", func(t *testing.T) { testBatch(t, newStore(t)) })
	t.Run("TransactWrite", func(t *testing.T) { testTransact(t, newStore(t)) })
	t.Run("QueryPaginatesAndFilters", func(t *testing.T) { testQuery(t, newStore(t)) })
	t.Run("ScanPrefixWhileDeleting", func(t *testing.T) { testScan(t, newStore(t)) })
}

func testPutGet(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, keyed, store.Key{Partition: "c1"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Put(ctx, keyed, store.Record{"id": "c1", "data": map[string]interface{}{"endpoint": "e1"}}))
	require.NoError(t, s.Put(ctx, keyed, store.Record{"id": "c1", "data": map[string]interface{}{"endpoint": "e2"}}))

	rec, err := s.Get(ctx, keyed, store.Key{Partition: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", rec["id"])
	assert.Equal(t, "e2", rec["data"].(map[string]interface{})["endpoint"])

	assert.ErrorIs(t, s.Put(ctx, keyed, store.Record{"data": "x"}), store.ErrInvalidKey)
}

func testUpdateDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := store.Key{Partition: "c1"}

	assert.ErrorIs(t, s.Update(ctx, keyed, key, store.Record{"data": "x"}), store.ErrNotFound)

	require.NoError(t, s.Put(ctx, keyed, store.Record{"id": "c1", "data": map[string]interface{}{"a": "1", "b": "2"}, "createdAt": "t0"}))
	require.NoError(t, s.Update(ctx, keyed, key, store.Record{"data": map[string]interface{}{"c": "3"}}))

	rec, err := s.Get(ctx, keyed, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"c": "3"}, rec["data"])
	assert.Equal(t, "t0", rec["createdAt"])

	require.NoError(t, s.Delete(ctx, keyed, key))
	require.NoError(t, s.Delete(ctx, keyed, key))
	_, err = s.Get(ctx, keyed, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	max := s.MaxBatchItems()
	require.Greater(t, max, 1)

	reqs := make([]store.WriteRequest, 0, max+1)
	for i := 0; i <= max; i++ {
		reqs = append(reqs, store.PutRequest(keyed, store.Record{"id": fmt.Sprintf("c%03d", i)}))
	}
	assert.ErrorIs(t, s.BatchWrite(ctx, reqs), store.ErrBatchTooLarge)
	_, err := s.Get(ctx, keyed, store.Key{Partition: "c000"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.BatchWrite(ctx, reqs[:max]))
	_, err = s.Get(ctx, keyed, store.Key{Partition: "c000"})
	assert.NoError(t, err)

	mixed := []store.WriteRequest{
		store.DeleteRequest(keyed, store.Key{Partition: "c000"}),
		store.PutRequest(ranged, store.Record{"event": "a", "subscriptionId": "c:o"}),
	}
	require.NoError(t, s.BatchWrite(ctx, mixed))
	_, err = s.Get(ctx, keyed, store.Key{Partition: "c000"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, ranged, store.Key{Partition: "a", Sort: "c:o"})
	assert.NoError(t, err)
}

func testTransact(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.TransactWrite(ctx, []store.WriteRequest{
		store.PutRequest(keyed, store.Record{"id": "x"}),
		store.PutRequest(ranged, store.Record{"event": "a", "subscriptionId": "x:1"}),
	}))
	require.NoError(t, s.TransactWrite(ctx, []store.WriteRequest{
		store.DeleteRequest(keyed, store.Key{Partition: "x"}),
		store.DeleteRequest(ranged, store.Key{Partition: "a", Sort: "x:1"}),
	}))
	_, err := s.Get(ctx, keyed, store.Key{Partition: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, ranged, store.Key{Partition: "a", Sort: "x:1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute).Unix()
	future := now.Add(time.Hour).Unix()

	var want []string
	var reqs []store.WriteRequest
	flush := func() {
		if len(reqs) > 0 {
			require.NoError(t, s.BatchWrite(ctx, reqs))
			reqs = reqs[:0]
		}
	}
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("c%02d:op", i)
		rec := store.Record{"event": "a", "subscriptionId": id}
		switch i % 3 {
		case 0:
			rec["ttl"] = past
		case 1:
			rec["ttl"] = future
			want = append(want, id)
		default:
			want = append(want, id)
		}
		reqs = append(reqs, store.PutRequest(ranged, rec))
		if len(reqs) == s.MaxBatchItems() {
			flush()
		}
	}
	reqs = append(reqs, store.PutRequest(ranged, store.Record{"event": "b", "subscriptionId": "zz:op"}))
	flush()

	var got []string
	var cursor *store.Key
	pages := 0
	for {
		page, err := s.Query(ctx, store.QueryInput{Table: ranged, Partition: "a", ActiveAt: &now, Limit: 7, StartAfter: cursor})
		require.NoError(t, err)
		pages++
		assert.LessOrEqual(t, len(page.Records), 7)
		for _, rec := range page.Records {
			assert.True(t, store.Active(rec, now))
			got = append(got, rec["subscriptionId"].(string))
		}
		if page.LastKey == nil {
			break
		}
		cursor = page.LastKey
		require.Less(t, pages, 100)
	}
	assert.GreaterOrEqual(t, pages, 3)
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func testScan(t *testing.T, s store.Store) {
	ctx := context.Background()
	var reqs []store.WriteRequest
	for _, owner := range []string{"conn-1", "conn-10", "conn-2"} {
		for i := 0; i < 8; i++ {
			reqs = append(reqs, store.PutRequest(ranged, store.Record{
				"event":          fmt.Sprintf("ev%d", i),
				"subscriptionId": owner + ":" + fmt.Sprint(i),
			}))
			if len(reqs) == s.MaxBatchItems() {
				require.NoError(t, s.BatchWrite(ctx, reqs))
				reqs = reqs[:0]
			}
		}
	}
	if len(reqs) > 0 {
		require.NoError(t, s.BatchWrite(ctx, reqs))
	}

	deleted := 0
	var cursor *store.Key
	for i := 0; ; i++ {
		require.Less(t, i, 100)
		page, err := s.Scan(ctx, store.ScanInput{Table: ranged, PrefixField: "subscriptionId", Prefix: "conn-1:", Limit: 5, StartAfter: cursor})
		require.NoError(t, err)
		for _, rec := range page.Records {
			key, err := ranged.KeyOf(rec)
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, ranged, key))
			deleted++
		}
		if page.LastKey == nil {
			break
		}
		cursor = page.LastKey
	}
	assert.Equal(t, 8, deleted)

	remaining := 0
	cursor = nil
	for {
		page, err := s.Scan(ctx, store.ScanInput{Table: ranged, Limit: 50, StartAfter: cursor})
		require.NoError(t, err)
		for _, rec := range page.Records {
			assert.False(t, store.HasPrefix(rec, "subscriptionId", "conn-1:"))
			remaining++
		}
		if page.LastKey == nil {
			break
		}
		cursor = page.LastKey
	}
	assert.Equal(t, 16, remaining)
}
