// Package store defines the key-value contract the broker persists through.
//
// The contract mirrors a partitioned key-value store: point reads and
// writes by key, bounded batch writes, small transactions, partition
// queries with an expiry filter, and prefix scans. Pagination cursors are
// keys; a page may come back empty while still carrying a cursor, so callers
// must keep paging until LastKey is nil.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syntrixbase/broker/pkg/model"
)

// FieldTTL is the record field holding the optional absolute expiry (Unix seconds).
const FieldTTL = "ttl"

var (
	// ErrNotFound is returned by Get and Update when no record has the key
	ErrNotFound = fmt.Errorf("record %w", model.ErrNotFound)
	// ErrBatchTooLarge is returned when a write exceeds MaxBatchItems
	ErrBatchTooLarge = fmt.Errorf("%w: batch exceeds store limit", model.ErrInvalidArgument)
	// ErrInvalidKey is returned when a record lacks its key attributes
	ErrInvalidKey = fmt.Errorf("%w: missing key attribute", model.ErrInvalidArgument)
	// ErrTransactionConflict is returned when a transactional write is rejected
	ErrTransactionConflict = errors.New("transaction conflict")
)

// Record is one stored item.
type Record map[string]interface{}

// Table names a logical table and its key attributes. SortKey is empty for
// tables keyed by partition only.
type Table struct {
	Name         string
	PartitionKey string
	SortKey      string
}

// Key addresses one record.
type Key struct {
	Partition string
	Sort      string
}

func (k Key) String() string {
	if k.Sort == "" {
		return k.Partition
	}
	return k.Partition + "/" + k.Sort
}

// Less orders keys by partition then sort.
func (k Key) Less(o Key) bool {
	if k.Partition != o.Partition {
		return k.Partition < o.Partition
	}
	return k.Sort < o.Sort
}

// KeyOf extracts the key attributes of rec.
func (t Table) KeyOf(rec Record) (Key, error) {
	pk, ok := rec[t.PartitionKey].(string)
	if !ok || pk == "" {
		return Key{}, fmt.Errorf("%w: %s.%s", ErrInvalidKey, t.Name, t.PartitionKey)
	}
	k := Key{Partition: pk}
	if t.SortKey != "" {
		sk, ok := rec[t.SortKey].(string)
		if !ok || sk == "" {
			return Key{}, fmt.Errorf("%w: %s.%s", ErrInvalidKey, t.Name, t.SortKey)
		}
		k.Sort = sk
	}
	return k, nil
}

// WriteRequest is one item of a batch or transactional write: exactly one of
// Put or Delete is set.
type WriteRequest struct {
	Table  Table
	Put    Record
	Delete *Key
}

func PutRequest(t Table, rec Record) WriteRequest {
	return WriteRequest{Table: t, Put: rec}
}

func DeleteRequest(t Table, key Key) WriteRequest {
	return WriteRequest{Table: t, Delete: &key}
}

// QueryInput selects records of one partition in sort-key order.
type QueryInput struct {
	Table     Table
	Partition string
	// ActiveAt, when set, drops records whose ttl is <= ActiveAt.
	// Records without a ttl always pass.
	ActiveAt   *time.Time
	Limit      int
	StartAfter *Key
}

// ScanInput walks a whole table in key order, keeping records whose
// PrefixField value starts with Prefix.
type ScanInput struct {
	Table       Table
	PrefixField string
	Prefix      string
	Limit       int
	StartAfter  *Key
}

// Page is one result page. LastKey is nil when the table or partition is exhausted.
type Page struct {
	Records []Record
	LastKey *Key
}

// Store is the abstract key-value store.
type Store interface {
	Get(ctx context.Context, table Table, key Key) (Record, error)
	// Put creates or overwrites a record.
	Put(ctx context.Context, table Table, rec Record) error
	// Update sets top-level fields on an existing record.
	Update(ctx context.Context, table Table, key Key, fields Record) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, table Table, key Key) error
	// BatchWrite applies up to MaxBatchItems puts and deletes across tables.
	BatchWrite(ctx context.Context, reqs []WriteRequest) error
	// TransactWrite applies all requests or none.
	TransactWrite(ctx context.Context, reqs []WriteRequest) error
	Query(ctx context.Context, in QueryInput) (Page, error)
	Scan(ctx context.Context, in ScanInput) (Page, error)
	MaxBatchItems() int
	Close(ctx context.Context) error
}

// Sweeper is implemented by backends without native expiry. Sweep deletes
// records whose ttl has elapsed at now and returns how many it removed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}
