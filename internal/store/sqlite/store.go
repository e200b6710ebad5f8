// Package sqlite is an embedded, durable store backend.
//
// Each logical table becomes one SQLite table holding the key columns, the
// optional ttl and the JSON-encoded record body. Tables are created on first
// use. SQLite has no native expiry, so the store implements store.Sweeper.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"

	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/pkg/model"
)

// DefaultMaxBatchItems bounds one batch or transaction.
const DefaultMaxBatchItems = 100

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Store keeps a single connection; SQLite allows one writer at a time.
type Store struct {
	db       *sql.DB
	maxBatch int

	mu      sync.Mutex
	ensured map[string]bool
}

type Option func(*Store)

func WithMaxBatchItems(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

var _ store.Store = (*Store)(nil)
var _ store.Sweeper = (*Store)(nil)

// Open creates or opens the database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, maxBatch: DefaultMaxBatchItems, ensured: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks that the database is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) MaxBatchItems() int { return s.maxBatch }

func quote(name string) string {
	return `"` + name + `"`
}

func (s *Store) ensureTable(ctx context.Context, t store.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[t.Name] {
		return nil
	}
	if !tableNameRe.MatchString(t.Name) {
		return fmt.Errorf("%w: table name %q", model.ErrInvalidArgument, t.Name)
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			pk   TEXT NOT NULL,
			sk   TEXT NOT NULL DEFAULT '',
			ttl  INTEGER,
			body TEXT NOT NULL,
			PRIMARY KEY (pk, sk)
		) WITHOUT ROWID`, quote(t.Name)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (ttl) WHERE ttl IS NOT NULL`, quote(t.Name+"_ttl"), quote(t.Name)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
	}
	s.ensured[t.Name] = true
	return nil
}

func (s *Store) Get(ctx context.Context, t store.Table, key store.Key) (store.Record, error) {
	if err := s.ensureTable(ctx, t); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT body FROM %s WHERE pk = ? AND sk = ?`, quote(t.Name)),
		key.Partition, key.Sort,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, model.WrapError(err)
	}
	return decode(body)
}

func (s *Store) Put(ctx context.Context, t store.Table, rec store.Record) error {
	return s.BatchWrite(ctx, []store.WriteRequest{store.PutRequest(t, rec)})
}

func (s *Store) Delete(ctx context.Context, t store.Table, key store.Key) error {
	return s.BatchWrite(ctx, []store.WriteRequest{store.DeleteRequest(t, key)})
}

func (s *Store) Update(ctx context.Context, t store.Table, key store.Key, fields store.Record) error {
	if err := s.ensureTable(ctx, t); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT body FROM %s WHERE pk = ? AND sk = ?`, quote(t.Name)),
			key.Partition, key.Sort,
		).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err := decode(body)
		if err != nil {
			return err
		}
		for k, v := range fields {
			rec[k] = v
		}
		return putTx(ctx, tx, t, key, rec)
	})
}

// BatchWrite runs inside one transaction, so batches are atomic.
func (s *Store) BatchWrite(ctx context.Context, reqs []store.WriteRequest) error {
	if err := store.ValidateWrites(reqs, s.maxBatch); err != nil {
		return err
	}
	for _, r := range reqs {
		if err := s.ensureTable(ctx, r.Table); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range reqs {
			if r.Put != nil {
				key, _ := r.Table.KeyOf(r.Put)
				if err := putTx(ctx, tx, r.Table, key, r.Put); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE pk = ? AND sk = ?`, quote(r.Table.Name)),
				r.Delete.Partition, r.Delete.Sort,
			); err != nil {
				return fmt.Errorf("failed to delete %s from %s: %w", r.Delete, r.Table.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) TransactWrite(ctx context.Context, reqs []store.WriteRequest) error {
	return s.BatchWrite(ctx, reqs)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return model.WrapError(err)
	}
	if err := tx.Commit(); err != nil {
		return model.WrapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func putTx(ctx context.Context, tx *sql.Tx, t store.Table, key store.Key, rec store.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	var ttl sql.NullInt64
	if exp := store.Expiry(rec); exp != nil {
		ttl = sql.NullInt64{Int64: *exp, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (pk, sk, ttl, body) VALUES (?, ?, ?, ?)`, quote(t.Name)),
		key.Partition, key.Sort, ttl, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to put %s into %s: %w", key, t.Name, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, in store.QueryInput) (store.Page, error) {
	if err := s.ensureTable(ctx, in.Table); err != nil {
		return store.Page{}, err
	}
	var where []string
	args := []interface{}{}
	where = append(where, "pk = ?")
	args = append(args, in.Partition)
	if in.StartAfter != nil {
		where = append(where, "sk > ?")
		args = append(args, in.StartAfter.Sort)
	}
	if in.ActiveAt != nil {
		where = append(where, "(ttl IS NULL OR ttl > ?)")
		args = append(args, in.ActiveAt.Unix())
	}
	q := fmt.Sprintf(`SELECT pk, sk, body FROM %s WHERE %s ORDER BY sk LIMIT ?`,
		quote(in.Table.Name), strings.Join(where, " AND "))
	return s.page(ctx, q, append(args, limitArg(in.Limit)), in.Limit)
}

func (s *Store) Scan(ctx context.Context, in store.ScanInput) (store.Page, error) {
	if err := s.ensureTable(ctx, in.Table); err != nil {
		return store.Page{}, err
	}
	where := []string{"1 = 1"}
	args := []interface{}{}
	if in.StartAfter != nil {
		where = append(where, "(pk, sk) > (?, ?)")
		args = append(args, in.StartAfter.Partition, in.StartAfter.Sort)
	}
	if in.PrefixField != "" {
		where = append(where, fmt.Sprintf("substr(%s, 1, ?) = ?", fieldExpr(in.Table, in.PrefixField)))
		args = append(args, utf8.RuneCountInString(in.Prefix), in.Prefix)
	}
	q := fmt.Sprintf(`SELECT pk, sk, body FROM %s WHERE %s ORDER BY pk, sk LIMIT ?`,
		quote(in.Table.Name), strings.Join(where, " AND "))
	return s.page(ctx, q, append(args, limitArg(in.Limit)), in.Limit)
}

func fieldExpr(t store.Table, field string) string {
	switch field {
	case t.PartitionKey:
		return "pk"
	case t.SortKey:
		return "sk"
	}
	return fmt.Sprintf(`json_extract(body, '$."%s"')`, strings.ReplaceAll(field, "'", "''"))
}

func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *Store) page(ctx context.Context, q string, args []interface{}, limit int) (store.Page, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return store.Page{}, model.WrapError(err)
	}
	defer rows.Close()

	var page store.Page
	var last store.Key
	for rows.Next() {
		var body string
		if err := rows.Scan(&last.Partition, &last.Sort, &body); err != nil {
			return store.Page{}, err
		}
		rec, err := decode(body)
		if err != nil {
			return store.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, model.WrapError(err)
	}
	if limit > 0 && len(page.Records) == limit {
		page.LastKey = &last
	}
	return page, nil
}

// Sweep deletes expired rows from every table in the database.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return 0, model.WrapError(err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		if tableNameRe.MatchString(name) && !strings.HasPrefix(name, "sqlite_") {
			tables = append(tables, name)
		}
	}
	rows.Close()

	removed := 0
	for _, name := range tables {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE ttl IS NOT NULL AND ttl <= ?`, quote(name)), now.Unix())
		if err != nil {
			return removed, fmt.Errorf("failed to sweep %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

func decode(body string) (store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}
