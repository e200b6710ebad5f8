// Package mongo backs the key-value store with one MongoDB collection per
// logical table.
//
// Documents carry the record fields verbatim plus:
//
//	_id        {pk, sk} composite key
//	_expiresAt date mirror of ttl, indexed with expireAfterSeconds=0
//
// The server's TTL monitor removes expired documents lazily (about once a
// minute), so reads still filter on ttl.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/pkg/model"
)

const (
	// DefaultMaxBatchItems bounds one bulk write.
	DefaultMaxBatchItems = 500

	fieldID        = "_id"
	fieldExpiresAt = "_expiresAt"
	idPartition    = "_id.pk"
	idSort         = "_id.sk"
)

type Store struct {
	db           *mongo.Database
	maxBatch     int
	transactions bool

	mu      sync.Mutex
	indexed map[string]bool
}

type Option func(*Store)

func WithMaxBatchItems(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// WithTransactions toggles multi-document transactions for TransactWrite.
// Standalone servers do not support them; when disabled TransactWrite
// degrades to an unordered bulk write.
func WithTransactions(enabled bool) Option {
	return func(s *Store) { s.transactions = enabled }
}

var _ store.Store = (*Store)(nil)

func NewStore(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		db:           db,
		maxBatch:     DefaultMaxBatchItems,
		transactions: true,
		indexed:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) MaxBatchItems() int { return s.maxBatch }

// Close is a no-op; the Provider owns the client.
func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) coll(ctx context.Context, t store.Table) (*mongo.Collection, error) {
	c := s.db.Collection(t.Name)
	s.mu.Lock()
	done := s.indexed[t.Name]
	s.mu.Unlock()
	if done {
		return c, nil
	}
	if err := EnsureIndexes(ctx, c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.indexed[t.Name] = true
	s.mu.Unlock()
	return c, nil
}

// EnsureIndexes creates the TTL index and the ordered key index used by
// paginated queries and scans.
func EnsureIndexes(ctx context.Context, c *mongo.Collection) error {
	_, err := c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: fieldExpiresAt, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: idPartition, Value: 1}, {Key: idSort, Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", c.Name(), err)
	}
	return nil
}

func docID(k store.Key) bson.D {
	return bson.D{{Key: "pk", Value: k.Partition}, {Key: "sk", Value: k.Sort}}
}

func toDocument(key store.Key, rec store.Record) bson.M {
	doc := make(bson.M, len(rec)+2)
	for k, v := range rec {
		doc[k] = v
	}
	doc[fieldID] = docID(key)
	if exp := store.Expiry(rec); exp != nil {
		doc[fieldExpiresAt] = time.Unix(*exp, 0).UTC()
	}
	return doc
}

// Collection returns the collection backing t, creating its indexes on first use.
func (s *Store) Collection(ctx context.Context, t store.Table) (*mongo.Collection, error) {
	return s.coll(ctx, t)
}

// RecordFromDocument strips storage-only fields from a raw document, e.g. a
// change stream's fullDocument.
func RecordFromDocument(doc bson.M) store.Record {
	return fromDocument(doc)
}

func fromDocument(doc bson.M) store.Record {
	delete(doc, fieldID)
	delete(doc, fieldExpiresAt)
	return store.Record(normalize(doc).(map[string]interface{}))
}

// normalize converts driver container types into plain Go maps and slices.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}

func (s *Store) Get(ctx context.Context, t store.Table, key store.Key) (store.Record, error) {
	c, err := s.coll(ctx, t)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	err = c.FindOne(ctx, bson.M{fieldID: docID(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, model.WrapError(err)
	}
	return fromDocument(doc), nil
}

func (s *Store) Put(ctx context.Context, t store.Table, rec store.Record) error {
	key, err := t.KeyOf(rec)
	if err != nil {
		return err
	}
	c, err := s.coll(ctx, t)
	if err != nil {
		return err
	}
	_, err = c.ReplaceOne(ctx, bson.M{fieldID: docID(key)}, toDocument(key, rec), options.Replace().SetUpsert(true))
	return model.WrapError(err)
}

func (s *Store) Update(ctx context.Context, t store.Table, key store.Key, fields store.Record) error {
	c, err := s.coll(ctx, t)
	if err != nil {
		return err
	}
	set := bson.M{}
	for k, v := range fields {
		set[k] = v
	}
	if exp := store.Expiry(fields); exp != nil {
		set[fieldExpiresAt] = time.Unix(*exp, 0).UTC()
	}
	res, err := c.UpdateOne(ctx, bson.M{fieldID: docID(key)}, bson.M{"$set": set})
	if err != nil {
		return model.WrapError(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, t store.Table, key store.Key) error {
	c, err := s.coll(ctx, t)
	if err != nil {
		return err
	}
	_, err = c.DeleteOne(ctx, bson.M{fieldID: docID(key)})
	return model.WrapError(err)
}

// writeModels groups requests per collection, preserving order inside each.
func writeModels(reqs []store.WriteRequest) (map[string][]mongo.WriteModel, map[string]store.Table) {
	models := make(map[string][]mongo.WriteModel)
	tables := make(map[string]store.Table)
	for _, r := range reqs {
		tables[r.Table.Name] = r.Table
		if r.Put != nil {
			key, _ := r.Table.KeyOf(r.Put)
			models[r.Table.Name] = append(models[r.Table.Name], mongo.NewReplaceOneModel().
				SetFilter(bson.M{fieldID: docID(key)}).
				SetReplacement(toDocument(key, r.Put)).
				SetUpsert(true))
			continue
		}
		models[r.Table.Name] = append(models[r.Table.Name], mongo.NewDeleteOneModel().
			SetFilter(bson.M{fieldID: docID(*r.Delete)}))
	}
	return models, tables
}

// BatchWrite issues one unordered bulk write per collection. Like hosted
// batch APIs it is not atomic across collections.
func (s *Store) BatchWrite(ctx context.Context, reqs []store.WriteRequest) error {
	if err := store.ValidateWrites(reqs, s.maxBatch); err != nil {
		return err
	}
	return s.apply(ctx, reqs, false)
}

func (s *Store) apply(ctx context.Context, reqs []store.WriteRequest, ordered bool) error {
	models, tables := writeModels(reqs)
	for name, ms := range models {
		c, err := s.coll(ctx, tables[name])
		if err != nil {
			return err
		}
		if _, err := c.BulkWrite(ctx, ms, options.BulkWrite().SetOrdered(ordered)); err != nil {
			return model.WrapError(fmt.Errorf("bulk write on %s failed: %w", name, err))
		}
	}
	return nil
}

func (s *Store) TransactWrite(ctx context.Context, reqs []store.WriteRequest) error {
	if err := store.ValidateWrites(reqs, s.maxBatch); err != nil {
		return err
	}
	if !s.transactions {
		return s.apply(ctx, reqs, true)
	}
	// Collections and indexes cannot be created inside a transaction on older servers.
	for _, r := range reqs {
		if _, err := s.coll(ctx, r.Table); err != nil {
			return err
		}
	}
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, s.apply(sc, reqs, true)
	})
	if err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
			return fmt.Errorf("%w: %v", store.ErrTransactionConflict, err)
		}
		return model.WrapError(err)
	}
	return nil
}

func activeFilter(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{store.FieldTTL: nil},
		bson.M{store.FieldTTL: bson.M{"$gt": now.Unix()}},
	}}
}

func queryFilter(in store.QueryInput) bson.M {
	conds := bson.A{bson.M{idPartition: in.Partition}}
	if in.StartAfter != nil {
		conds = append(conds, bson.M{idSort: bson.M{"$gt": in.StartAfter.Sort}})
	}
	if in.ActiveAt != nil {
		conds = append(conds, activeFilter(*in.ActiveAt))
	}
	return bson.M{"$and": conds}
}

func scanFilter(in store.ScanInput) bson.M {
	conds := bson.A{}
	if in.StartAfter != nil {
		conds = append(conds, bson.M{"$or": bson.A{
			bson.M{idPartition: bson.M{"$gt": in.StartAfter.Partition}},
			bson.M{idPartition: in.StartAfter.Partition, idSort: bson.M{"$gt": in.StartAfter.Sort}},
		}})
	}
	if in.PrefixField != "" {
		conds = append(conds, bson.M{in.PrefixField: bson.M{"$regex": "^" + regexp.QuoteMeta(in.Prefix)}})
	}
	if len(conds) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": conds}
}

var keyOrder = bson.D{{Key: idPartition, Value: 1}, {Key: idSort, Value: 1}}

func (s *Store) Query(ctx context.Context, in store.QueryInput) (store.Page, error) {
	return s.find(ctx, in.Table, queryFilter(in), in.Limit)
}

func (s *Store) Scan(ctx context.Context, in store.ScanInput) (store.Page, error) {
	return s.find(ctx, in.Table, scanFilter(in), in.Limit)
}

func (s *Store) find(ctx context.Context, t store.Table, filter bson.M, limit int) (store.Page, error) {
	c, err := s.coll(ctx, t)
	if err != nil {
		return store.Page{}, err
	}
	opts := options.Find().SetSort(keyOrder)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := c.Find(ctx, filter, opts)
	if err != nil {
		return store.Page{}, model.WrapError(err)
	}
	defer cursor.Close(ctx)

	var page store.Page
	var last store.Key
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return store.Page{}, err
		}
		rec := fromDocument(doc)
		if last, err = t.KeyOf(rec); err != nil {
			return store.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := cursor.Err(); err != nil {
		return store.Page{}, model.WrapError(err)
	}
	if limit > 0 && len(page.Records) == limit {
		page.LastKey = &last
	}
	return page, nil
}
