package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
)

// Mongo implements Store on a MongoDB database. Live subscriptions use
// change streams and therefore need a replica set.
type Mongo struct {
	db      *mongo.Database
	timeout time.Duration
	log     *zap.Logger
}

func NewMongo(db *mongo.Database, timeout time.Duration, log *zap.Logger) *Mongo {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mongo{db: db, timeout: timeout, log: log}
}

// EnsureIndexes creates the indexes the query paths rely on.
func (s *Mongo) EnsureIndexes(ctx context.Context, idx map[string][]string) error {
	for coll, fields := range idx {
		keys := bson.D{}
		for _, f := range fields {
			keys = append(keys, bson.E{Key: f, Value: 1})
		}
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		_, err := s.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys})
		cancel()
		if err != nil {
			return fmt.Errorf("index %s: %w", coll, classify(err))
		}
	}
	return nil
}

func (s *Mongo) Get(ctx context.Context, collection, id string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var raw bson.M
	if err := s.db.Collection(collection).FindOne(ctx, bson.M{IDField: id}).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound(collection, id)
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, classify(err))
	}
	return fromBSON(raw), nil
}

func (s *Mongo) Put(ctx context.Context, collection, id string, doc Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.Collection(collection).ReplaceOne(ctx, bson.M{IDField: id}, toBSON(id, doc), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, classify(err))
	}
	return nil
}

func (s *Mongo) Create(ctx context.Context, collection, id string, doc Document) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	body := toBSON(id, doc)
	delete(body, IDField)
	res, err := s.db.Collection(collection).UpdateByID(ctx, id, bson.M{"$setOnInsert": body}, options.Update().SetUpsert(true))
	if err != nil {
		// two concurrent upserts on one _id: the loser sees a duplicate key
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s/%s: %w", collection, id, classify(err))
	}
	return res.UpsertedCount == 1, nil
}

func (s *Mongo) Update(ctx context.Context, collection, id string, u Update) error {
	if err := ValidateUpdate(u); err != nil {
		return err
	}
	set, unset := bson.M{}, bson.M{}
	for path, v := range u {
		if v == Remove {
			unset[path] = ""
			continue
		}
		set[path] = v
	}
	upd := bson.M{}
	if len(set) > 0 {
		upd["$set"] = set
	}
	if len(unset) > 0 {
		upd["$unset"] = unset
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.Collection(collection).UpdateByID(ctx, id, upd)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, classify(err))
	}
	if res.MatchedCount == 0 {
		return notFound(collection, id)
	}
	return nil
}

func (s *Mongo) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{IDField: id}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, classify(err))
	}
	return nil
}

func (s *Mongo) Query(ctx context.Context, q Query) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.find(ctx, q)
}

func (s *Mongo) DeleteWhere(ctx context.Context, q Query) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.Collection(q.Collection).DeleteMany(ctx, filterFor(q))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", q.Collection, classify(err))
	}
	return int(res.DeletedCount), nil
}

func (s *Mongo) WatchDoc(ctx context.Context, collection, id string) (Subscription, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}}}
	return s.watch(ctx, collection, pipeline, nil, func(ctx context.Context) (Snapshot, error) {
		doc, err := s.Get(ctx, collection, id)
		if errors.Is(err, apperr.ErrNotFound) {
			return Snapshot{Docs: []Document{}}, nil
		}
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Docs: []Document{doc}}, nil
	})
}

func (s *Mongo) WatchQuery(ctx context.Context, q Query) (Subscription, error) {
	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	return s.watch(ctx, q.Collection, watchPipeline(q), csOpts, func(ctx context.Context) (Snapshot, error) {
		docs, err := s.Query(ctx, q)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Docs: docs}, nil
	})
}

// watchPipeline narrows a query's change stream to events whose document
// matches q.Field. Deletes carry no full document, and neither does an
// update whose document is gone by lookup time, so both always pass and
// trigger a re-query.
func watchPipeline(q Query) mongo.Pipeline {
	if q.Field == "" {
		return mongo.Pipeline{}
	}
	return mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "fullDocument." + q.Field, Value: q.Value}},
		bson.D{{Key: "operationType", Value: "delete"}},
		bson.D{{Key: "fullDocument", Value: nil}},
	}}}}}}
}

// watch runs a change stream and pushes a fresh snapshot after it opens and
// after every event. Network failures reopen the stream with exponential
// backoff without surfacing to the subscriber; any other failure is
// delivered once as Snapshot.Err and ends the subscription.
func (s *Mongo) watch(ctx context.Context, collection string, pipeline mongo.Pipeline, csOpts *options.ChangeStreamOptions, load func(context.Context) (Snapshot, error)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := newLatestSub(cancel)
	coll := s.db.Collection(collection)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	op := func() error {
		var opts []*options.ChangeStreamOptions
		if csOpts != nil {
			opts = append(opts, csOpts)
		}
		stream, err := coll.Watch(ctx, pipeline, opts...)
		if err != nil {
			return retryable(ctx, err)
		}
		defer stream.Close(context.Background())
		b.Reset()

		snap, err := load(ctx)
		if err != nil {
			return retryable(ctx, err)
		}
		sub.push(snap)
		for stream.Next(ctx) {
			if snap, err = load(ctx); err != nil {
				return retryable(ctx, err)
			}
			sub.push(snap)
		}
		return retryable(ctx, stream.Err())
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("change stream interrupted, reopening",
			zap.String("collection", collection), zap.Duration("wait", wait), zap.Error(err))
	}

	go func() {
		err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
		if err != nil && ctx.Err() == nil {
			sub.push(Snapshot{Err: err})
		}
	}()
	return sub, nil
}

func retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	if err == nil {
		// stream ended without error; reopen it
		return errors.New("change stream closed")
	}
	err = classify(err)
	if apperr.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (s *Mongo) find(ctx context.Context, q Query) ([]Document, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	cur, err := s.db.Collection(q.Collection).Find(ctx, filterFor(q), opts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, classify(err))
	}
	defer cur.Close(ctx)

	out := []Document{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.Collection, err)
		}
		out = append(out, fromBSON(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, classify(err))
	}
	return out, nil
}

func filterFor(q Query) bson.M {
	if q.Field == "" {
		return bson.M{}
	}
	return bson.M{q.Field: q.Value}
}

// classify maps driver errors onto the apperr taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(13) || se.HasErrorCode(18)) {
		return fmt.Errorf("%w: %v", apperr.ErrPermission, err)
	}
	return err
}

func toBSON(id string, doc Document) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	out[IDField] = id
	return out
}

func fromBSON(raw bson.M) Document {
	out := make(Document, len(raw))
	for k, v := range raw {
		out[k] = normalize(v)
	}
	return out
}

// normalize converts driver container types into plain maps and slices so
// documents look the same whichever backend produced them.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.A:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = normalize(e)
		}
		return a
	case []any:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = normalize(e)
		}
		return a
	case int32:
		return int64(t)
	case primitive.DateTime:
		return int64(t)
	default:
		return v
	}
}
