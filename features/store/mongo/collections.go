package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type (
	// collection is the slice of the Mongo collection API the store uses.
	// Keeping options out of the seam keeps the fakes trivial.
	collection interface {
		FindOne(ctx context.Context, filter bson.M) singleResult
		Find(ctx context.Context, filter bson.M, opts findOptions) (cursor, error)
		InsertOne(ctx context.Context, doc any) error
		InsertMany(ctx context.Context, docs []any) error
		// UpdateOne applies update to the first document matching filter
		// and reports how many documents matched.
		UpdateOne(ctx context.Context, filter bson.M, update bson.M) (int64, error)
		// ReplaceOne upserts doc under filter.
		ReplaceOne(ctx context.Context, filter bson.M, doc any) error
		CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error
	}

	// findOptions carries the only query modifiers the store needs.
	findOptions struct {
		sort  bson.D
		skip  int64
		limit int64
	}

	singleResult interface {
		Decode(val any) error
	}

	cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}

	mongoSingleResult struct {
		res *mongodriver.SingleResult
	}

	mongoCursor struct {
		cur *mongodriver.Cursor
	}
)

func (c mongoCollection) FindOne(ctx context.Context, filter bson.M) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter)}
}

func (c mongoCollection) Find(ctx context.Context, filter bson.M, opts findOptions) (cursor, error) {
	builder := options.Find()
	if len(opts.sort) > 0 {
		builder = builder.SetSort(opts.sort)
	}
	if opts.skip > 0 {
		builder = builder.SetSkip(opts.skip)
	}
	if opts.limit > 0 {
		builder = builder.SetLimit(opts.limit)
	}
	cur, err := c.coll.Find(ctx, filter, builder)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) InsertMany(ctx context.Context, docs []any) error {
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter bson.M, update bson.M) (int64, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter bson.M, doc any) error {
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c mongoCollection) CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error {
	if len(models) == 0 {
		return nil
	}
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return err
}

func (r mongoSingleResult) Decode(val any) error { return r.res.Decode(val) }

func (c mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error          { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                    { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
