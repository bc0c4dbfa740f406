// Package mongo implements Tentackl's durable primary store on MongoDB,
// an Options struct, a health-pingable client interface,
// interface, bson.M filter + $set upserts, FindOne+Decode with
// ErrNoDocuments handling, index creation at construction time, and thin
// collection/indexView/singleResult wrapper interfaces for testability).
// Domain types carry only JSON tags, so each collection stores queryable
// projection fields alongside the task/checkpoint/preference's full JSON
// encoding in a "doc" field, decoded back on read.
package mongo

import (
	"context"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"tentackl/internal/apperr"
)

const defaultOpTimeout = 5 * time.Second

// Options configures the shared Mongo connection every collection-specific
// store in this package is built from.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Database wraps one Mongo logical database and exposes the thin
// collection handles the collection-specific stores need, applying a
// shared operation timeout.
type Database struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

// NewDatabase validates opts and opens the database handle. It does not
// itself verify connectivity; call Ping for a liveness check.
func NewDatabase(opts Options) (*Database, error) {
	if opts.Client == nil {
		return nil, apperr.New(apperr.ValidationError, "store/mongo: Client is required")
	}
	if opts.Database == "" {
		return nil, apperr.New(apperr.ValidationError, "store/mongo: Database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Database{client: opts.Client, db: opts.Client.Database(opts.Database), timeout: timeout}, nil
}

// Ping verifies connectivity against the primary.
func (d *Database) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.client.Ping(ctx, readpref.Primary()); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: ping")
	}
	return nil
}

// RawCollection exposes the underlying driver collection for packages
// outside this one (internal/inbox) that own a single collection not
// otherwise wrapped here.
func (d *Database) RawCollection(name string) *mongodriver.Collection {
	return d.db.Collection(name)
}

func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Database) collection(name string) collection {
	return mongoCollection{coll: d.db.Collection(name)}
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error)
	DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
