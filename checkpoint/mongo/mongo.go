// Package mongo provides a MongoDB-backed checkpoint store. Each session's
// checkpoint is upserted into a single document keyed by session ID.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/maverde73/cortex-flow-sub000/checkpoint"
	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

const (
	defaultCollection = "workflow_checkpoints"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo checkpoint store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store persists checkpoints in MongoDB.
type Store struct {
	coll    collection
	timeout time.Duration
}

var _ checkpoint.Store = (*Store)(nil)

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := opts.Client.Database(opts.Database).Collection(name)
	return newStoreWithCollection(mongoCollection{coll: coll}, opts.Timeout), nil
}

func newStoreWithCollection(coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{coll: coll, timeout: timeout}
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, st *state.State) error {
	if st.SessionID == "" {
		return errors.New("session id is required")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": st.SessionID}
	update := bson.M{
		"$set": bson.M{
			"state":      payload,
			"updated_at": time.Now().UTC(),
		},
	}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (*state.State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc checkpointDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var st state.State
	if err := json.Unmarshal(doc.State, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &st, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

type checkpointDocument struct {
	SessionID string    `bson:"_id"`
	State     []byte    `bson:"state"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type (
	collection interface {
		UpdateOne(ctx context.Context, filter any, update any,
			opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
		FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
		DeleteOne(ctx context.Context, filter any,
			opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	}

	singleResult interface {
		Decode(val any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}

	mongoSingleResult struct {
		res *mongodriver.SingleResult
	}
)

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}
