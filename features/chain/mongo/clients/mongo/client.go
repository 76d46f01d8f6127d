// Package mongo implements the low-level MongoDB client used by the ledger
// sink.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/capflow/runtime/chain"
)

type (
	// Client exposes Mongo-backed operations for persisted ledger actions.
	Client interface {
		health.Pinger

		// Insert stores rec unless an action with the same ID exists.
		Insert(ctx context.Context, chainID string, rec chain.Record) error
		// Replace stores rec, overwriting any previous version.
		Replace(ctx context.Context, chainID string, rec chain.Record) error
		// Load returns the actions of chainID ordered by sequence.
		Load(ctx context.Context, chainID string) ([]chain.Record, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	actionDocument struct {
		ID           string          `bson:"_id,omitempty"`
		Chain        string          `bson:"chain"`
		Seq          int64           `bson:"seq"`
		Type         string          `bson:"type"`
		ParentID     string          `bson:"parent_id,omitempty"`
		PlanID       string          `bson:"plan_id,omitempty"`
		IntentID     string          `bson:"intent_id,omitempty"`
		SessionID    string          `bson:"session_id,omitempty"`
		CapabilityID string          `bson:"capability_id,omitempty"`
		FunctionName string          `bson:"function_name,omitempty"`
		Arguments    string          `bson:"arguments"`
		Metadata     string          `bson:"metadata"`
		Timestamp    time.Time       `bson:"timestamp"`
		TimestampNS  int64           `bson:"timestamp_ns"`
		Cost         float64         `bson:"cost,omitempty"`
		DurationNS   int64           `bson:"duration_ns,omitempty"`
		Hash         string          `bson:"hash"`
		Result       *resultDocument `bson:"result,omitempty"`
		ResultHash   string          `bson:"result_hash,omitempty"`
	}

	resultDocument struct {
		Success    bool    `bson:"success"`
		Value      string  `bson:"value"`
		Metadata   string  `bson:"metadata"`
		Cost       float64 `bson:"cost,omitempty"`
		DurationNS int64   `bson:"duration_ns,omitempty"`
	}
)

const (
	defaultCollection = "capflow_actions"
	defaultTimeout    = 5 * time.Second
	clientName        = "chain-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Insert(ctx context.Context, chainID string, rec chain.Record) error {
	if err := validate(chainID, rec); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := toDocument(chainID, rec)
	doc.ID = ""
	_, err := c.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: rec.ID}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("insert action %s: %w", rec.ID, err)
	}
	return nil
}

func (c *client) Replace(ctx context.Context, chainID string, rec chain.Record) error {
	if err := validate(chainID, rec); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: rec.ID}},
		toDocument(chainID, rec),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace action %s: %w", rec.ID, err)
	}
	return nil
}

func (c *client) Load(ctx context.Context, chainID string) (recs []chain.Record, err error) {
	if chainID == "" {
		return nil, errors.New("chain id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, bson.D{{Key: "chain", Value: chainID}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc actionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, fromDocument(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func validate(chainID string, rec chain.Record) error {
	if chainID == "" {
		return errors.New("chain id is required")
	}
	if rec.ID == "" {
		return errors.New("action id is required")
	}
	if rec.Type == "" {
		return errors.New("action type is required")
	}
	return nil
}

func toDocument(chainID string, rec chain.Record) actionDocument {
	doc := actionDocument{
		ID:           rec.ID,
		Chain:        chainID,
		Seq:          int64(rec.Seq), //nolint:gosec // sequence numbers fit in int64
		Type:         rec.Type,
		ParentID:     rec.ParentID,
		PlanID:       rec.PlanID,
		IntentID:     rec.IntentID,
		SessionID:    rec.SessionID,
		CapabilityID: rec.CapabilityID,
		FunctionName: rec.FunctionName,
		Arguments:    string(rec.Arguments),
		Metadata:     string(rec.Metadata),
		Timestamp:    time.Unix(0, rec.TimestampNS).UTC(),
		TimestampNS:  rec.TimestampNS,
		Cost:         rec.Cost,
		DurationNS:   rec.DurationNS,
		Hash:         rec.Hash,
		ResultHash:   rec.ResultHash,
	}
	if r := rec.Result; r != nil {
		doc.Result = &resultDocument{
			Success:    r.Success,
			Value:      string(r.Value),
			Metadata:   string(r.Metadata),
			Cost:       r.Cost,
			DurationNS: r.DurationNS,
		}
	}
	return doc
}

func fromDocument(doc actionDocument) chain.Record {
	rec := chain.Record{
		ID:           doc.ID,
		ParentID:     doc.ParentID,
		Seq:          uint64(doc.Seq), //nolint:gosec // stored from a uint64
		Type:         doc.Type,
		PlanID:       doc.PlanID,
		IntentID:     doc.IntentID,
		SessionID:    doc.SessionID,
		CapabilityID: doc.CapabilityID,
		FunctionName: doc.FunctionName,
		Arguments:    []byte(doc.Arguments),
		Metadata:     []byte(doc.Metadata),
		TimestampNS:  doc.TimestampNS,
		Cost:         doc.Cost,
		DurationNS:   doc.DurationNS,
		Hash:         doc.Hash,
		ResultHash:   doc.ResultHash,
	}
	if r := doc.Result; r != nil {
		rec.Result = &chain.ResultRecord{
			Success:    r.Success,
			Value:      []byte(r.Value),
			Metadata:   []byte(r.Metadata),
			Cost:       r.Cost,
			DurationNS: r.DurationNS,
		}
	}
	return rec
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "chain", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}},
		},
	})
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) ([]string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
