package mongo

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/capflow/runtime/chain"
)

func TestClientInsertKeepsExistingAction(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()

	final := record("a-1", 0)
	final.Result = &chain.ResultRecord{Success: true, Value: json.RawMessage(`"ok"`), Metadata: json.RawMessage(`null`)}
	final.ResultHash = "seal"
	require.NoError(t, c.Replace(ctx, "main", final))
	require.NoError(t, c.Insert(ctx, "main", record("a-1", 0)))

	recs, err := c.Load(ctx, "main")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Result)
	assert.Equal(t, "seal", recs[0].ResultHash)
	assert.JSONEq(t, `"ok"`, string(recs[0].Result.Value))
}

func TestClientLoadOrdersBySeqWithinChain(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()

	for _, seq := range []uint64{2, 0, 1} {
		require.NoError(t, c.Insert(ctx, "main", record("m-"+string(rune('a'+seq)), seq)))
	}
	require.NoError(t, c.Insert(ctx, "other", record("o-a", 0)))

	recs, err := c.Load(ctx, "main")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, uint64(i), r.Seq) //nolint:gosec // test indices are small
	}
	assert.Equal(t, int64(1_700_000_000_000_000_000), recs[0].TimestampNS)
}

func TestClientValidatesInput(t *testing.T) {
	t.Parallel()

	c := &client{coll: newFakeCollection()}
	ctx := context.Background()

	require.Error(t, c.Insert(ctx, "", record("a", 0)))
	require.Error(t, c.Insert(ctx, "main", record("", 0)))
	require.Error(t, c.Replace(ctx, "main", chain.Record{ID: "a"}))
	_, err := c.Load(ctx, "")
	require.Error(t, err)
}

func TestClientPropagatesCursorErrors(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	coll.cursorErr = errors.New("network")
	c := &client{coll: coll}

	_, err := c.Load(context.Background(), "main")
	require.ErrorContains(t, err, "network")
}

func TestNewRequiresClientAndDatabase(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Database: "db"})
	require.Error(t, err)
	_, err = newClientWithCollection(nil, nil, 0)
	require.Error(t, err)
}

func TestEnsureIndexesCreatesChainSeqIndex(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Len(t, coll.indexes.models, 2)
	assert.Equal(t, bson.D{{Key: "chain", Value: 1}, {Key: "seq", Value: 1}}, coll.indexes.models[0].Keys)
}

func record(id string, seq uint64) chain.Record {
	return chain.Record{
		ID:          id,
		Seq:         seq,
		Type:        string(chain.ActionCapabilityCall),
		Arguments:   json.RawMessage(`["x"]`),
		Metadata:    json.RawMessage(`null`),
		TimestampNS: 1_700_000_000_000_000_000 + int64(seq), //nolint:gosec // test values are small
		Hash:        "h-" + id,
	}
}

type fakeCollection struct {
	mu        sync.Mutex
	docs      map[string]actionDocument
	indexes   *fakeIndexView
	cursorErr error
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: map[string]actionDocument{}, indexes: &fakeIndexView{}}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filterID(filter)
	if _, ok := c.docs[id]; ok {
		return &mongodriver.UpdateResult{MatchedCount: 1}, nil
	}
	for _, e := range update.(bson.D) {
		if e.Key != "$setOnInsert" {
			continue
		}
		doc := e.Value.(actionDocument)
		doc.ID = id
		c.docs[id] = doc
	}
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, _ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[filterID(filter)] = replacement.(actionDocument)
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var chainID string
	for _, e := range filter.(bson.D) {
		if e.Key == "chain" {
			chainID = e.Value.(string)
		}
	}
	var docs []actionDocument
	for _, d := range c.docs {
		if d.Chain == chainID {
			docs = append(docs, d)
		}
	}
	slices.SortFunc(docs, func(a, b actionDocument) int { return cmp.Compare(a.Seq, b.Seq) })
	return &fakeCursor{docs: docs, err: c.cursorErr}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return c.indexes
}

func filterID(filter any) string {
	for _, e := range filter.(bson.D) {
		if e.Key == "_id" {
			return e.Value.(string)
		}
	}
	return ""
}

type fakeIndexView struct {
	models []mongodriver.IndexModel
}

func (v *fakeIndexView) CreateMany(_ context.Context, models []mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) ([]string, error) {
	v.models = append(v.models, models...)
	return make([]string, len(models)), nil
}

type fakeCursor struct {
	docs []actionDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil || c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	p, ok := val.(*actionDocument)
	if !ok {
		return errors.New("unexpected decode target")
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                  { return c.err }
func (c *fakeCursor) Close(context.Context) error { return nil }
