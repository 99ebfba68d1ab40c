package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/store"
)

func newTestStore(t *testing.T) (*Store, *fakeDataflows, *fakeCommands) {
	t.Helper()
	dataflows := newFakeDataflows()
	nodes := newFakeNodes()
	data := newFakeData()
	commands := newFakeCommands()
	s, err := newStoreWithCollections(nil, dataflows, nodes, data, commands, time.Second, nil)
	require.NoError(t, err)
	return s, dataflows, commands
}

func createTestDataflow(t *testing.T, s *Store) string {
	t.Helper()
	id := flow.NewID()
	require.NoError(t, s.CreateDataflow(context.Background(), &flow.Dataflow{
		ID:      id,
		OwnerID: "alice",
		Status:  flow.DataflowPending,
	}))
	return id
}

func TestEnsureIndexes(t *testing.T) {
	t.Parallel()

	dataflows := newFakeDataflows()
	nodes := newFakeNodes()
	data := newFakeData()
	commands := newFakeCommands()
	require.NoError(t, ensureIndexes(context.Background(), dataflows, nodes, data, commands))
	require.Equal(t, 2, dataflows.indexCreated)
	require.Equal(t, 3, nodes.indexCreated)
	require.Equal(t, 2, data.indexCreated)
	require.Equal(t, 1, commands.indexCreated)
}

func TestCreateDataflow(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	id := createTestDataflow(t, s)

	df, err := s.Dataflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, flow.DataflowPending, df.Status)
	require.Equal(t, "alice", df.OwnerID)
	require.False(t, df.CreatedAt.IsZero())

	err = s.CreateDataflow(ctx, &flow.Dataflow{ID: id, Status: flow.DataflowPending})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestApplyAndRead(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	df := createTestDataflow(t, s)

	parent, child := flow.NewID(), flow.NewID()
	res, err := s.Apply(ctx, df, 0, []*command.Command{
		command.New(df, command.CreateNode{NodeID: parent, NodeType: "func", Status: flow.NodePending}),
		command.New(df, command.CreateNode{NodeID: child, NodeType: "func", ParentNodeID: parent, Status: flow.NodePending}),
		command.New(df, command.CreateData{
			DataID:      flow.NewID(),
			DataType:    flow.DataNodeInput,
			NodeID:      child,
			Key:         "default",
			Content:     []byte(`{"n":1}`),
			ContentType: flow.ContentTypeJSON,
		}),
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Seq)
	require.Len(t, res.Nodes, 2)
	require.Len(t, res.Data, 1)

	n, err := s.Node(ctx, child)
	require.NoError(t, err)
	require.Equal(t, []string{parent}, n.Ancestors)

	nodes, err := s.ListNodes(ctx, df, store.NodeFilter{RootsOnly: true})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, parent, nodes[0].ID)

	items, err := s.ListData(ctx, df, store.DataFilter{NodeID: child, Type: flow.DataNodeInput})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, `{"n":1}`, string(items[0].Content))

	cmds, err := s.Commands(ctx, df, 0)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	require.Equal(t, command.TypeCreateNode, cmds[0].Type)
	require.Equal(t, int64(1), cmds[0].Seq)
	require.False(t, cmds[0].AppliedAt.IsZero())

	tail, err := s.Commands(ctx, df, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, command.TypeCreateData, tail[0].Type)
}

func TestApplyConflict(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	df := createTestDataflow(t, s)

	_, err := s.Apply(ctx, df, 0, []*command.Command{
		command.New(df, command.CreateNode{NodeID: flow.NewID(), NodeType: "func", Status: flow.NodePending}),
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, df, 0, []*command.Command{
		command.New(df, command.CreateNode{NodeID: flow.NewID(), NodeType: "func", Status: flow.NodePending}),
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _, commands := newTestStore(t)
	ctx := context.Background()
	df := createTestDataflow(t, s)

	batch := []*command.Command{
		command.New(df, command.CreateNode{NodeID: flow.NewID(), NodeType: "func", Status: flow.NodePending}),
	}
	res, err := s.Apply(ctx, df, 0, batch)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Seq)

	// Same batch at the same expected seq acknowledges without re-applying.
	again, err := s.Apply(ctx, df, 0, batch)
	require.NoError(t, err)
	require.Equal(t, int64(1), again.Seq)
	require.Len(t, commands.docs, 1)
}

func TestApplyRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	df := createTestDataflow(t, s)

	// Status update for a node that does not exist.
	_, err := s.Apply(ctx, df, 0, []*command.Command{
		command.New(df, command.UpdateNodeStatus{NodeID: flow.NewID(), Status: flow.NodeRunning}),
	})
	require.ErrorIs(t, err, store.ErrInvalidPayload)

	// Nothing was reserved: the original seq still works.
	_, err = s.Apply(ctx, df, 0, []*command.Command{
		command.New(df, command.CreateNode{NodeID: flow.NewID(), NodeType: "func", Status: flow.NodePending}),
	})
	require.NoError(t, err)
}

func TestSetDataflowStatus(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	df := createTestDataflow(t, s)

	require.NoError(t, s.SetDataflowStatus(ctx, df, flow.DataflowRunning))
	// Repeating the current status is a no-op.
	require.NoError(t, s.SetDataflowStatus(ctx, df, flow.DataflowRunning))
	require.NoError(t, s.SetDataflowStatus(ctx, df, flow.DataflowCompleted))

	err := s.SetDataflowStatus(ctx, df, flow.DataflowRunning)
	require.ErrorIs(t, err, store.ErrInvalidPayload)

	err = s.SetDataflowStatus(ctx, "missing", flow.DataflowRunning)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReferenceResolution(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	df := createTestDataflow(t, s)

	node := flow.NewID()
	targetID, refID, chainID := flow.NewID(), flow.NewID(), flow.NewID()
	_, err := s.Apply(ctx, df, 0, []*command.Command{
		command.New(df, command.CreateNode{NodeID: node, NodeType: "func", Status: flow.NodePending}),
		command.New(df, command.CreateData{
			DataID: targetID, DataType: flow.DataNodeOutput, NodeID: node,
			Content: []byte(`{"big":true}`), ContentType: flow.ContentTypeJSON,
		}),
		command.New(df, command.CreateData{
			DataID: refID, DataType: flow.DataNodeInput, NodeID: node,
			Content: []byte(targetID), ContentType: flow.ContentTypeReference,
		}),
		command.New(df, command.CreateData{
			DataID: chainID, DataType: flow.DataNodeInput, NodeID: node,
			Content: []byte(refID), ContentType: flow.ContentTypeReference,
		}),
	})
	require.NoError(t, err)

	raw, err := s.Data(ctx, refID, false)
	require.NoError(t, err)
	require.Equal(t, targetID, string(raw.Content))

	resolved, err := s.Data(ctx, refID, true)
	require.NoError(t, err)
	require.Equal(t, `{"big":true}`, string(resolved.Content))
	require.Equal(t, flow.ContentTypeJSON, resolved.ContentType)

	_, err = s.Data(ctx, chainID, true)
	require.ErrorIs(t, err, store.ErrReferenceChain)
}

func TestListDataflowsFilterAndPaging(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		owner := "alice"
		if i == 2 {
			owner = "bob"
		}
		require.NoError(t, s.CreateDataflow(ctx, &flow.Dataflow{
			ID:      flow.NewID(),
			OwnerID: owner,
			Status:  flow.DataflowPending,
		}))
	}

	all, err := s.ListDataflows(ctx, store.DataflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].ID < all[j].ID }))

	alices, err := s.ListDataflows(ctx, store.DataflowFilter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, alices, 2)

	page, err := s.ListDataflows(ctx, store.DataflowFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, all[1].ID, page[0].ID)
}

func TestReadMissing(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Dataflow(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Node(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Data(ctx, "missing", false)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ListNodes(ctx, "missing", store.NodeFilter{})
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Commands(ctx, "missing", 0)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// --- fakes ---

func duplicateKeyError() error {
	return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch t := val.(type) {
	case *dataflowDocument:
		*t = r.doc.(dataflowDocument)
	case *nodeDocument:
		*t = r.doc.(nodeDocument)
	case *dataDocument:
		*t = r.doc.(dataDocument)
	case *commandDocument:
		*t = r.doc.(commandDocument)
	default:
		return errors.New("unsupported decode target")
	}
	return nil
}

type fakeCursor struct {
	docs []any
	next int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.next >= len(c.docs) {
		return false
	}
	c.next++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	return fakeSingleResult{doc: c.docs[c.next-1]}.Decode(val)
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

type fakeDataflows struct {
	mu           sync.Mutex
	docs         map[string]dataflowDocument
	indexCreated int
}

func newFakeDataflows() *fakeDataflows {
	return &fakeDataflows{docs: make(map[string]dataflowDocument)}
}

func (c *fakeDataflows) FindOne(_ context.Context, filter bson.M) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filter["_id"].(string)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeDataflows) Find(_ context.Context, filter bson.M, opts findOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var docs []any
	var skipped int64
	for _, id := range ids {
		doc := c.docs[id]
		if owner, ok := filter["owner"].(string); ok && doc.Owner != owner {
			continue
		}
		if status, ok := filter["status"].(string); ok && doc.Status != status {
			continue
		}
		if skipped < opts.skip {
			skipped++
			continue
		}
		docs = append(docs, doc)
		if opts.limit > 0 && int64(len(docs)) == opts.limit {
			break
		}
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeDataflows) InsertOne(_ context.Context, doc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := doc.(dataflowDocument)
	if _, dup := c.docs[d.ID]; dup {
		return duplicateKeyError()
	}
	c.docs[d.ID] = d
	return nil
}

func (c *fakeDataflows) InsertMany(context.Context, []any) error {
	return errors.New("unsupported")
}

func (c *fakeDataflows) UpdateOne(_ context.Context, filter bson.M, update bson.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filter["_id"].(string)]
	if !ok {
		return 0, nil
	}
	if seq, hasSeq := filter["seq"].(int64); hasSeq && doc.Seq != seq {
		return 0, nil
	}
	set := update["$set"].(bson.M)
	if v, ok := set["status"].(string); ok {
		doc.Status = v
	}
	if v, ok := set["seq"].(int64); ok {
		doc.Seq = v
	}
	if v, ok := set["updated_at"].(time.Time); ok {
		doc.UpdatedAt = v
	}
	c.docs[doc.ID] = doc
	return 1, nil
}

func (c *fakeDataflows) ReplaceOne(context.Context, bson.M, any) error {
	return errors.New("unsupported")
}

func (c *fakeDataflows) CreateIndexes(_ context.Context, models []mongodriver.IndexModel) error {
	c.indexCreated += len(models)
	return nil
}

type fakeNodes struct {
	mu           sync.Mutex
	docs         map[string]nodeDocument
	indexCreated int
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{docs: make(map[string]nodeDocument)}
}

func (c *fakeNodes) FindOne(_ context.Context, filter bson.M) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filter["_id"].(string)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeNodes) Find(_ context.Context, filter bson.M, _ findOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var docs []any
	for _, id := range ids {
		doc := c.docs[id]
		if doc.DataflowID != filter["dataflow_id"].(string) {
			continue
		}
		if parent, ok := filter["parent_id"].(string); ok && doc.ParentID != parent {
			continue
		}
		if status, ok := filter["status"].(string); ok && doc.Status != status {
			continue
		}
		if typ, ok := filter["type"].(string); ok && doc.Type != typ {
			continue
		}
		docs = append(docs, doc)
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeNodes) InsertOne(context.Context, any) error {
	return errors.New("unsupported")
}

func (c *fakeNodes) InsertMany(context.Context, []any) error {
	return errors.New("unsupported")
}

func (c *fakeNodes) UpdateOne(context.Context, bson.M, bson.M) (int64, error) {
	return 0, errors.New("unsupported")
}

func (c *fakeNodes) ReplaceOne(_ context.Context, filter bson.M, doc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[filter["_id"].(string)] = doc.(nodeDocument)
	return nil
}

func (c *fakeNodes) CreateIndexes(_ context.Context, models []mongodriver.IndexModel) error {
	c.indexCreated += len(models)
	return nil
}

type fakeData struct {
	mu           sync.Mutex
	docs         map[string]dataDocument
	indexCreated int
}

func newFakeData() *fakeData {
	return &fakeData{docs: make(map[string]dataDocument)}
}

func (c *fakeData) FindOne(_ context.Context, filter bson.M) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filter["_id"].(string)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeData) Find(_ context.Context, filter bson.M, _ findOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var docs []any
	for _, id := range ids {
		doc := c.docs[id]
		if doc.DataflowID != filter["dataflow_id"].(string) {
			continue
		}
		if nodeID, ok := filter["node_id"].(string); ok && doc.NodeID != nodeID {
			continue
		}
		if typ, ok := filter["data_type"].(string); ok && doc.DataType != typ {
			continue
		}
		if key, ok := filter["key"].(string); ok && doc.Key != key {
			continue
		}
		docs = append(docs, doc)
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeData) InsertOne(context.Context, any) error {
	return errors.New("unsupported")
}

func (c *fakeData) InsertMany(context.Context, []any) error {
	return errors.New("unsupported")
}

func (c *fakeData) UpdateOne(context.Context, bson.M, bson.M) (int64, error) {
	return 0, errors.New("unsupported")
}

func (c *fakeData) ReplaceOne(_ context.Context, filter bson.M, doc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[filter["_id"].(string)] = doc.(dataDocument)
	return nil
}

func (c *fakeData) CreateIndexes(_ context.Context, models []mongodriver.IndexModel) error {
	c.indexCreated += len(models)
	return nil
}

type fakeCommands struct {
	mu           sync.Mutex
	docs         []commandDocument
	indexCreated int
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{}
}

func (c *fakeCommands) FindOne(context.Context, bson.M) singleResult {
	return fakeSingleResult{err: errors.New("unsupported")}
}

func (c *fakeCommands) Find(_ context.Context, filter bson.M, _ findOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seqFilter, _ := filter["seq"].(bson.M)
	gt, _ := seqFilter["$gt"].(int64)
	lte, hasLTE := seqFilter["$lte"].(int64)

	docs := make([]commandDocument, 0, len(c.docs))
	for _, doc := range c.docs {
		if doc.DataflowID != filter["dataflow_id"].(string) {
			continue
		}
		if doc.Seq <= gt {
			continue
		}
		if hasLTE && doc.Seq > lte {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Seq < docs[j].Seq })
	out := make([]any, len(docs))
	for i, doc := range docs {
		out[i] = doc
	}
	return &fakeCursor{docs: out}, nil
}

func (c *fakeCommands) InsertOne(context.Context, any) error {
	return errors.New("unsupported")
}

func (c *fakeCommands) InsertMany(_ context.Context, docs []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		c.docs = append(c.docs, doc.(commandDocument))
	}
	return nil
}

func (c *fakeCommands) UpdateOne(context.Context, bson.M, bson.M) (int64, error) {
	return 0, errors.New("unsupported")
}

func (c *fakeCommands) ReplaceOne(context.Context, bson.M, any) error {
	return errors.New("unsupported")
}

func (c *fakeCommands) CreateIndexes(_ context.Context, models []mongodriver.IndexModel) error {
	c.indexCreated += len(models)
	return nil
}
