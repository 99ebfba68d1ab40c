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

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/store"
	"goa.design/dataflow/runtime/flow/telemetry"
)

const (
	defaultDataflowsCollection = "dataflows"
	defaultNodesCollection     = "nodes"
	defaultDataCollection      = "data"
	defaultCommandsCollection  = "commands"
	defaultOpTimeout           = 5 * time.Second
	storeName                  = "dataflow-mongo"
)

type (
	// Options configures the Mongo store.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection names default to dataflows/nodes/data/commands.
		DataflowsCollection string
		NodesCollection     string
		DataCollection      string
		CommandsCollection  string
		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
		// Logger defaults to a noop.
		Logger telemetry.Logger
	}

	// Store implements store.Store on MongoDB. It also implements
	// clue/health Pinger so servers can mount it on their health check.
	Store struct {
		client    *mongodriver.Client
		dataflows collection
		nodes     collection
		data      collection
		commands  collection
		timeout   time.Duration
		logger    telemetry.Logger
	}
)

var _ store.Store = (*Store)(nil)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	db := opts.Client.Database(opts.Database)
	dataflows := mongoCollection{coll: db.Collection(name(opts.DataflowsCollection, defaultDataflowsCollection))}
	nodes := mongoCollection{coll: db.Collection(name(opts.NodesCollection, defaultNodesCollection))}
	data := mongoCollection{coll: db.Collection(name(opts.DataCollection, defaultDataCollection))}
	commands := mongoCollection{coll: db.Collection(name(opts.CommandsCollection, defaultCommandsCollection))}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, dataflows, nodes, data, commands); err != nil {
		return nil, err
	}
	return newStoreWithCollections(opts.Client, dataflows, nodes, data, commands, timeout, opts.Logger)
}

func newStoreWithCollections(client *mongodriver.Client, dataflows, nodes, data, commands collection, timeout time.Duration, logger telemetry.Logger) (*Store, error) {
	if dataflows == nil || nodes == nil || data == nil || commands == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{
		client:    client,
		dataflows: dataflows,
		nodes:     nodes,
		data:      data,
		commands:  commands,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

func ensureIndexes(ctx context.Context, dataflows, nodes, data, commands collection) error {
	if err := dataflows.CreateIndexes(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "owner", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		return err
	}
	if err := nodes.CreateIndexes(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "dataflow_id", Value: 1}}},
		{Keys: bson.D{{Key: "dataflow_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "dataflow_id", Value: 1}, {Key: "parent_id", Value: 1}}},
	}); err != nil {
		return err
	}
	if err := data.CreateIndexes(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "dataflow_id", Value: 1}, {Key: "data_type", Value: 1}}},
		{Keys: bson.D{{Key: "dataflow_id", Value: 1}, {Key: "node_id", Value: 1}, {Key: "data_type", Value: 1}}},
	}); err != nil {
		return err
	}
	return commands.CreateIndexes(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "dataflow_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("mongo client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// CreateDataflow implements store.Store.
func (s *Store) CreateDataflow(ctx context.Context, df *flow.Dataflow) error {
	if df == nil || df.ID == "" {
		return fmt.Errorf("%w: dataflow id is required", store.ErrInvalidPayload)
	}
	if !df.Status.Valid() {
		return fmt.Errorf("%w: invalid dataflow status %q", store.ErrInvalidPayload, df.Status)
	}
	dup := *df
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = time.Now().UTC()
	}
	dup.UpdatedAt = dup.CreatedAt

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.dataflows.InsertOne(ctx, fromDataflow(&dup, 0)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: dataflow %s already exists", store.ErrConflict, df.ID)
		}
		return err
	}
	return nil
}

// SetDataflowStatus implements store.Store. Setting the current status again
// is a no-op so recovery paths can be retried safely.
func (s *Store) SetDataflowStatus(ctx context.Context, id string, status flow.DataflowStatus) error {
	df, err := s.Dataflow(ctx, id)
	if err != nil {
		return err
	}
	if df.Status == status {
		return nil
	}
	if !flow.CanTransitionDataflow(df.Status, status) {
		return fmt.Errorf("%w: dataflow %s cannot move from %s to %s", store.ErrInvalidPayload, id, df.Status, status)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.dataflows.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": string(status), "updated_at": time.Now().UTC()},
	})
	return err
}

// Apply implements store.Store. A compare-and-swap on the dataflow document's
// seq field reserves the batch; the table writes that follow are idempotent
// upserts keyed by the UUID v7 identifiers the commands carry.
func (s *Store) Apply(ctx context.Context, dataflowID string, expectedSeq int64, cmds []*command.Command) (*store.ApplyResult, error) {
	if err := command.ValidateBatch(dataflowID, cmds); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidPayload, err)
	}

	doc, err := s.dataflowDoc(ctx, dataflowID)
	if err != nil {
		return nil, err
	}
	if doc.Seq != expectedSeq {
		replay, rerr := s.isReplay(ctx, dataflowID, expectedSeq, cmds)
		if rerr != nil {
			return nil, rerr
		}
		if replay {
			// Idempotent re-apply of an already-committed batch.
			return &store.ApplyResult{Seq: doc.Seq}, nil
		}
		return nil, fmt.Errorf("%w: dataflow %s log head is %d, caller expected %d", store.ErrConflict, dataflowID, doc.Seq, expectedSeq)
	}

	now := time.Now().UTC()
	view := newApplyView(s, ctx, doc.toDataflow())
	if err := store.Replay(view, cmds, now); err != nil {
		return nil, err
	}
	if view.fetchErr != nil {
		return nil, view.fetchErr
	}

	newSeq := expectedSeq + int64(len(cmds))
	wctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.dataflows.UpdateOne(wctx,
		bson.M{"_id": dataflowID, "seq": expectedSeq},
		bson.M{"$set": bson.M{"seq": newSeq, "updated_at": now}},
	)
	if err != nil {
		return nil, err
	}
	if matched == 0 {
		return nil, fmt.Errorf("%w: dataflow %s log head moved past %d", store.ErrConflict, dataflowID, expectedSeq)
	}

	cmdDocs := make([]any, len(cmds))
	for i, c := range cmds {
		logged := *c
		logged.Seq = expectedSeq + int64(i) + 1
		logged.AppliedAt = now
		cd, derr := fromCommand(&logged)
		if derr != nil {
			return nil, derr
		}
		cmdDocs[i] = cd
	}
	if err := s.commands.InsertMany(wctx, cmdDocs); err != nil {
		return nil, err
	}

	res := &store.ApplyResult{Seq: newSeq}
	for _, id := range view.nodeOrder {
		n := view.nodes[id]
		if err := s.nodes.ReplaceOne(wctx, bson.M{"_id": id}, fromNode(n)); err != nil {
			return nil, err
		}
		res.Nodes = append(res.Nodes, n.Clone())
	}
	for _, id := range view.dataOrder {
		d := view.data[id]
		if err := s.data.ReplaceOne(wctx, bson.M{"_id": id}, fromData(d)); err != nil {
			return nil, err
		}
		dup := *d
		res.Data = append(res.Data, &dup)
	}
	return res, nil
}

// isReplay reports whether the batch matches the commands already logged at
// the slots following expectedSeq.
func (s *Store) isReplay(ctx context.Context, dataflowID string, expectedSeq int64, cmds []*command.Command) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.commands.Find(ctx, bson.M{
		"dataflow_id": dataflowID,
		"seq":         bson.M{"$gt": expectedSeq, "$lte": expectedSeq + int64(len(cmds))},
	}, findOptions{sort: bson.D{{Key: "seq", Value: 1}}})
	if err != nil {
		return false, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var ids []string
	for cur.Next(ctx) {
		var doc commandDocument
		if err := cur.Decode(&doc); err != nil {
			return false, err
		}
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return false, err
	}
	if len(ids) != len(cmds) {
		return false, nil
	}
	for i, c := range cmds {
		if ids[i] != c.ID {
			return false, nil
		}
	}
	return true, nil
}

// Dataflow implements store.Reader.
func (s *Store) Dataflow(ctx context.Context, id string) (*flow.Dataflow, error) {
	doc, err := s.dataflowDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.toDataflow(), nil
}

func (s *Store) dataflowDoc(ctx context.Context, id string) (dataflowDocument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc dataflowDocument
	if err := s.dataflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return dataflowDocument{}, fmt.Errorf("%w: dataflow %s", store.ErrNotFound, id)
		}
		return dataflowDocument{}, err
	}
	return doc, nil
}

// ListDataflows implements store.Reader.
func (s *Store) ListDataflows(ctx context.Context, filter store.DataflowFilter) ([]*flow.Dataflow, error) {
	filter = filter.Normalize()
	query := bson.M{}
	if filter.Owner != "" {
		query["owner"] = filter.Owner
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.dataflows.Find(ctx, query, findOptions{
		// UUID v7 identifiers sort by creation time.
		sort:  bson.D{{Key: "_id", Value: 1}},
		skip:  int64(filter.Offset),
		limit: int64(filter.Limit),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*flow.Dataflow
	for cur.Next(ctx) {
		var doc dataflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDataflow())
	}
	return out, cur.Err()
}

// Node implements store.Reader.
func (s *Store) Node(ctx context.Context, id string) (*flow.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc nodeDocument
	if err := s.nodes.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: node %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return doc.toNode(), nil
}

// ListNodes implements store.Reader.
func (s *Store) ListNodes(ctx context.Context, dataflowID string, filter store.NodeFilter) ([]*flow.Node, error) {
	if _, err := s.dataflowDoc(ctx, dataflowID); err != nil {
		return nil, err
	}
	query := bson.M{"dataflow_id": dataflowID}
	if filter.RootsOnly {
		query["parent_id"] = ""
	} else if filter.ParentID != "" {
		query["parent_id"] = filter.ParentID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.Type != "" {
		query["type"] = filter.Type
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.nodes.Find(ctx, query, findOptions{sort: bson.D{{Key: "_id", Value: 1}}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*flow.Node
	for cur.Next(ctx) {
		var doc nodeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toNode())
	}
	return out, cur.Err()
}

// Data implements store.Reader.
func (s *Store) Data(ctx context.Context, id string, resolveReferences bool) (*flow.DataItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	item, err := s.dataByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if resolveReferences {
		return s.resolve(ctx, item)
	}
	return item, nil
}

func (s *Store) dataByID(ctx context.Context, id string) (*flow.DataItem, error) {
	var doc dataDocument
	if err := s.data.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: data item %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return doc.toData(), nil
}

// resolve dereferences a dataflow/reference item one hop deep.
func (s *Store) resolve(ctx context.Context, item *flow.DataItem) (*flow.DataItem, error) {
	if !item.IsReference() {
		return item, nil
	}
	target, err := s.dataByID(ctx, item.ReferenceTarget())
	if err != nil {
		return nil, err
	}
	if target.IsReference() {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrReferenceChain, item.ID, target.ID)
	}
	resolved := *item
	resolved.Content = append([]byte(nil), target.Content...)
	resolved.ContentType = target.ContentType
	return &resolved, nil
}

// ListData implements store.Reader.
func (s *Store) ListData(ctx context.Context, dataflowID string, filter store.DataFilter) ([]*flow.DataItem, error) {
	if _, err := s.dataflowDoc(ctx, dataflowID); err != nil {
		return nil, err
	}
	query := bson.M{"dataflow_id": dataflowID}
	if filter.NodeID != "" {
		query["node_id"] = filter.NodeID
	}
	if filter.Type != "" {
		query["data_type"] = string(filter.Type)
	}
	if filter.Key != "" {
		query["key"] = filter.Key
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.data.Find(ctx, query, findOptions{sort: bson.D{{Key: "_id", Value: 1}}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*flow.DataItem
	for cur.Next(ctx) {
		var doc dataDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		item := doc.toData()
		if filter.ResolveReferences {
			if item, err = s.resolve(ctx, item); err != nil {
				return nil, err
			}
		}
		out = append(out, item)
	}
	return out, cur.Err()
}

// Commands implements store.Reader.
func (s *Store) Commands(ctx context.Context, dataflowID string, afterSeq int64) ([]*command.Command, error) {
	if _, err := s.dataflowDoc(ctx, dataflowID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.commands.Find(ctx, bson.M{
		"dataflow_id": dataflowID,
		"seq":         bson.M{"$gt": afterSeq},
	}, findOptions{sort: bson.D{{Key: "seq", Value: 1}}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*command.Command
	for cur.Next(ctx) {
		var doc commandDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		c, cerr := doc.toCommand()
		if cerr != nil {
			return nil, cerr
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// applyView adapts the collections to store.View for Replay. Reads fall
// through to the nodes collection; writes stay staged until Apply commits
// them.
type applyView struct {
	s   *Store
	ctx context.Context
	df  *flow.Dataflow

	nodes     map[string]*flow.Node
	nodeOrder []string
	data      map[string]*flow.DataItem
	dataOrder []string

	fetchErr error
}

func newApplyView(s *Store, ctx context.Context, df *flow.Dataflow) *applyView {
	return &applyView{
		s:     s,
		ctx:   ctx,
		df:    df,
		nodes: make(map[string]*flow.Node),
		data:  make(map[string]*flow.DataItem),
	}
}

// Dataflow implements store.View.
func (v *applyView) Dataflow() *flow.Dataflow { return v.df }

// Node implements store.View.
func (v *applyView) Node(id string) (*flow.Node, bool) {
	if n, ok := v.nodes[id]; ok {
		return n, true
	}
	n, err := v.s.Node(v.ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			v.fetchErr = err
		}
		return nil, false
	}
	if n.DataflowID != v.df.ID {
		return nil, false
	}
	return n, true
}

// PutNode implements store.View.
func (v *applyView) PutNode(n *flow.Node) {
	if _, staged := v.nodes[n.ID]; !staged {
		v.nodeOrder = append(v.nodeOrder, n.ID)
	}
	v.nodes[n.ID] = n
}

// PutData implements store.View.
func (v *applyView) PutData(d *flow.DataItem) {
	if _, staged := v.data[d.ID]; !staged {
		v.dataOrder = append(v.dataOrder, d.ID)
	}
	v.data[d.ID] = d
}
