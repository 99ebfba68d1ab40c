package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
)

type (
	dataflowDocument struct {
		ID        string         `bson:"_id"`
		Owner     string         `bson:"owner,omitempty"`
		Status    string         `bson:"status"`
		ParentID  string         `bson:"parent_id,omitempty"`
		Metadata  map[string]any `bson:"metadata,omitempty"`
		Seq       int64          `bson:"seq"`
		CreatedAt time.Time      `bson:"created_at"`
		UpdatedAt time.Time      `bson:"updated_at"`
	}

	// nodeDocument keeps parent_id present even when empty so root nodes
	// are selectable with a plain equality filter.
	nodeDocument struct {
		ID         string         `bson:"_id"`
		DataflowID string         `bson:"dataflow_id"`
		Type       string         `bson:"type"`
		Status     string         `bson:"status"`
		ParentID   string         `bson:"parent_id"`
		Ancestors  []string       `bson:"ancestor_path,omitempty"`
		Config     []byte         `bson:"config,omitempty"`
		Metadata   map[string]any `bson:"metadata,omitempty"`
	}

	dataDocument struct {
		ID            string         `bson:"_id"`
		DataflowID    string         `bson:"dataflow_id"`
		NodeID        string         `bson:"node_id"`
		DataType      string         `bson:"data_type"`
		Key           string         `bson:"key"`
		Content       []byte         `bson:"content"`
		ContentType   string         `bson:"content_type"`
		Discriminator string         `bson:"discriminator,omitempty"`
		Metadata      map[string]any `bson:"metadata,omitempty"`
		CreatedAt     time.Time      `bson:"created_at"`
	}

	// commandDocument stores the JSON envelope of the command verbatim so
	// the tagged-union codec stays the single source of payload shapes.
	commandDocument struct {
		ID         string    `bson:"_id"`
		DataflowID string    `bson:"dataflow_id"`
		Seq        int64     `bson:"seq"`
		Type       string    `bson:"type"`
		Encoded    []byte    `bson:"encoded"`
		AppliedAt  time.Time `bson:"applied_at"`
	}
)

func fromDataflow(df *flow.Dataflow, seq int64) dataflowDocument {
	return dataflowDocument{
		ID:        df.ID,
		Owner:     df.OwnerID,
		Status:    string(df.Status),
		ParentID:  df.ParentID,
		Metadata:  df.Metadata,
		Seq:       seq,
		CreatedAt: df.CreatedAt.UTC(),
		UpdatedAt: df.UpdatedAt.UTC(),
	}
}

func (doc dataflowDocument) toDataflow() *flow.Dataflow {
	return &flow.Dataflow{
		ID:        doc.ID,
		OwnerID:   doc.Owner,
		Status:    flow.DataflowStatus(doc.Status),
		ParentID:  doc.ParentID,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func fromNode(n *flow.Node) nodeDocument {
	return nodeDocument{
		ID:         n.ID,
		DataflowID: n.DataflowID,
		Type:       n.Type,
		Status:     string(n.Status),
		ParentID:   n.ParentID,
		Ancestors:  n.Ancestors,
		Config:     n.Config,
		Metadata:   n.Metadata,
	}
}

func (doc nodeDocument) toNode() *flow.Node {
	n := &flow.Node{
		ID:         doc.ID,
		DataflowID: doc.DataflowID,
		Type:       doc.Type,
		Status:     flow.NodeStatus(doc.Status),
		ParentID:   doc.ParentID,
		Ancestors:  doc.Ancestors,
		Config:     doc.Config,
		Metadata:   doc.Metadata,
	}
	return n.Clone()
}

func fromData(d *flow.DataItem) dataDocument {
	return dataDocument{
		ID:            d.ID,
		DataflowID:    d.DataflowID,
		NodeID:        d.NodeID,
		DataType:      string(d.Type),
		Key:           d.Key,
		Content:       d.Content,
		ContentType:   d.ContentType,
		Discriminator: d.Discriminator,
		Metadata:      d.Metadata,
		CreatedAt:     d.CreatedAt.UTC(),
	}
}

func (doc dataDocument) toData() *flow.DataItem {
	return &flow.DataItem{
		ID:            doc.ID,
		DataflowID:    doc.DataflowID,
		NodeID:        doc.NodeID,
		Type:          flow.DataType(doc.DataType),
		Key:           doc.Key,
		Content:       append([]byte(nil), doc.Content...),
		ContentType:   doc.ContentType,
		Discriminator: doc.Discriminator,
		Metadata:      doc.Metadata,
		CreatedAt:     doc.CreatedAt.UTC(),
	}
}

func fromCommand(c *command.Command) (commandDocument, error) {
	encoded, err := json.Marshal(c)
	if err != nil {
		return commandDocument{}, fmt.Errorf("encode command %s: %w", c.ID, err)
	}
	return commandDocument{
		ID:         c.ID,
		DataflowID: c.DataflowID,
		Seq:        c.Seq,
		Type:       string(c.Type),
		Encoded:    encoded,
		AppliedAt:  c.AppliedAt.UTC(),
	}, nil
}

func (doc commandDocument) toCommand() (*command.Command, error) {
	var c command.Command
	if err := json.Unmarshal(doc.Encoded, &c); err != nil {
		return nil, fmt.Errorf("decode command %s: %w", doc.ID, err)
	}
	return &c, nil
}
