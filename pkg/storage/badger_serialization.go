// Package storage - Serialization helpers for BadgerDB.
package storage

import (
	"encoding/binary"
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

// serializableNode is the JSON-serializable form of a Node.
// The node id is part of the key and not repeated in the value.
type serializableNode struct {
	SourceID   string       `json:"s,omitempty"`
	Kind       model.Kind   `json:"k"`
	Name       string       `json:"n,omitempty"`
	Authorship string       `json:"a,omitempty"`
	Rank       model.Rank   `json:"r,omitempty"`
	Status     model.Status `json:"st,omitempty"`
	Labels     []string     `json:"l,omitempty"`
}

// encodeNode serializes a Node to JSON.
func encodeNode(n *Node) ([]byte, error) {
	return gojson.Marshal(serializableNode{
		SourceID:   n.SourceID,
		Kind:       n.Kind,
		Name:       n.Name,
		Authorship: n.Authorship,
		Rank:       n.Rank,
		Status:     n.Status,
		Labels:     n.Labels,
	})
}

// decodeNode deserializes a Node from JSON.
func decodeNode(id model.NodeID, data []byte) (*Node, error) {
	var sn serializableNode
	if err := gojson.Unmarshal(data, &sn); err != nil {
		return nil, fmt.Errorf("unmarshaling node %d: %w", id, err)
	}
	return &Node{
		ID:         id,
		SourceID:   sn.SourceID,
		Kind:       sn.Kind,
		Name:       sn.Name,
		Authorship: sn.Authorship,
		Rank:       sn.Rank,
		Status:     sn.Status,
		Labels:     sn.Labels,
	}, nil
}

// encodeEdge serializes an Edge as type(1) + start(8) + end(8).
func encodeEdge(e *Edge) []byte {
	buf := make([]byte, 17)
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint64(buf[1:], uint64(e.Start))
	binary.BigEndian.PutUint64(buf[9:], uint64(e.End))
	return buf
}

// decodeEdge deserializes an Edge.
func decodeEdge(id model.EdgeID, data []byte) (*Edge, error) {
	if len(data) != 17 {
		return nil, fmt.Errorf("edge %d: %w", id, ErrInvalidData)
	}
	return &Edge{
		ID:    id,
		Type:  model.RelType(data[0]),
		Start: model.NodeID(binary.BigEndian.Uint64(data[1:])),
		End:   model.NodeID(binary.BigEndian.Uint64(data[9:])),
	}, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
