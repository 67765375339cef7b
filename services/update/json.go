// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"encoding/json"
	"fmt"
)

// ContentType is the media type of the JSON graph wire format served by
// /v1/graph endpoints and requested from upstreams via the Accept header.
const ContentType = "application/vnd.aleutian.update.v1+json"

// wireGraph is the wire format: a node list plus edges as index pairs into
// that list. Node order is the ascending handle order of the source graph,
// so marshalling is deterministic.
type wireGraph struct {
	Nodes []wireNode `json:"nodes"`
	Edges [][2]int   `json:"edges"`
}

// wireNode carries one release. A node without a payload is an abstract
// release; concrete releases always carry a payload, even an empty one.
type wireNode struct {
	Version  string            `json:"version"`
	Payload  *string           `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON encodes the graph in the /v1/graph wire format.
func (g *Graph) MarshalJSON() ([]byte, error) {
	ids := g.sortedIDs()
	index := make(map[ReleaseID]int, len(ids))

	nodes := make([]wireNode, 0, len(ids))
	for i, id := range ids {
		index[id] = i
		switch r := g.releases[id].(type) {
		case *ConcreteRelease:
			payload := r.Payload
			nodes = append(nodes, wireNode{
				Version:  r.Version,
				Payload:  &payload,
				Metadata: r.Metadata,
			})
		case *AbstractRelease:
			nodes = append(nodes, wireNode{Version: r.Version})
		}
	}

	edges := make([][2]int, 0, g.EdgeCount())
	for _, from := range ids {
		for _, to := range g.out[from] {
			edges = append(edges, [2]int{index[from], index[to]})
		}
	}

	return json.Marshal(wireGraph{Nodes: nodes, Edges: edges})
}

// UnmarshalJSON decodes the /v1/graph wire format, replacing the receiver's
// contents. Edges referencing node indexes outside the node list are a
// decode error: the wire format never carries dangling edges.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var wire wireGraph
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	fresh := NewGraph()
	ids := make([]ReleaseID, len(wire.Nodes))
	for i, node := range wire.Nodes {
		if node.Payload == nil {
			ids[i] = fresh.AddRelease(&AbstractRelease{Version: node.Version})
			continue
		}
		metadata := node.Metadata
		if metadata == nil {
			metadata = make(map[string]string)
		}
		ids[i] = fresh.AddRelease(&ConcreteRelease{
			Version:  node.Version,
			Payload:  *node.Payload,
			Metadata: metadata,
		})
	}

	for _, edge := range wire.Edges {
		from, to := edge[0], edge[1]
		if from < 0 || from >= len(ids) || to < 0 || to >= len(ids) {
			return fmt.Errorf("edge [%d, %d] references a node outside the %d-node list", from, to, len(ids))
		}
		if err := fresh.AddEdge(ids[from], ids[to]); err != nil {
			return err
		}
	}

	*g = *fresh
	return nil
}
