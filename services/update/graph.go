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
	"fmt"
	"iter"
	"slices"
)

// ReleaseID is an opaque, stable handle to a release within one Graph
// instance. IDs are never reused after removal within that instance and are
// not meaningful across different Graph instances.
type ReleaseID uint64

// InvalidEdgeError reports an attempt to create an edge whose endpoints do
// not both exist in the graph.
type InvalidEdgeError struct {
	From, To ReleaseID
}

func (e *InvalidEdgeError) Error() string {
	return fmt.Sprintf("invalid edge %d -> %d: endpoint not in graph", e.From, e.To)
}

// ReleaseMatch pairs a release with its handle, as returned by FindByFunc.
// The Release is the graph's own value: mutating a *ConcreteRelease through
// it annotates the release in place.
type ReleaseMatch struct {
	ID      ReleaseID
	Release Release
}

// Graph owns a set of releases (an arena keyed by stable ReleaseID handles)
// and a separate adjacency structure of directed edges (from, to), meaning
// "upgrading from `from` to `to` is permitted".
//
// Invariants:
//   - Every edge references releases currently present in the graph.
//   - Removing a release removes all edges incident to it.
//
// Structural queries against a missing id return empty results rather than
// erroring; only edge creation against a missing endpoint is a hard error.
//
// Thread Safety: a Graph is owned by a single pipeline run and must not be
// shared across goroutines.
type Graph struct {
	nextID   ReleaseID
	releases map[ReleaseID]Release
	out      map[ReleaseID][]ReleaseID
	in       map[ReleaseID][]ReleaseID
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		releases: make(map[ReleaseID]Release),
		out:      make(map[ReleaseID][]ReleaseID),
		in:       make(map[ReleaseID][]ReleaseID),
	}
}

// AddRelease inserts a release and returns its handle. The graph performs no
// duplicate detection; duplication policy belongs to plugins.
func (g *Graph) AddRelease(r Release) ReleaseID {
	id := g.nextID
	g.nextID++
	g.releases[id] = r
	return id
}

// AddEdge records that upgrading from `from` to `to` is permitted.
//
// Outputs:
//
//	error - *InvalidEdgeError if either endpoint does not exist.
func (g *Graph) AddEdge(from, to ReleaseID) error {
	if _, ok := g.releases[from]; !ok {
		return &InvalidEdgeError{From: from, To: to}
	}
	if _, ok := g.releases[to]; !ok {
		return &InvalidEdgeError{From: from, To: to}
	}
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
	return nil
}

// RemoveReleases removes every listed release and all edges touching it.
// An id not present in the graph is a no-op for that id, not an error.
// Duplicate ids count once.
//
// Outputs:
//
//	int - The number of releases actually removed.
func (g *Graph) RemoveReleases(ids []ReleaseID) int {
	removed := 0
	for _, id := range ids {
		if _, ok := g.releases[id]; !ok {
			continue
		}
		for _, to := range g.out[id] {
			g.in[to] = removeTarget(g.in[to], id)
		}
		for _, from := range g.in[id] {
			g.out[from] = removeTarget(g.out[from], id)
		}
		delete(g.out, id)
		delete(g.in, id)
		delete(g.releases, id)
		removed++
	}
	return removed
}

// FindByFunc visits every release in ascending handle order and returns all
// releases for which the predicate evaluates true. The predicate receives
// the graph's own Release value and may mutate a *ConcreteRelease's metadata
// in place; such a mutation is visible to that release's own evaluation but
// not to other releases in the same pass. The predicate is evaluated exactly
// once per release per call.
//
// Matching handles are collected first and any caller-side removal is a
// second explicit pass (RemoveReleases), so there is no mutation during
// iteration.
func (g *Graph) FindByFunc(pred func(Release) bool) []ReleaseMatch {
	var matches []ReleaseMatch
	for _, id := range g.sortedIDs() {
		r := g.releases[id]
		if pred(r) {
			matches = append(matches, ReleaseMatch{ID: id, Release: r})
		}
	}
	return matches
}

// NextReleases produces the direct successors (outgoing-edge targets) of the
// given release. The sequence is finite and restartable: each call yields a
// fresh sequence. A missing id or an id with no outgoing edges yields an
// empty sequence; neither is an error.
func (g *Graph) NextReleases(id ReleaseID) iter.Seq[Release] {
	return func(yield func(Release) bool) {
		for _, to := range g.out[id] {
			if !yield(g.releases[to]) {
				return
			}
		}
	}
}

// ReleaseCount returns the number of releases currently in the graph.
func (g *Graph) ReleaseCount() int {
	return len(g.releases)
}

// EdgeCount returns the number of edges currently in the graph.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, targets := range g.out {
		n += len(targets)
	}
	return n
}

func (g *Graph) sortedIDs() []ReleaseID {
	ids := make([]ReleaseID, 0, len(g.releases))
	for id := range g.releases {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// removeTarget drops every occurrence of target from ids.
func removeTarget(ids []ReleaseID, target ReleaseID) []ReleaseID {
	kept := ids[:0]
	for _, id := range ids {
		if id != target {
			kept = append(kept, id)
		}
	}
	return kept
}
