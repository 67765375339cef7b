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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLinearGraph returns a graph with n concrete releases versioned
// 4.0.0-0.0 .. 4.0.0-0.(n-1) and an edge between each consecutive pair.
func buildLinearGraph(t *testing.T, n int) (*Graph, []ReleaseID) {
	t.Helper()
	g := NewGraph()
	ids := make([]ReleaseID, n)
	for i := 0; i < n; i++ {
		ids[i] = g.AddRelease(&ConcreteRelease{
			Version:  version(i),
			Payload:  "quay.io/aleutian/update:" + version(i),
			Metadata: map[string]string{},
		})
	}
	for i := 0; i+1 < n; i++ {
		require.NoError(t, g.AddEdge(ids[i], ids[i+1]))
	}
	return g, ids
}

func version(i int) string {
	return "4.0.0-0." + string(rune('0'+i))
}

func TestAddEdgeMissingEndpoint(t *testing.T) {
	g := NewGraph()
	id := g.AddRelease(&AbstractRelease{Version: "1.0.0"})

	tests := []struct {
		name     string
		from, to ReleaseID
	}{
		{"missing to", id, id + 100},
		{"missing from", id + 100, id},
		{"both missing", id + 100, id + 200},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := g.AddEdge(tc.from, tc.to)
			var invalid *InvalidEdgeError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.from, invalid.From)
			assert.Equal(t, tc.to, invalid.To)
		})
	}
	assert.Equal(t, 0, g.EdgeCount())
}

func TestRemoveReleasesCountsOnlyPresent(t *testing.T) {
	g, ids := buildLinearGraph(t, 5)

	// Two present ids, one absent, one duplicate.
	removed := g.RemoveReleases([]ReleaseID{ids[1], ids[3], ids[3], ReleaseID(999)})
	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, g.ReleaseCount())

	// Cascading deletion: no surviving edge may touch a removed id.
	for _, id := range []ReleaseID{ids[0], ids[2], ids[4]} {
		for next := range g.NextReleases(id) {
			assert.NotEqual(t, version(1), Version(next))
			assert.NotEqual(t, version(3), Version(next))
		}
	}
	assert.Equal(t, 0, g.EdgeCount())
}

func TestRemoveReleasesIsIdempotent(t *testing.T) {
	g, ids := buildLinearGraph(t, 3)
	assert.Equal(t, 3, g.RemoveReleases(ids))
	assert.Equal(t, 0, g.RemoveReleases(ids))
	assert.Equal(t, 0, g.ReleaseCount())
}

func TestNextReleasesMissingIDYieldsEmpty(t *testing.T) {
	g, ids := buildLinearGraph(t, 2)

	count := 0
	for range g.NextReleases(ReleaseID(12345)) {
		count++
	}
	assert.Equal(t, 0, count)

	// Terminal node has no successors either.
	for range g.NextReleases(ids[1]) {
		count++
	}
	assert.Equal(t, 0, count)
}

func TestNextReleasesIsRestartable(t *testing.T) {
	g, ids := buildLinearGraph(t, 2)

	for pass := 0; pass < 2; pass++ {
		var got []string
		for r := range g.NextReleases(ids[0]) {
			got = append(got, Version(r))
		}
		assert.Equal(t, []string{version(1)}, got)
	}
}

func TestFindByFuncMutatesInPlace(t *testing.T) {
	g, _ := buildLinearGraph(t, 3)
	g.AddRelease(&AbstractRelease{Version: "9.9.9"})

	matches := g.FindByFunc(func(r Release) bool {
		switch r := r.(type) {
		case *ConcreteRelease:
			r.Metadata["failure_ratio"] = "0.5"
			// The mutation is visible to this release's own evaluation.
			return r.Metadata["failure_ratio"] == "0.5"
		default:
			return false
		}
	})
	require.Len(t, matches, 3)

	// Mutations persisted on the graph's own release values.
	annotated := g.FindByFunc(func(r Release) bool {
		concrete, ok := r.(*ConcreteRelease)
		return ok && concrete.Metadata["failure_ratio"] == "0.5"
	})
	assert.Len(t, annotated, 3)
}

func TestFindByFuncEvaluatesOncePerRelease(t *testing.T) {
	g, _ := buildLinearGraph(t, 4)

	calls := 0
	g.FindByFunc(func(Release) bool {
		calls++
		return true
	})
	assert.Equal(t, 4, calls)
}

func TestGraphJSONRoundTrip(t *testing.T) {
	g, ids := buildLinearGraph(t, 3)
	abstract := g.AddRelease(&AbstractRelease{Version: "5.0.0"})
	require.NoError(t, g.AddEdge(ids[2], abstract))

	data, err := g.MarshalJSON()
	require.NoError(t, err)

	decoded := NewGraph()
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, 4, decoded.ReleaseCount())
	assert.Equal(t, 3, decoded.EdgeCount())

	abstracts := decoded.FindByFunc(func(r Release) bool {
		_, ok := r.(*AbstractRelease)
		return ok
	})
	require.Len(t, abstracts, 1)
	assert.Equal(t, "5.0.0", Version(abstracts[0].Release))
}

func TestGraphJSONEmpty(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.UnmarshalJSON([]byte(`{"nodes":[],"edges":[]}`)))
	assert.Equal(t, 0, g.ReleaseCount())

	data, err := g.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, string(data))
}

func TestGraphJSONRejectsDanglingEdge(t *testing.T) {
	g := NewGraph()
	err := g.UnmarshalJSON([]byte(`{"nodes":[{"version":"1.0.0","payload":"p"}],"edges":[[0,7]]}`))
	require.Error(t, err)
}

func TestSemVerOrdering(t *testing.T) {
	a, err := SemVer(&ConcreteRelease{Version: "4.0.0-0.1"})
	require.NoError(t, err)
	b, err := SemVer(&AbstractRelease{Version: "4.0.0-0.9"})
	require.NoError(t, err)
	assert.True(t, a.LessThan(b))

	_, err = SemVer(&AbstractRelease{Version: "not-a-version"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-version")
}
