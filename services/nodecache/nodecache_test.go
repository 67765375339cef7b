// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianUpdate/services/update"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func release(version, payload string) *update.ConcreteRelease {
	return &update.ConcreteRelease{
		Version:  version,
		Payload:  payload,
		Metadata: map[string]string{"io.aleutian.update.release.channels": "stable"},
	}
}

func TestAddNewThenGet(t *testing.T) {
	store := openStore(t)

	stats, err := store.Reconcile([]*update.ConcreteRelease{
		release("4.0.1", "sha256:aa"),
		release("4.0.2", "sha256:bb"),
	}, AddNew)
	require.NoError(t, err)
	assert.Equal(t, Stats{Added: 2}, stats)

	got, found, err := store.Get("sha256:aa")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "4.0.1", got.Version)
	assert.Equal(t, "stable", got.Metadata["io.aleutian.update.release.channels"])

	_, found, err = store.Get("sha256:absent")
	require.NoError(t, err)
	assert.False(t, found)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAddNewLeavesExistingUntouched(t *testing.T) {
	store := openStore(t)
	_, err := store.Reconcile([]*update.ConcreteRelease{release("4.0.1", "sha256:aa")}, AddNew)
	require.NoError(t, err)

	// Same payload, different version: add-new does not verify or replace.
	stats, err := store.Reconcile([]*update.ConcreteRelease{release("9.9.9", "sha256:aa")}, AddNew)
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, stats)

	got, _, err := store.Get("sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, "4.0.1", got.Version)
}

func TestVerifyExistingOnly(t *testing.T) {
	store := openStore(t)
	_, err := store.Reconcile([]*update.ConcreteRelease{release("4.0.1", "sha256:aa")}, AddNew)
	require.NoError(t, err)

	// Matching entry verifies; unknown entry is skipped, never added.
	stats, err := store.Reconcile([]*update.ConcreteRelease{
		release("4.0.1", "sha256:aa"),
		release("4.0.2", "sha256:bb"),
	}, VerifyExistingOnly)
	require.NoError(t, err)
	assert.Equal(t, Stats{Verified: 1, Skipped: 1}, stats)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestVerifyMismatchAborts(t *testing.T) {
	store := openStore(t)
	_, err := store.Reconcile([]*update.ConcreteRelease{release("4.0.1", "sha256:aa")}, AddNew)
	require.NoError(t, err)

	_, err = store.Reconcile([]*update.ConcreteRelease{release("4.0.1-hotfix", "sha256:aa")}, VerifyExistingOnly)
	var mismatch *VerifyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "sha256:aa", mismatch.Payload)

	_, err = store.Reconcile([]*update.ConcreteRelease{release("4.0.1-hotfix", "sha256:aa")}, VerifyExistingAddNew)
	require.ErrorAs(t, err, &mismatch)
}

func TestVerifyExistingAddNew(t *testing.T) {
	store := openStore(t)
	_, err := store.Reconcile([]*update.ConcreteRelease{release("4.0.1", "sha256:aa")}, AddNew)
	require.NoError(t, err)

	stats, err := store.Reconcile([]*update.ConcreteRelease{
		release("4.0.1", "sha256:aa"),
		release("4.0.2", "sha256:bb"),
	}, VerifyExistingAddNew)
	require.NoError(t, err)
	assert.Equal(t, Stats{Verified: 1, Added: 1}, stats)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOverwriteExisting(t *testing.T) {
	store := openStore(t)
	_, err := store.Reconcile([]*update.ConcreteRelease{release("4.0.1", "sha256:aa")}, AddNew)
	require.NoError(t, err)

	stats, err := store.Reconcile([]*update.ConcreteRelease{
		release("4.0.1-rebuilt", "sha256:aa"),
		release("4.0.2", "sha256:bb"),
	}, AddNewOverwriteExisting)
	require.NoError(t, err)
	assert.Equal(t, Stats{Overwritten: 1, Added: 1}, stats)

	got, _, err := store.Get("sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, "4.0.1-rebuilt", got.Version)
}

func TestRejectsMalformedPayload(t *testing.T) {
	store := openStore(t)
	_, err := store.Reconcile([]*update.ConcreteRelease{release("4.0.1", "not-a-manifest-ref")}, AddNew)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "algo:hash")
}

func TestParseMode(t *testing.T) {
	for _, want := range []Mode{VerifyExistingOnly, VerifyExistingAddNew, AddNew, AddNewOverwriteExisting} {
		got, err := ParseMode(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("upsert")
	assert.Error(t, err)
}
