// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodecache persists release nodes in a local badger store, keyed by
// their payload manifest reference ("algo:hash"). The graphdata CLI
// reconciles freshly downloaded graphs into the cache under one of four
// modes, from verify-only audits to full overwrites.
package nodecache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianUpdate/services/update"
)

// Mode selects how Reconcile treats cached versus incoming releases.
type Mode string

const (
	// VerifyExistingOnly checks incoming releases against cached entries and
	// adds nothing; an incoming release with no cached entry is skipped.
	VerifyExistingOnly Mode = "verify-existing-only"

	// VerifyExistingAddNew checks cached entries and adds the missing ones.
	VerifyExistingAddNew Mode = "verify-existing-add-new"

	// AddNew adds missing entries and leaves cached ones untouched,
	// unverified.
	AddNew Mode = "add-new"

	// AddNewOverwriteExisting writes every incoming release unconditionally.
	AddNewOverwriteExisting Mode = "add-new-overwrite-existing"
)

// ParseMode resolves a mode name, such as a CLI flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case VerifyExistingOnly, VerifyExistingAddNew, AddNew, AddNewOverwriteExisting:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown reconcile mode %q (want %s, %s, %s or %s)",
		s, VerifyExistingOnly, VerifyExistingAddNew, AddNew, AddNewOverwriteExisting)
}

// VerifyMismatchError reports a cached release that disagrees with the
// incoming one for the same payload reference.
type VerifyMismatchError struct {
	Payload string
}

func (e *VerifyMismatchError) Error() string {
	return fmt.Sprintf("cached release for %s does not match the incoming release", e.Payload)
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	Verified    int
	Added       int
	Overwritten int
	Skipped     int
}

// Store is a badger-backed release cache.
//
// Thread Safety: safe for concurrent use; badger transactions provide
// isolation.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the store rooted at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening node cache at %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying store.
func (s *Store) Close() error { return s.db.Close() }

// Get looks a release up by its payload reference.
func (s *Store) Get(payload string) (*update.ConcreteRelease, bool, error) {
	var release *update.ConcreteRelease
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(payload))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			release = &update.ConcreteRelease{}
			return json.Unmarshal(val, release)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry %s: %w", payload, err)
	}
	return release, true, nil
}

// Count returns the number of cached releases.
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Reconcile folds the incoming releases into the cache under the given mode.
// A verify mismatch aborts the pass; entries written before the mismatch
// stay written.
func (s *Store) Reconcile(releases []*update.ConcreteRelease, mode Mode) (Stats, error) {
	var stats Stats
	for _, incoming := range releases {
		if err := validPayload(incoming.Payload); err != nil {
			return stats, err
		}

		cached, found, err := s.Get(incoming.Payload)
		if err != nil {
			return stats, err
		}

		switch {
		case found && mode == AddNewOverwriteExisting:
			if err := s.put(incoming); err != nil {
				return stats, err
			}
			stats.Overwritten++
		case found && mode == AddNew:
			stats.Skipped++
		case found:
			// Both verify modes.
			if !sameRelease(cached, incoming) {
				return stats, &VerifyMismatchError{Payload: incoming.Payload}
			}
			stats.Verified++
		case mode == VerifyExistingOnly:
			s.logger.Debug("release not cached, skipping",
				"version", incoming.Version, "payload", incoming.Payload)
			stats.Skipped++
		default:
			if err := s.put(incoming); err != nil {
				return stats, err
			}
			stats.Added++
		}
	}
	return stats, nil
}

func (s *Store) put(release *update.ConcreteRelease) error {
	val, err := json.Marshal(release)
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", release.Payload, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(release.Payload), val)
	})
	if err != nil {
		return fmt.Errorf("writing cache entry %s: %w", release.Payload, err)
	}
	return nil
}

// validPayload enforces the "algo:hash" manifest-reference shape used as the
// cache key.
func validPayload(payload string) error {
	algo, hash, ok := strings.Cut(payload, ":")
	if !ok || algo == "" || hash == "" {
		return fmt.Errorf("payload %q is not an algo:hash manifest reference", payload)
	}
	return nil
}

func sameRelease(a, b *update.ConcreteRelease) bool {
	return a.Version == b.Version &&
		a.Payload == b.Payload &&
		maps.Equal(a.Metadata, b.Metadata)
}
