// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

// Key layout:
//
//	e/{id}               -> JSON entity
//	n/{kind}/{name}      -> id          (categories and tags)
//	c/{parentID}/{id}    -> empty       (categories, parentID "" for roots)
//	k/{kind}/{id}        -> empty
const (
	prefixEntity   = "e/"
	prefixName     = "n/"
	prefixChildren = "c/"
	prefixKind     = "k/"
)

func entityKey(id string) []byte { return []byte(prefixEntity + id) }

func nameKey(kind domain.Kind, name string) []byte {
	return []byte(prefixName + string(kind) + "/" + name)
}

func childKey(parentID, id string) []byte {
	return []byte(prefixChildren + parentID + "/" + id)
}

func childPrefix(parentID string) []byte {
	return []byte(prefixChildren + parentID + "/")
}

func kindKey(kind domain.Kind, id string) []byte {
	return []byte(prefixKind + string(kind) + "/" + id)
}

func kindPrefix(kind domain.Kind) []byte {
	return []byte(prefixKind + string(kind) + "/")
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the BadgerDB implementation of domain.PrimaryStore.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db      *badger.DB
	gc      *gcRunner
	retries int
	logger  *slog.Logger
}

// Open opens a catalog store.
//
// Description:
//
//	Opens BadgerDB with cfg and starts value log GC for persistent
//	databases when GCInterval is set.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:      db,
		retries: max(cfg.ConflictRetries, 1),
		logger:  logger.With(slog.String("component", "primary_store")),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
		s.gc = nil
	}
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is open and readable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return domain.E(domain.KindStoreUnavailable, "ping", "", errors.New("database closed"))
	}
	return domain.Normalize("ping", "", view(ctx, s.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		it.Close()
		return nil
	}))
}

// FindByID returns one entity.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Entity, error) {
	var out *domain.Entity
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		e, err := (&txStore{txn: txn}).FindByID(ctx, id)
		out = e
		return err
	})
	return out, domain.Normalize("find", id, err)
}

// FindMany filters, sorts and paginates entities.
func (s *Store) FindMany(ctx context.Context, f domain.Filter, srt domain.Sort, p domain.Pagination) (domain.Page, error) {
	var page domain.Page
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		var err error
		page, err = (&txStore{txn: txn}).FindMany(ctx, f, srt, p)
		return err
	})
	return page, domain.Normalize("find_many", "", err)
}

// Create inserts a new entity.
func (s *Store) Create(ctx context.Context, e *domain.Entity) error {
	err := update(ctx, s.db, func(txn *badger.Txn) error {
		return (&txStore{txn: txn}).Create(ctx, e)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction wrote one of our keys. If it claimed the
		// same name, the loser sees DuplicateName.
		if e.Kind.UniqueNames() && s.nameTaken(ctx, e) {
			return domain.E(domain.KindDuplicateName, "create", e.Name, err)
		}
		return domain.E(domain.KindConflict, "create", e.ID, err)
	}
	return domain.Normalize("create", e.ID, err)
}

// nameTaken checks whether another entity now holds e's name.
func (s *Store) nameTaken(ctx context.Context, e *domain.Entity) bool {
	taken := false
	_ = view(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(e.Kind, domain.NormalizeName(e.Name)))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			taken = string(val) != e.ID
			return nil
		})
	})
	return taken
}

// Update replaces an entity with optimistic version checking.
//
// Description:
//
//	A badger conflict with a writer that did not change the version (for
//	example a counter increment) is retried transparently. A real version
//	mismatch is reported as ErrConflict.
func (s *Store) Update(ctx context.Context, e *domain.Entity) error {
	prev := e.Version
	var err error
	for attempt := 0; attempt < s.retries; attempt++ {
		e.Version = prev
		err = update(ctx, s.db, func(txn *badger.Txn) error {
			return (&txStore{txn: txn}).Update(ctx, e)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		e.Version = prev
		if errors.Is(err, badger.ErrConflict) {
			return domain.E(domain.KindConflict, "update", e.ID, err)
		}
	}
	return domain.Normalize("update", e.ID, err)
}

// Delete removes an entity and its index keys.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := update(ctx, s.db, func(txn *badger.Txn) error {
		return (&txStore{txn: txn}).Delete(ctx, id)
	})
	if errors.Is(err, badger.ErrConflict) {
		return domain.E(domain.KindConflict, "delete", id, err)
	}
	return domain.Normalize("delete", id, err)
}

// Increment atomically adjusts ResourceCount.
//
// Description:
//
//	Retries on transaction conflict so concurrent increments never lose an
//	update. The stored Version is left unchanged because the counter is
//	derived data and must not invalidate a client's optimistic read.
func (s *Store) Increment(ctx context.Context, id string, delta int64) (int64, error) {
	var count int64
	var err error
	for attempt := 0; attempt < s.retries; attempt++ {
		err = update(ctx, s.db, func(txn *badger.Txn) error {
			var ierr error
			count, ierr = (&txStore{txn: txn}).Increment(ctx, id, delta)
			return ierr
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if errors.Is(err, badger.ErrConflict) {
		return 0, domain.E(domain.KindConflict, "increment", id, err)
	}
	return count, domain.Normalize("increment", id, err)
}

// WithinTx runs fn inside one read-write transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	err := update(ctx, s.db, func(txn *badger.Txn) error {
		return fn(&txStore{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return domain.E(domain.KindConflict, "transaction", "", err)
	}
	return domain.Normalize("transaction", "", err)
}

// -----------------------------------------------------------------------------
// Transaction view
// -----------------------------------------------------------------------------

// txStore implements domain.Tx over a badger transaction.
type txStore struct {
	txn *badger.Txn
}

func (t *txStore) FindByID(_ context.Context, id string) (*domain.Entity, error) {
	item, err := t.txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.E(domain.KindNotFound, "find", id, nil)
	}
	if err != nil {
		return nil, err
	}
	var e domain.Entity
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, fmt.Errorf("decode entity %s: %w", id, err)
	}
	return &e, nil
}

func (t *txStore) FindMany(ctx context.Context, f domain.Filter, srt domain.Sort, p domain.Pagination) (domain.Page, error) {
	if err := srt.Validate(); err != nil {
		return domain.Page{}, err
	}
	ids, err := t.candidateIDs(f)
	if err != nil {
		return domain.Page{}, err
	}
	candidates := make([]*domain.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := t.FindByID(ctx, id)
		if domain.KindOf(err) == domain.KindNotFound {
			continue
		}
		if err != nil {
			return domain.Page{}, err
		}
		candidates = append(candidates, e)
	}
	return domain.Select(candidates, f, srt, p), nil
}

// candidateIDs narrows the scan using the most selective index available.
func (t *txStore) candidateIDs(f domain.Filter) ([]string, error) {
	switch {
	case len(f.IDs) > 0:
		return f.IDs, nil
	case f.ParentID != nil && (f.Kind == "" || f.Kind == domain.KindCategory):
		return t.scanSuffixes(childPrefix(*f.ParentID))
	case f.Kind != "":
		return t.scanSuffixes(kindPrefix(f.Kind))
	default:
		return t.scanSuffixes([]byte(prefixEntity))
	}
}

// scanSuffixes returns the key remainder after prefix for every key under it.
func (t *txStore) scanSuffixes(prefix []byte) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		ids = append(ids, string(key[len(prefix):]))
	}
	return ids, nil
}

func (t *txStore) Create(_ context.Context, e *domain.Entity) error {
	if !e.Kind.Valid() {
		return domain.Errorf(domain.KindValidation, "create", e.ID, "unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		return domain.Errorf(domain.KindValidation, "create", "", "missing id")
	}
	e.Name = domain.NormalizeName(e.Name)

	if _, err := t.txn.Get(entityKey(e.ID)); err == nil {
		return domain.Errorf(domain.KindConflict, "create", e.ID, "id already exists")
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if e.Kind.UniqueNames() {
		if err := t.claimName("create", e); err != nil {
			return err
		}
	}
	if err := t.txn.Set(kindKey(e.Kind, e.ID), nil); err != nil {
		return err
	}
	if e.Kind == domain.KindCategory {
		if err := t.txn.Set(childKey(e.ParentID, e.ID), nil); err != nil {
			return err
		}
	}
	return t.put(e)
}

// claimName writes the name index key, failing if another entity owns it.
func (t *txStore) claimName(op string, e *domain.Entity) error {
	key := nameKey(e.Kind, e.Name)
	item, err := t.txn.Get(key)
	switch {
	case err == nil:
		owner, verr := item.ValueCopy(nil)
		if verr != nil {
			return verr
		}
		if string(owner) != e.ID {
			return domain.E(domain.KindDuplicateName, op, e.Name, nil)
		}
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return t.txn.Set(key, []byte(e.ID))
	default:
		return err
	}
}

func (t *txStore) Update(ctx context.Context, e *domain.Entity) error {
	old, err := t.FindByID(ctx, e.ID)
	if err != nil {
		return err
	}
	if old.Version != e.Version {
		return domain.Errorf(domain.KindConflict, "update", e.ID,
			"stale version %d, stored %d", e.Version, old.Version)
	}
	if old.Kind != e.Kind {
		return domain.Errorf(domain.KindValidation, "update", e.ID, "kind is immutable")
	}

	next := e.Clone()
	next.Name = domain.NormalizeName(next.Name)
	next.ResourceCount = old.ResourceCount
	next.Version = old.Version + 1

	if next.Kind.UniqueNames() && next.Name != old.Name {
		if err := t.claimName("update", next); err != nil {
			return err
		}
		if err := t.txn.Delete(nameKey(old.Kind, old.Name)); err != nil {
			return err
		}
	}
	if next.Kind == domain.KindCategory && next.ParentID != old.ParentID {
		if err := t.txn.Delete(childKey(old.ParentID, old.ID)); err != nil {
			return err
		}
		if err := t.txn.Set(childKey(next.ParentID, next.ID), nil); err != nil {
			return err
		}
	}
	if err := t.put(next); err != nil {
		return err
	}
	e.Name = next.Name
	e.ResourceCount = next.ResourceCount
	e.Version = next.Version
	return nil
}

func (t *txStore) Delete(ctx context.Context, id string) error {
	old, err := t.FindByID(ctx, id)
	if err != nil {
		return err
	}
	keys := [][]byte{entityKey(id), kindKey(old.Kind, id)}
	if old.Kind.UniqueNames() {
		keys = append(keys, nameKey(old.Kind, old.Name))
	}
	if old.Kind == domain.KindCategory {
		keys = append(keys, childKey(old.ParentID, id))
	}
	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Increment rewrites the entity with an adjusted counter. The read and the
// write both join the transaction's conflict set.
func (t *txStore) Increment(ctx context.Context, id string, delta int64) (int64, error) {
	e, err := t.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	e.ResourceCount = max(e.ResourceCount+delta, 0)
	if err := t.put(e); err != nil {
		return 0, err
	}
	return e.ResourceCount, nil
}

// put serializes e under its entity key.
func (t *txStore) put(e *domain.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	return t.txn.Set(entityKey(e.ID), data)
}
