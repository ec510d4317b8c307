// Package store implements the KernelStore (spec.md §4.1): persistent,
// crash-safe storage for every table the kernel mutates during a crank,
// fronted by a transactional begin/commit/rollback façade.
//
// The backing engine is github.com/tidwall/buntdb, an embedded ordered KV
// store whose Update/View transactions and AscendKeys prefix iteration are
// exactly the "atomic batched writes and prefix scans over byte-string
// keys" spec.md §1 asks any persistent engine to provide.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the KernelStore. All access outside of an open transaction is
// read-only (View); every mutation must happen inside a Begin/Commit pair
// bound to the current crank.
type Store struct {
	db *buntdb.DB

	// mu serializes cranks: exactly one transaction may be open at a time,
	// mirroring the kernel's single-threaded cooperative scheduling model
	// (spec.md §5).
	mu sync.Mutex

	counters map[string]*ids.Counter
	txn      *Txn

	path string
}

// Open opens (creating if absent) the buntdb file at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, kerr.NewStoreCorrupt(err, "opening store at %s", path)
	}
	s := &Store{db: db, counters: make(map[string]*ids.Counter), path: path}
	if err := s.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.checkInvariants(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithReadTxn runs fn inside a transaction that is always rolled back, for
// read-only callers (such as gc.Collector.Rebuild) that still need to
// serialize behind the current crank (spec.md §5 "Any external API ... enters
// through waitForCrank()").
func (s *Store) WithReadTxn(fn func(*Txn) error) error {
	t := s.Begin()
	defer t.Rollback()
	return fn(t)
}

// Txn is a staged, in-memory overlay of mutations bound to the current
// crank. Nothing here is durable until Commit flushes it in a single
// buntdb.Update call (spec.md §4.1 "Algorithm notes").
type Txn struct {
	store   *Store
	writes  map[string]string
	deletes map[string]bool

	counterReservations map[string]int64 // scope -> first reserved id
	counterCounts       map[string]int64 // scope -> count reserved

	done bool
}

// Begin starts a transaction bound to the current crank. Only one may be
// open at a time; Begin blocks until any prior transaction has been
// committed or rolled back.
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	t := &Txn{
		store:                s,
		writes:                map[string]string{},
		deletes:               map[string]bool{},
		counterReservations:   map[string]int64{},
		counterCounts:         map[string]int64{},
	}
	s.txn = t
	return t
}

func (t *Txn) checkOpen() {
	if t.done {
		panic("store: use of Txn after Commit/Rollback")
	}
}

// Rollback discards every staged mutation; the store is left exactly as it
// was before Begin. Safe to call after Commit (no-op).
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.store.txn = nil
	t.store.mu.Unlock()
}

// Commit flushes every staged write/delete plus any counter reservations in
// one atomic buntdb.Update, together with a checksum of the mutation batch
// (store/checksum.go) stored under sys:lastCommitChecksum. Nothing reads the
// checksum back on load; the load-time check is checkInvariants.
func (t *Txn) Commit() error {
	t.checkOpen()
	defer func() {
		t.done = true
		t.store.txn = nil
		t.store.mu.Unlock()
	}()

	batch := t.checksumBatch()
	sum := checksumBytes(batch)

	// Fold counter advancement into the same atomic write as the staged
	// table mutations, so a crash cannot durably advance a counter without
	// also durably committing the ids it was reserved for (or vice versa).
	// Candidates are computed off to the side and only swapped into the
	// live counters map after the db.Update below succeeds.
	candidates := map[string]*ids.Counter{}
	for scope, first := range t.counterReservations {
		prev := t.store.counters[scope]
		cand := &ids.Counter{Next: 1}
		if prev != nil {
			*cand = *prev
		}
		n := t.counterCounts[scope]
		cand.Reserved = first + n - cand.Next
		cand.Commit()
		candidates[scope] = cand
		t.writes[counterKey(scope)] = encode(cand)
	}

	err := t.store.db.Update(func(tx *buntdb.Tx) error {
		for k, v := range t.writes {
			if _, _, err := tx.Set(k, v, nil); err != nil {
				return err
			}
		}
		for k := range t.deletes {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		if _, _, err := tx.Set(commitChecksumKey(), sum, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return kerr.NewStoreCorrupt(err, "commit failed")
	}
	for scope, cand := range candidates {
		t.store.counters[scope] = cand
	}

	klog.VInfoln(2, "store: committed", len(t.writes), "writes", len(t.deletes), "deletes")
	return nil
}

// --- generic get/put/delete/scan over the overlay + db ---

func (t *Txn) get(key string) (string, bool, error) {
	if t.deletes[key] {
		return "", false, nil
	}
	if v, ok := t.writes[key]; ok {
		return v, true, nil
	}
	return t.store.view(key)
}

func (s *Store) view(key string) (string, bool, error) {
	var val string
	var found bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		return "", false, kerr.NewStoreCorrupt(err, "reading key %s", key)
	}
	return val, found, nil
}

func (t *Txn) put(key, value string) {
	delete(t.deletes, key)
	t.writes[key] = value
}

func (t *Txn) del(key string) {
	delete(t.writes, key)
	t.deletes[key] = true
}

// scan returns every (key,value) under prefix, in ascending key order,
// merging the overlay over the durable snapshot so readers within a crank
// observe a consistent view of their own pending writes (spec.md §4.1
// "readers within a crank observe a consistent snapshot").
func (t *Txn) scan(prefix string) ([]string, []string, error) {
	keysSeen := map[string]bool{}
	var keys, vals []string

	err := t.store.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(k, v string) bool {
			if t.deletes[k] {
				return true
			}
			if ov, ok := t.writes[k]; ok {
				v = ov
			}
			keysSeen[k] = true
			keys = append(keys, k)
			vals = append(vals, v)
			return true
		})
	})
	if err != nil {
		return nil, nil, kerr.NewStoreCorrupt(err, "scanning prefix %s", prefix)
	}
	for k, v := range t.writes {
		if keysSeen[k] || !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
		vals = append(vals, v)
	}
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	outK := make([]string, len(keys))
	outV := make([]string, len(keys))
	for i, j := range idx {
		outK[i] = keys[j]
		outV[i] = vals[j]
	}
	return outK, outV, nil
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: encode: %v", err))
	}
	return string(b)
}

func decode(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

// loadCounters restores every persisted counter record into memory, so
// NextID continues from where the last committed crank left off even after
// a restart (spec.md §4.1 "Counters are stored as a pair ... so that
// re-allocation after crash cannot duplicate ids").
func (s *Store) loadCounters() error {
	return s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("counter:*", func(k, v string) bool {
			scope := strings.TrimPrefix(k, "counter:")
			var c ids.Counter
			if err := decode(v, &c); err != nil {
				return true
			}
			s.counters[scope] = &c
			return true
		})
	})
}

// checkInvariants re-derives each kernel object's refcounts from the import
// (o-/p-) entries of the c-list table and compares them against the stored counts, catching the kind of
// torn or partial write the commit checksum cannot itself detect (the
// checksum covers one commit's own batch, not the table contents a later
// load actually sees). spec.md §4.1 requires failing with StoreCorrupt on
// load if invariants are violated; this is that check (spec.md §8 property 2
// "the two c-list tables stay symmetric" and the refcount invariant already
// enforced per-write by PutObject).
func (s *Store) checkInvariants() error {
	txn := s.Begin()
	defer txn.Rollback()

	objs, err := txn.ScanObjects()
	if err != nil {
		return err
	}

	keys, vals, err := txn.scan("clist:")
	if err != nil {
		return err
	}
	reachable := map[ids.Kref]int64{}
	recognizable := map[ids.Kref]int64{}
	for i, k := range keys {
		if !strings.Contains(k, ":vr:") {
			continue
		}
		var entry CListEntry
		if err := decode(vals[i], &entry); err != nil {
			return kerr.NewStoreCorrupt(err, "decoding c-list entry at %s", k)
		}
		if !entry.VatRef.IsImport() {
			continue // the owner's own o+/p+ entry is not counted
		}
		recognizable[entry.Kref]++
		if entry.Reachable {
			reachable[entry.Kref]++
		}
	}

	for _, rec := range objs {
		kref := ids.Kref(rec.KO)
		if rec.Reachable != reachable[kref] {
			return kerr.NewStoreCorrupt(nil, "object %s: stored reachable=%d but c-list shows %d", rec.KO, rec.Reachable, reachable[kref])
		}
		if rec.Recognizable != recognizable[kref] {
			return kerr.NewStoreCorrupt(nil, "object %s: stored recognizable=%d but c-list shows %d", rec.KO, rec.Recognizable, recognizable[kref])
		}
	}
	return nil
}
