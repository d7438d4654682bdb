// Package kvstore is a thin, typed façade over an embedded Badger LSM store.
//
// It is a process-wide singleton: Initialize opens (or creates) the store at
// a path, Shutdown closes it, and re-initializing a live store is an error.
// The terrain engine holds the returned *Store by reference; it never reaches
// into package-level state itself.
package kvstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

const (
	defaultBlockCacheBytes = 100 << 20 // 100 MiB
	defaultBloomFPR        = 0.01      // ~10 bits/key: ceil(-ln(0.01)/ln(2)^2) = 10
	defaultMemTableBytes   = 64 << 20  // 64 MiB write buffer
)

var (
	mu       sync.Mutex
	instance *Store
)

// Option customizes Badger options before the store is opened.
type Option func(*badger.Options)

// WithBlockCacheSize overrides the default 100 MiB block cache.
func WithBlockCacheSize(n int64) Option {
	return func(o *badger.Options) { o.BlockCacheSize = n }
}

// WithValueLogFileSize overrides Badger's value log segment size.
func WithValueLogFileSize(n int64) Option {
	return func(o *badger.Options) { o.ValueLogFileSize = n }
}

// WithMemTableSize overrides the default 64 MiB write buffer.
func WithMemTableSize(n int64) Option {
	return func(o *badger.Options) { o.MemTableSize = n }
}

// WithSyncWrites forces every write to fsync, overriding the default of
// per-call sync flags.
func WithSyncWrites(sync bool) Option {
	return func(o *badger.Options) { o.SyncWrites = sync }
}

// WithInMemory opens the store without touching disk; used by tests.
func WithInMemory() Option {
	return func(o *badger.Options) { o.InMemory = true }
}

// Store is a typed handle on the process-wide Badger instance.
type Store struct {
	db     *badger.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// Initialize opens (or creates) the store at path and installs it as the
// process-wide singleton. Calling Initialize again while a store is live
// returns ErrAlreadyInitialized.
func Initialize(path string, opts ...Option) (*Store, error) {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return nil, ErrAlreadyInitialized
	}

	bo := badger.DefaultOptions(path)
	bo.BlockCacheSize = defaultBlockCacheBytes
	bo.BloomFalsePositive = defaultBloomFPR
	bo.MemTableSize = defaultMemTableBytes
	bo.Logger = nil // the engine logs through internal/logging, not Badger's own logger

	for _, f := range opts {
		f(&bo)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %q: %w", path, err)
	}

	instance = &Store{db: db, path: path}
	return instance, nil
}

// Current returns the live singleton, or ErrNotInitialized if none exists.
func Current() (*Store, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// Shutdown closes the store and clears the singleton. Safe to call once;
// calling it again returns ErrNotInitialized.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return ErrNotInitialized
	}
	err := instance.close()
	instance = nil
	return err
}

func (s *Store) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return wrapErr("close", err)
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores key/value. sync forces an fsync before returning.
func (s *Store) Put(key, value []byte, sync bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Set(append([]byte(nil), key...), append([]byte(nil), value...)); err != nil {
		return wrapErr("put", err)
	}
	if err := s.commit(txn, sync); err != nil {
		return wrapErr("put", err)
	}
	return nil
}

// Get returns (value, true, nil) if key exists, (nil, false, nil) if it does
// not, or (nil, false, err) on an underlying failure.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("get", err)
	}
	return out, true, nil
}

// Exists reports whether key is present, without reading its value.
func (s *Store) Exists(key []byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("exists", err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is idempotent success.
func (s *Store) Delete(key []byte, sync bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Delete(key); err != nil {
		return wrapErr("delete", err)
	}
	if err := s.commit(txn, sync); err != nil {
		return wrapErr("delete", err)
	}
	return nil
}

// commit applies txn and, when sync is requested, forces the value log to
// fsync before returning (Badger commits are durable as soon as the WAL
// write returns, but sync additionally waits for the fsync to land).
func (s *Store) commit(txn *badger.Txn, sync bool) error {
	if err := txn.Commit(); err != nil {
		return err
	}
	if sync {
		return s.db.Sync()
	}
	return nil
}

// RangeQuery invokes cb for every key in the byte-lex range [start, end).
// end == nil means open-ended. Returning an error from cb stops iteration
// and propagates the error.
func (s *Store) RangeQuery(start, end []byte, cb func(k, v []byte) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			var v []byte
			if err := item.Value(func(val []byte) error {
				v = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return wrapErr("range_query", err)
			}
			if err := cb(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// PrefixQuery is RangeQuery(prefix, succ(prefix), cb). An empty prefix scans
// the whole keyspace.
func (s *Store) PrefixQuery(prefix []byte, cb func(k, v []byte) error) error {
	if len(prefix) == 0 {
		return s.RangeQuery(nil, nil, cb)
	}
	return s.RangeQuery(prefix, succ(prefix), cb)
}

// succ returns the smallest byte string strictly greater than every string
// with the given prefix: prefix with its last byte incremented, dropping any
// trailing 0xFF bytes that would otherwise overflow.
func succ(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// prefix is all 0xFF: there is no finite successor, so treat as open-ended.
	return nil
}

// CompactRange hints the underlying engine to compact. Badger does not
// expose a bounded-range compaction primitive; this approximates it with a
// full-table flatten, which is a coarser operation than the spec describes
// but satisfies the same "hint to the engine" contract.
func (s *Store) CompactRange(_, _ []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.Flatten(1); err != nil {
		return wrapErr("compact_range", err)
	}
	return nil
}

// Ready reports whether the store is open and able to serve requests. It
// satisfies httpapi.ReadinessReporter.
func (s *Store) Ready() bool {
	return s.checkOpen() == nil
}

// GetStats renders Badger's level and size diagnostics as an opaque string.
func (s *Store) GetStats() string {
	if err := s.checkOpen(); err != nil {
		return err.Error()
	}
	lsm, vlog := s.db.Size()
	return fmt.Sprintf("path=%s lsm_bytes=%d vlog_bytes=%d levels=%d", s.path, lsm, vlog, len(s.db.Levels()))
}

// IterOptions configures an Iterator.
type IterOptions struct {
	// Prefix restricts iteration to keys sharing this prefix. Empty means
	// the whole keyspace.
	Prefix []byte
	// Reverse sets the direction the cursor starts in: from the largest
	// matching key to the smallest. SeekToFirst switches the cursor to
	// forward and SeekToLast to reverse, whatever this flag says; Next then
	// advances in whichever direction the cursor is currently in.
	Reverse bool
	// PrefetchValues controls whether Badger prefetches values alongside
	// keys during iteration. Leave false for key-only scans.
	PrefetchValues bool
}

// Iterator is a forward/seekable cursor over a single point-in-time
// snapshot of the store, taken when Iterator is called. It never observes
// writes committed after it was opened. Callers must call Close when done.
type Iterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	opts    IterOptions
	prefix  []byte
	reverse bool
}

// Iterator opens a cursor over the store per opts. The returned snapshot
// must be Close'd; it otherwise pins Badger's value log from being
// reclaimed.
func (s *Store) Iterator(opts IterOptions) *Iterator {
	txn := s.db.NewTransaction(false)
	i := &Iterator{txn: txn, opts: opts, prefix: opts.Prefix, reverse: opts.Reverse}
	i.open(opts.Reverse)
	return i
}

// open (re)creates the underlying badger.Iterator in the requested
// direction. Badger's Iterator.Rewind seeks to the smallest key when
// constructed forward, and to the largest when constructed with Reverse:
// true, which is what lets one cursor type serve both SeekToFirst and
// SeekToLast without holding two iterators live at once.
func (it *Iterator) open(reverse bool) {
	if it.it != nil {
		it.it.Close()
	}
	bo := badger.DefaultIteratorOptions
	bo.PrefetchValues = it.opts.PrefetchValues
	bo.Prefix = it.prefix
	bo.Reverse = reverse
	it.it = it.txn.NewIterator(bo)
	it.reverse = reverse
}

// SeekToFirst positions the cursor at the smallest key matching the
// iterator's prefix (or the smallest key in the store, if no prefix).
func (it *Iterator) SeekToFirst() {
	if it.reverse {
		it.open(false)
	}
	it.it.Rewind()
}

// SeekToLast positions the cursor at the largest key matching the
// iterator's prefix (or the largest key in the store, if no prefix).
func (it *Iterator) SeekToLast() {
	if !it.reverse {
		it.open(true)
	}
	it.it.Rewind()
}

// Seek positions the cursor at the first key >= target in the iterator's
// current direction (<= target if iterating in reverse).
func (it *Iterator) Seek(target []byte) {
	it.it.Seek(target)
}

// Valid reports whether the cursor currently rests on an item.
func (it *Iterator) Valid() bool {
	return it.it.ValidForPrefix(it.prefix)
}

// Next advances the cursor one position in its current direction.
func (it *Iterator) Next() {
	it.it.Next()
}

// Key returns a copy of the current item's key. Valid must be true.
func (it *Iterator) Key() []byte {
	return it.it.Item().KeyCopy(nil)
}

// Value returns a copy of the current item's value. Valid must be true.
func (it *Iterator) Value() ([]byte, error) {
	var out []byte
	err := it.it.Item().Value(func(v []byte) error {
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, wrapErr("iterator_value", err)
	}
	return out, nil
}

// Close releases the cursor's underlying Badger iterator and transaction.
func (it *Iterator) Close() {
	if it.it != nil {
		it.it.Close()
	}
	it.txn.Discard()
}

// Batch stages a set of puts/deletes for atomic commit.
type Batch struct {
	store *Store
	wb    *badger.WriteBatch
	err   error
}

// Batch returns a new batch builder bound to this store.
func (s *Store) Batch() *Batch {
	return &Batch{store: s, wb: s.db.NewWriteBatch()}
}

// Put stages a write. Staged ops only take effect on Commit.
func (b *Batch) Put(key, value []byte) *Batch {
	if b.err != nil {
		return b
	}
	if err := b.wb.Set(append([]byte(nil), key...), append([]byte(nil), value...)); err != nil {
		b.err = err
	}
	return b
}

// Delete stages a delete. Staged ops only take effect on Commit.
func (b *Batch) Delete(key []byte) *Batch {
	if b.err != nil {
		return b
	}
	if err := b.wb.Delete(append([]byte(nil), key...)); err != nil {
		b.err = err
	}
	return b
}

// Commit applies every staged op atomically from the perspective of readers.
// sync is currently advisory: Badger's WriteBatch always commits durably
// through its own transaction machinery.
func (b *Batch) Commit(_ bool) error {
	if b.err != nil {
		b.wb.Cancel()
		return wrapErr("batch_commit", b.err)
	}
	if err := b.store.checkOpen(); err != nil {
		b.wb.Cancel()
		return err
	}
	if err := b.wb.Flush(); err != nil {
		return wrapErr("batch_commit", err)
	}
	return nil
}
