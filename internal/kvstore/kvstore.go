// Package kvstore wraps go.etcd.io/bbolt behind the typed get/put/cursor
// contract of spec §4.A: named sub-databases, a transaction lifecycle, and a
// cursor with first/last/next/prev/seek. Any bbolt failure other than "not
// found" or "key exists" is fatal and aborts the process (§7); callers never
// see a raw bbolt error.
package kvstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/git-bruh/matrix-tui/internal/fatal"
)

// PutFlag mirrors the LMDB-style write flags from spec §4.A. bbolt itself has
// no notion of these, so Put emulates them with a Get-before-Put inside the
// same transaction.
type PutFlag int

const (
	PutOverwrite PutFlag = iota
	// PutNoOverwrite fails (returns ErrKeyExists) if the key is already present.
	PutNoOverwrite
)

// ErrKeyExists and ErrNotFound are the only two in-band values the store
// returns; every other bbolt error is fatal (§7 propagation policy).
var (
	ErrKeyExists = errors.New("kvstore: key already exists")
	ErrNotFound  = errors.New("kvstore: not found")
)

// DB is the opened environment. It corresponds to the single mmap'd LMDB
// environment directory described in §6.
type DB struct {
	bolt *bbolt.DB
	log  zerolog.Logger
}

type Options struct {
	Log *zerolog.Logger
	// Timeout bounds how long Open waits for the file lock of an
	// already-open environment.
	Timeout time.Duration
}

func Open(path string, opts Options) (*DB, error) {
	log := zerolog.Nop()
	if opts.Log != nil {
		log = *opts.Log
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open kv environment %q: %w", path, err)
	}
	return &DB{bolt: bdb, log: log}, nil
}

func (db *DB) Close() error {
	return db.bolt.Close()
}

// Txn is a single read-write or read-only transaction, matching
// begin(ro|rw)/commit/abort of §4.A.
type Txn struct {
	bolt     *bbolt.Tx
	db       *DB
	readOnly bool
}

// Begin starts a transaction. The bbolt semantics already allow multiple
// concurrent read-only transactions per process (the MDB_NOTLS-equivalent
// flag in spec §4.A is the default and only mode here).
func (db *DB) Begin(writable bool) (*Txn, error) {
	bt, err := db.bolt.Begin(writable)
	if err != nil {
		fatal.AbortWithDiagnostic(&db.log, nil, "kvstore.Begin", err)
	}
	return &Txn{bolt: bt, db: db, readOnly: !writable}, nil
}

// View runs fn in a read-only transaction, always releasing the transaction
// afterwards (it goes through Commit like writers, for symmetry with spec
// §4.A's begin/commit/abort contract; Commit releases a read-only transaction
// with a rollback).
func (db *DB) View(fn func(txn *Txn) error) error {
	txn, err := db.Begin(false)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// Update runs fn in a read-write transaction, committing on success and
// aborting (rolling back) on error.
func (db *DB) Update(fn func(txn *Txn) error) error {
	txn, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

func (t *Txn) Commit() error {
	if t.readOnly {
		// bbolt rejects Commit on a read-only transaction; releasing it is a
		// rollback.
		_ = t.bolt.Rollback()
		return nil
	}
	if err := t.bolt.Commit(); err != nil {
		fatal.AbortWithDiagnostic(&t.db.log, nil, "kvstore.Commit", err)
	}
	return nil
}

func (t *Txn) Abort() {
	_ = t.bolt.Rollback()
}

// DBFlag controls sub-database creation semantics.
type DBFlag int

const (
	DBCreateIfMissing DBFlag = iota
	DBMustExist
)

// OpenDB opens (creating if requested) a named sub-database, matching
// open_db(name, flags) of §4.A. The returned handle is only valid for the
// lifetime of the transaction that produced it.
func (t *Txn) OpenDB(name string, flags DBFlag) (*Bucket, error) {
	b, err := openBucket(bboltBucketSource{t.bolt}, name, flags, t.readOnly)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		fatal.AbortWithDiagnostic(&t.db.log, nil, "kvstore.OpenDB", err)
	}
	return &Bucket{bucket: b, txn: t}, nil
}

// OpenDB opens a named sub-database nested within this bucket, giving the
// "named sub-stores per room" structure of spec §4.A: a top-level "rooms"
// bucket holding one nested bucket per room id, itself holding the
// events/order_event/event_order/members/state/space_child/space_parent
// sub-stores.
func (b *Bucket) OpenDB(name string, flags DBFlag) (*Bucket, error) {
	nb, err := openBucket(bboltBucketSource{nil, b.bucket}, name, flags, b.txn.readOnly)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		fatal.AbortWithDiagnostic(&b.txn.db.log, nil, "kvstore.OpenDB", err)
	}
	return &Bucket{bucket: nb, txn: b.txn}, nil
}

// bboltBucketSource adapts either a *bbolt.Tx or a *bbolt.Bucket (both of
// which expose Bucket/CreateBucketIfNotExists with identical shape) to one
// interface.
type bboltBucketSource struct {
	tx *bbolt.Tx
	bk *bbolt.Bucket
}

func (s bboltBucketSource) Bucket(name []byte) *bbolt.Bucket {
	if s.tx != nil {
		return s.tx.Bucket(name)
	}
	return s.bk.Bucket(name)
}

func (s bboltBucketSource) CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error) {
	if s.tx != nil {
		return s.tx.CreateBucketIfNotExists(name)
	}
	return s.bk.CreateBucketIfNotExists(name)
}

func openBucket(src bboltBucketSource, name string, flags DBFlag, readOnly bool) (*bbolt.Bucket, error) {
	if flags == DBMustExist || readOnly {
		b := src.Bucket([]byte(name))
		if b == nil {
			return nil, ErrNotFound
		}
		return b, nil
	}
	return src.CreateBucketIfNotExists([]byte(name))
}

// Bucket is a handle to one named sub-database within a transaction.
type Bucket struct {
	bucket *bbolt.Bucket
	txn    *Txn
}

func (b *Bucket) Get(key []byte) ([]byte, error) {
	v := b.bucket.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	// bbolt reuses the backing mmap page; copy out so callers can retain it
	// past the transaction's lifetime (the codec's "codec types own parsed
	// values" redesign in spec §9 depends on this).
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *Bucket) Put(key, value []byte, flag PutFlag) error {
	if flag == PutNoOverwrite {
		if existing := b.bucket.Get(key); existing != nil {
			return ErrKeyExists
		}
	}
	if err := b.bucket.Put(key, value); err != nil {
		fatal.AbortWithDiagnostic(&b.txn.db.log, nil, "kvstore.Put", err)
	}
	return nil
}

func (b *Bucket) Del(key []byte) error {
	if b.bucket.Get(key) == nil {
		return ErrNotFound
	}
	if err := b.bucket.Delete(key); err != nil {
		fatal.AbortWithDiagnostic(&b.txn.db.log, nil, "kvstore.Del", err)
	}
	return nil
}

// Cursor matches the first/last/next/prev/set/get_both/first_dup/next_dup
// cursor of §4.A. Duplicate-valued keys (used for space_children) are
// emulated with composite parent\x00child keys (see cache package); the
// *_dup operations below operate over the shared-prefix run.
type Cursor struct {
	c      *bbolt.Cursor
	prefix []byte // set by FirstDup to bound NextDup
}

func (b *Bucket) Cursor() *Cursor {
	return &Cursor{c: b.bucket.Cursor()}
}

type KV struct {
	Key   []byte
	Value []byte
}

func entry(k, v []byte) (KV, bool) {
	if k == nil {
		return KV{}, false
	}
	return KV{Key: k, Value: v}, true
}

func (c *Cursor) First() (KV, bool) { return entry(c.c.First()) }
func (c *Cursor) Last() (KV, bool)  { return entry(c.c.Last()) }
func (c *Cursor) Next() (KV, bool)  { return entry(c.c.Next()) }
func (c *Cursor) Prev() (KV, bool)  { return entry(c.c.Prev()) }

// Seek positions at the first key >= key (bbolt's native behavior), matching
// cursor "set" from §4.A when an exact match is required by the caller.
func (c *Cursor) Seek(key []byte) (KV, bool) { return entry(c.c.Seek(key)) }

// SeekExact returns ok=false unless the key matches exactly, matching
// get_both's semantics for a non-duplicate-keyed bucket lookup.
func (c *Cursor) SeekExact(key []byte) (KV, bool) {
	k, v := c.c.Seek(key)
	if k == nil || string(k) != string(key) {
		return KV{}, false
	}
	return KV{Key: k, Value: v}, true
}

// FirstDup seeks to the first composite key sharing prefix and remembers the
// prefix boundary for subsequent NextDup calls.
func (c *Cursor) FirstDup(prefix []byte) (KV, bool) {
	c.prefix = prefix
	k, v := c.c.Seek(prefix)
	if k == nil || !hasPrefix(k, prefix) {
		return KV{}, false
	}
	return KV{Key: k, Value: v}, true
}

func (c *Cursor) NextDup() (KV, bool) {
	k, v := c.c.Next()
	if k == nil || !hasPrefix(k, c.prefix) {
		return KV{}, false
	}
	return KV{Key: k, Value: v}, true
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
