package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound = leveldb.ErrNotFound
	ErrExists   = errors.New("key already exists")
)

var (
	blocksBucket     = makeBucket([]byte("blocks"))
	validationBucket = makeBucket([]byte("validation"))
)

const heightKeyLen = 8

// DB is the ordered store of the ledger. It keeps the blocks and the
// validation records in separate buckets of a single leveldb database.
type DB struct {
	db *leveldb.DB
}

func Open(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, Options())
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// OpenInMemory opens a database that lives in memory only.
func OpenInMemory() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), Options())
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ledger returns the blocks namespace.
func (d *DB) Ledger() *Ledger {
	return &Ledger{db: d.db, bucket: blocksBucket}
}

// Validations returns the namespace of the validation records.
func (d *DB) Validations() *KV {
	return &KV{db: d.db, bucket: validationBucket}
}

// Ledger maps block heights to serialized blocks.
// Heights are encoded big-endian so that the iteration order of leveldb
// is the ascending height order.
type Ledger struct {
	db     *leveldb.DB
	bucket *bucket
}

func (l *Ledger) key(height uint64) []byte {
	var k [heightKeyLen]byte
	binary.BigEndian.PutUint64(k[:], height)
	return l.bucket.Key(k[:])
}

// LastHeight returns the highest stored height.
// ok is false when the ledger is empty.
func (l *Ledger) LastHeight() (height uint64, ok bool, err error) {
	iter := l.db.NewIterator(util.BytesPrefix(l.bucket.Path()), nil)
	defer iter.Release()
	if iter.Last() {
		height, err = l.height(iter.Key())
		return height, err == nil, err
	}
	return 0, false, iter.Error()
}

func (l *Ledger) height(key []byte) (uint64, error) {
	prefix := len(l.bucket.Path())
	if len(key) != prefix+heightKeyLen {
		return 0, fmt.Errorf("malformed block key %X", key)
	}
	return binary.BigEndian.Uint64(key[prefix:]), nil
}

func (l *Ledger) GetBlock(height uint64) ([]byte, error) {
	return l.db.Get(l.key(height), nil)
}

// PutBlock durably stores the block at the given height.
// It never overwrites: an occupied height fails with ErrExists.
func (l *Ledger) PutBlock(height uint64, data []byte) error {
	trans, err := l.db.OpenTransaction()
	if err != nil {
		return err
	}
	key := l.key(height)
	exists, err := trans.Has(key, nil)
	if err != nil {
		trans.Discard()
		return fmt.Errorf("checking height %d: %w", height, err)
	}
	if exists {
		trans.Discard()
		return fmt.Errorf("%w: height %d", ErrExists, height)
	}
	if err := trans.Put(key, data, &opt.WriteOptions{Sync: true}); err != nil {
		trans.Discard()
		return fmt.Errorf("storing height %d: %w", height, err)
	}
	return trans.Commit()
}

// PutBlocks stores blocks at the heights first, first+1, ... in a single
// transaction: either all of them are stored or none is. Occupied heights
// fail with ErrExists.
func (l *Ledger) PutBlocks(first uint64, blocks [][]byte) error {
	trans, err := l.db.OpenTransaction()
	if err != nil {
		return err
	}
	for i, data := range blocks {
		height := first + uint64(i)
		key := l.key(height)
		exists, err := trans.Has(key, nil)
		if err != nil {
			trans.Discard()
			return fmt.Errorf("checking height %d: %w", height, err)
		}
		if exists {
			trans.Discard()
			return fmt.Errorf("%w: height %d", ErrExists, height)
		}
		if err := trans.Put(key, data, nil); err != nil {
			trans.Discard()
			return fmt.Errorf("storing height %d: %w", height, err)
		}
	}
	return trans.Commit()
}

// Blocks iterates over all blocks in ascending height order.
// The iterator must be released after use.
func (l *Ledger) Blocks() Iterator {
	return &blockIterator{
		Iterator: l.db.NewIterator(util.BytesPrefix(l.bucket.Path()), nil),
		ledger:   l,
	}
}

// Iterator walks over stored blocks.
type Iterator interface {
	// Next moves to the next block. It returns false when the
	// iteration is exhausted or failed; Error tells them apart.
	Next() bool
	Height() uint64
	// Value returns the serialized block. The slice is owned by the caller.
	Value() []byte
	Error() error
	Release()
}

type blockIterator struct {
	iterator.Iterator
	ledger *Ledger
	err    error
}

func (it *blockIterator) Next() bool {
	if it.err != nil {
		return false
	}
	return it.Iterator.Next()
}

func (it *blockIterator) Height() uint64 {
	height, err := it.ledger.height(it.Key())
	if err != nil && it.err == nil {
		it.err = err
	}
	return height
}

func (it *blockIterator) Value() []byte {
	v := it.Iterator.Value()
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (it *blockIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.Iterator.Error()
}

// KV is a string keyed namespace.
type KV struct {
	db     *leveldb.DB
	bucket *bucket
}

func (kv *KV) Get(key string) ([]byte, error) {
	return kv.db.Get(kv.bucket.Key([]byte(key)), nil)
}

func (kv *KV) Put(key string, value []byte) error {
	return kv.db.Put(kv.bucket.Key([]byte(key)), value, &opt.WriteOptions{Sync: true})
}

func (kv *KV) Delete(key string) error {
	return kv.db.Delete(kv.bucket.Key([]byte(key)), &opt.WriteOptions{Sync: true})
}
