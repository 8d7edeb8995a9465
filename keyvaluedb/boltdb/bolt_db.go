package boltdb

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vibeswap/vibeswap/keyvaluedb"
	"github.com/vibeswap/vibeswap/types"
)

// single bucket, the journal key layout already namespaces by pool and
// batch - use more than one db file for anything else
const defaultBucket = "journal"

type (
	BoltDB struct {
		db     *bolt.DB
		bucket []byte
	}

	/*
		prefixIterator wraps a read transaction cursor positioned at the
		start of one key prefix. Valid turns false once the cursor walks
		past the last key carrying the prefix, so a scan loop never sees
		another batch's entries. Close must be called to release the
		transaction, after that the iterator is no longer usable.
	*/
	prefixIterator struct {
		tx     *bolt.Tx
		cursor *bolt.Cursor
		prefix []byte
		key    []byte
		value  []byte
		err    error
	}
)

var errNotFound = errors.New("db entry not found")

// New creates a new Bolt DB. Values are encoded as deterministic CBOR
// so that journal entries are byte stable across replicas.
func New(dbFile string) (*BoltDB, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &BoltDB{
		db:     db,
		bucket: []byte(defaultBucket),
	}
	if err = s.createBuckets(); err != nil {
		return nil, err
	}
	return s, err
}

func (db *BoltDB) Path() string {
	return db.db.Path()
}

func (db *BoltDB) createBuckets() error {
	return db.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(db.bucket)
		if err != nil {
			return err
		}
		return nil
	})
}

func (db *BoltDB) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	if err := db.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(db.bucket).Get(key)
		if data == nil {
			return errNotFound
		}
		return types.Cbor.Unmarshal(data, v)
	}); err != nil {
		if errors.Is(err, errNotFound) {
			return false, nil
		}
		return true, fmt.Errorf("bolt db read failed, %w", err)
	}
	return true, nil
}

func (db *BoltDB) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	b, err := types.Cbor.Marshal(v)
	if err != nil {
		return err
	}
	if err = db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.bucket).Put(key, b)
	}); err != nil {
		return fmt.Errorf("bolt db write failed, %w", err)
	}
	return nil
}

// Find returns an iterator over the keys carrying the prefix, in
// byte-wise lexicographic order.
func (db *BoltDB) Find(prefix []byte) keyvaluedb.Iterator {
	it := &prefixIterator{prefix: bytes.Clone(prefix)}
	tx, err := db.db.Begin(false)
	if err != nil {
		it.err = err
		return it
	}
	it.tx = tx
	it.cursor = tx.Bucket(db.bucket).Cursor()
	it.key, it.value = it.cursor.Seek(prefix)
	return it
}

func (db *BoltDB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

func (it *prefixIterator) Valid() bool {
	return it.err == nil && it.key != nil && bytes.HasPrefix(it.key, it.prefix)
}

func (it *prefixIterator) Next() {
	if it.cursor == nil {
		return
	}
	it.key, it.value = it.cursor.Next()
}

func (it *prefixIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return bytes.Clone(it.key)
}

func (it *prefixIterator) Value(v any) error {
	if it.err != nil {
		return it.err
	}
	if !it.Valid() {
		return errors.New("iterator is not valid")
	}
	return types.Cbor.Unmarshal(it.value, v)
}

func (it *prefixIterator) Close() error {
	if it.tx == nil {
		return it.err
	}
	tx := it.tx
	it.tx, it.cursor, it.key, it.value = nil, nil, nil, nil
	return tx.Rollback()
}
