package keyvaluedb

import "errors"

type (
	// Iterator is a forward-only iterator over one key prefix. Not safe
	// for concurrent use, Close must be called to release the underlying
	// read transaction.
	Iterator interface {
		Valid() bool
		Next()
		Key() []byte
		Value(v any) error
		Close() error
	}

	/*
		KeyValueDB is the persistent store the engine journal appends to.
		The journal needs exactly this much: point reads and writes plus
		an ordered forward scan over one batch's key range. Iteration
		order over keys is byte-wise lexicographic.
	*/
	KeyValueDB interface {
		Read(key []byte, v any) (bool, error)
		Write(key []byte, v any) error
		Find(prefix []byte) Iterator
		Close() error
	}
)

var (
	ErrEmptyKey = errors.New("key is empty")
	ErrNilValue = errors.New("value is nil")
)

func CheckKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return nil
}

func CheckKeyAndValue(key []byte, v any) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if v == nil {
		return ErrNilValue
	}
	return nil
}
