package store

import "bytes"

var separator = []byte("/")

// bucket combines a path of bucket names and a key into a single
// database key, so several namespaces can share one leveldb instance.
type bucket struct {
	path [][]byte
}

func makeBucket(path ...[]byte) *bucket {
	return &bucket{path: path}
}

// Key returns the key inside of the bucket.
func (b *bucket) Key(key []byte) []byte {
	bucketPath := b.Path()

	fullKey := make([]byte, len(bucketPath)+len(key))
	copy(fullKey, bucketPath)
	copy(fullKey[len(bucketPath):], key)
	return fullKey
}

// Path returns the full path of the bucket, terminated by the separator.
func (b *bucket) Path() []byte {
	bucketPath := bytes.Join(b.path, separator)

	withSeparator := make([]byte, len(bucketPath)+len(separator))
	copy(withSeparator, bucketPath)
	copy(withSeparator[len(bucketPath):], separator)
	return withSeparator
}
