package signing

import (
	"errors"

	lru "github.com/hashicorp/golang-lru"
	"github.com/minio/sha256-simd"
)

// caching implements a caching layer on top of its Verifier.
// Only definitive outcomes are cached: success and a signature that
// does not match the address.
type caching struct {
	cache    *lru.Cache
	verifier Verifier
}

type cachedResult struct {
	err error
}

func (c *caching) Verify(message, address, signature string) error {
	var key [sha256.Size]byte
	hasher := sha256.New()
	for _, part := range []string{message, address, signature} {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	hasher.Sum(key[:0])

	if result, ok := c.cache.Get(key); ok {
		// SAFETY: type assertion will never panic as we insert only `cachedResult` values.
		return result.(cachedResult).err
	}

	err := c.verifier.Verify(message, address, signature)
	if err == nil || errors.Is(err, ErrSignatureMismatch) {
		c.cache.Add(key, cachedResult{err: err})
	}
	return err
}

func NewCaching(size int, verifier Verifier) (Verifier, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &caching{
		cache:    cache,
		verifier: verifier,
	}, nil
}
