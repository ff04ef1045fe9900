package store

import "github.com/syndtr/goleveldb/leveldb/opt"

var (
	defaultOptions = opt.Options{
		BlockCacheCapacity: 32 * opt.MiB,
		WriteBuffer:        16 * opt.MiB,
	}

	// Options returns the leveldb options used to open a database.
	// It's defined as a variable for the sake of testing.
	Options = func() *opt.Options {
		o := defaultOptions
		return &o
	}
)
