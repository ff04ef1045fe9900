/*
Package chain implements the star ledger: an append-only chain of blocks where
each block carries the SHA-256 hash of its predecessor.

Blocks are stored in an ordered store under their height. The hash of a block
is computed over its canonical JSON serialization with the hash field left
empty, so any change to a stored block is detectable by recomputing it
(ValidateBlockHash) and any change to the order of blocks breaks the links
checked by ValidateChain.

The chain has a single writer. AddBlock holds a mutex for the whole
read-height, link, hash, store sequence, and the store refuses to overwrite an
occupied height.

The story of a star is stored hex encoded. Every read path attaches the
decoded text as storyDecoded, which is never persisted nor hashed.
*/
package chain
