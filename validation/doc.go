// Package validation gates appends to the ledger.
//
// An address requests a challenge, signs it with its bitcoin key within the
// validation window and is then authorized to append exactly one block.
// A record moves from pending to valid, invalid or expired. A new
// challenge request replaces a record whose window is over. A valid record
// stays valid until it is consumed by an append.
package validation
