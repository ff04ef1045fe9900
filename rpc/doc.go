// Package rpc provides the JSON over HTTP front end of the ledger: star
// lookups, the validation workflow and the registration of new stars.
package rpc
