package types

import (
	"errors"
)

// Error classes shared by the ledger components. Callers classify
// failures with errors.Is; concrete errors wrap one of these.
var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrMalformedInput = errors.New("malformed input")
	ErrStore          = errors.New("store failure")
	ErrIntegrity      = errors.New("integrity violation")
)
